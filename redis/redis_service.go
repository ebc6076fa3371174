package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"proximeet/config"
)

// Service owns the Redis client shared by the presence store, the change
// bridge and the message id sequence.
type Service struct {
	client *redis.Client
}

// NewService creates a new Redis service instance
func NewService(cfg config.RedisConfig) *Service {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
		// Connection pool settings
		PoolSize:     10,
		MinIdleConns: 5,
		// Timeout settings
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	return &Service{client: client}
}

// NewServiceFromClient wraps an existing client.
func NewServiceFromClient(client *redis.Client) *Service {
	return &Service{client: client}
}

// Ping checks the connection
func (r *Service) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *Service) Close() error {
	return r.client.Close()
}

// NextID increments the counter at key and returns the new value.
func (r *Service) NextID(ctx context.Context, key string) (int64, error) {
	result, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return result, nil
}

// GetClient returns the Redis client for advanced operations
func (r *Service) GetClient() *redis.Client {
	return r.client
}
