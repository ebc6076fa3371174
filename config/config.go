// config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"proximeet/app/services"
)

// Application constants
const (
	AppName    = "proximeet"
	AppVersion = "1.0.0"
)

// Backend drivers.
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverCassandra = "cassandra"
	DriverRedis     = "redis"
	DriverMongo     = "mongo"
)

// CassandraConfig locates the relationship and message keyspace.
type CassandraConfig struct {
	Host     string `env:"CASSANDRA_HOST"     envDefault:"localhost"`
	Port     int    `env:"CASSANDRA_PORT"     envDefault:"9042"`
	Username string `env:"CASSANDRA_USERNAME" envDefault:"cassandra"`
	Password string `env:"CASSANDRA_PASSWORD" envDefault:"cassandra"`
	Keyspace string `env:"CASSANDRA_KEYSPACE" envDefault:"proximeet"`
}

// RedisConfig locates the presence register and the change bridge.
type RedisConfig struct {
	URL      string `env:"REDIS_URL"      envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
}

// Config is the full server configuration.
type Config struct {
	ServerPort int `env:"SERVER_PORT" envDefault:"8088"`

	StoreDriver    string `env:"STORE_DRIVER"    envDefault:"memory"`
	PresenceDriver string `env:"PRESENCE_DRIVER" envDefault:"memory"`
	BridgeDriver   string `env:"BRIDGE_DRIVER"   envDefault:"memory"`
	IdentityDriver string `env:"IDENTITY_DRIVER" envDefault:"memory"`

	SQLitePath string `env:"SQLITE_PATH" envDefault:"proximeet.db"`
	Cassandra  CassandraConfig
	Redis      RedisConfig

	MongoURI      string `env:"MONGO_URI"      envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"proximeet"`

	JWTSecret string `env:"JWT_SECRET"`

	PresenceActiveTTL time.Duration `env:"PRESENCE_ACTIVE_TTL" envDefault:"5m"`
	PresenceOffTTL    time.Duration `env:"PRESENCE_OFF_TTL"    envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL"  envDefault:"60s"`
	DiscoveryLimit    int           `env:"DISCOVERY_LIMIT"     envDefault:"20"`
	HistoryLimit      int           `env:"HISTORY_LIMIT"       envDefault:"200"`
}

// Load reads envFile (when present) into the environment and parses it.
// Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
			log.Printf("⚠️ No %s file found, using environment only", envFile)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown drivers, missing secrets and a heartbeat
// interval that lets visible records expire between beats.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	checks := []struct {
		key     string
		value   string
		allowed []string
	}{
		{"STORE_DRIVER", c.StoreDriver, []string{DriverMemory, DriverSQLite, DriverCassandra}},
		{"PRESENCE_DRIVER", c.PresenceDriver, []string{DriverMemory, DriverSQLite, DriverRedis}},
		{"BRIDGE_DRIVER", c.BridgeDriver, []string{DriverMemory, DriverRedis}},
		{"IDENTITY_DRIVER", c.IdentityDriver, []string{DriverMemory, DriverMongo}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return fmt.Errorf("%s: unsupported driver %q", check.key, check.value)
		}
	}
	if c.ServerPort <= 0 {
		return fmt.Errorf("SERVER_PORT: invalid port %d", c.ServerPort)
	}

	// Zero durations fall back to the service defaults.
	interval, ttl := c.HeartbeatInterval, c.PresenceActiveTTL
	if interval <= 0 {
		interval = services.DefaultHeartbeatInterval
	}
	if ttl <= 0 {
		ttl = services.DefaultActiveTTL
	}
	if interval >= ttl {
		return fmt.Errorf("HEARTBEAT_INTERVAL (%s) must be shorter than PRESENCE_ACTIVE_TTL (%s)", interval, ttl)
	}
	return nil
}

// NeedsRedis reports whether any component is backed by Redis. Cassandra
// message ids come from a Redis sequence too.
func (c *Config) NeedsRedis() bool {
	return c.PresenceDriver == DriverRedis || c.BridgeDriver == DriverRedis || c.StoreDriver == DriverCassandra
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
