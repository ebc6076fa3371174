package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"proximeet/app/notify"
)

const changeChannelPrefix = "changes:"

func changeChannel(table string) string { return changeChannelPrefix + table }

// Bridge fans change events out over Redis Pub/Sub, one channel per table.
// Filters are applied by the receiving subscriber.
type Bridge struct {
	client *redis.Client
}

// NewBridge creates a Pub/Sub change bridge on the service's client.
func NewBridge(svc *Service) *Bridge {
	return &Bridge{client: svc.client}
}

func (b *Bridge) Publish(ctx context.Context, ev notify.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Table, err)
	}
	if err := b.client.Publish(ctx, changeChannel(ev.Table), data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Table, err)
	}
	return nil
}

func (b *Bridge) Subscribe(ctx context.Context, filter notify.Filter, handler notify.Handler) (notify.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, changeChannel(filter.Table))
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", filter.Table, err)
	}

	sub := &pubsubSubscription{pubsub: pubsub}
	go sub.run(ctx, filter, handler)
	return sub, nil
}

type pubsubSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *pubsubSubscription) run(ctx context.Context, filter notify.Filter, handler notify.Handler) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev notify.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("⚠️ Dropping malformed change event on %s: %v", msg.Channel, err)
				continue
			}
			if filter.Matches(ev) {
				handler(ctx, ev)
			}
		}
	}
}

func (s *pubsubSubscription) Unsubscribe() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
	})
}

var _ notify.Bridge = (*Bridge)(nil)
