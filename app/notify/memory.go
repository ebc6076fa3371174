package notify

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
)

// queueSize bounds each subscriber's backlog. Events beyond it are dropped.
const queueSize = 64

// MemoryBridge delivers events in-process. Each subscriber has its own
// goroutine, so a slow handler never blocks Publish.
type MemoryBridge struct {
	mu   sync.RWMutex
	subs map[string]*memorySub
}

type memorySub struct {
	id      string
	filter  Filter
	handler Handler
	queue   chan Event
	done    chan struct{}
	once    sync.Once
	bridge  *MemoryBridge
}

func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{subs: make(map[string]*memorySub)}
}

func (b *MemoryBridge) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			log.Printf("notify: dropping %s event for subscriber %s", ev.Table, sub.id)
		}
	}
	return nil
}

func (b *MemoryBridge) Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySub{
		id:      uuid.NewString(),
		filter:  filter,
		handler: handler,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
		bridge:  b,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBridge) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *memorySub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
			return
		case <-s.done:
			return
		case ev := <-s.queue:
			s.handler(ctx, ev)
		}
	}
}

func (s *memorySub) Unsubscribe() {
	s.once.Do(func() {
		s.bridge.mu.Lock()
		delete(s.bridge.subs, s.id)
		s.bridge.mu.Unlock()
		close(s.done)
	})
}

var _ Bridge = (*MemoryBridge)(nil)
