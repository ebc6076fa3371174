package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"proximeet/app/notify"
	"proximeet/app/store/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.UnixMilli(1_700_000_000_000).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingBridge wraps a MemoryBridge and keeps every published event.
type recordingBridge struct {
	*notify.MemoryBridge
	mu     sync.Mutex
	events []notify.Event
}

func newRecordingBridge() *recordingBridge {
	return &recordingBridge{MemoryBridge: notify.NewMemoryBridge()}
}

func (b *recordingBridge) Publish(ctx context.Context, ev notify.Event) error {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return b.MemoryBridge.Publish(ctx, ev)
}

func (b *recordingBridge) Events(table string) []notify.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []notify.Event
	for _, ev := range b.events {
		if ev.Table == table {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	clock         *testClock
	store         *memory.Store
	bridge        *recordingBridge
	identity      *MemoryDirectory
	presence      *PresenceService
	discovery     *DiscoveryService
	relationships *RelationshipService
	channel       *ChannelService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newTestClock()
	st := memory.NewWithClock(clock.Now)
	bridge := newRecordingBridge()
	identity := NewMemoryDirectory(nil)

	presence := NewPresenceService(st, bridge, 0, 0)
	presence.now = clock.Now
	discovery := NewDiscoveryService(st, identity, 0)
	discovery.now = clock.Now
	relationships := NewRelationshipService(st, bridge)
	relationships.now = clock.Now

	return &testEnv{
		clock:         clock,
		store:         st,
		bridge:        bridge,
		identity:      identity,
		presence:      presence,
		discovery:     discovery,
		relationships: relationships,
		channel:       NewChannelService(relationships, st, bridge, 0),
	}
}
