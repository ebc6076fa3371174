package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	ev := Event{Table: TablePresence, Columns: map[string]string{"cell": "100:1:1,100:2:2", "user_id": "alice"}}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"whole table", Filter{Table: TablePresence}, true},
		{"other table", Filter{Table: TableMessages}, false},
		{"first listed value", Filter{Table: TablePresence, Column: "cell", Value: "100:1:1"}, true},
		{"second listed value", Filter{Table: TablePresence, Column: "cell", Value: "100:2:2"}, true},
		{"value prefix", Filter{Table: TablePresence, Column: "cell", Value: "100:1"}, false},
		{"missing column", Filter{Table: TablePresence, Column: "match_id", Value: "m1"}, false},
		{"single value", Filter{Table: TablePresence, Column: "user_id", Value: "alice"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(ev))
		})
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMemoryBridgeDeliversFilteredEvents(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBridge()

	var rec recorder
	sub, err := b.Subscribe(ctx, Filter{Table: TableMessages, Column: "match_id", Value: "m1"}, rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for _, match := range []string{"m1", "m2", "m1"} {
		ev, err := NewEvent(TableMessages, OpInsert, map[string]string{"match_id": match}, map[string]string{"body": "hi"})
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, ev))
	}

	assert.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
}

func TestMemoryBridgeUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBridge()

	var rec recorder
	sub, err := b.Subscribe(ctx, Filter{Table: TableMatches}, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, b.Subscribers())

	require.NoError(t, b.Publish(ctx, Event{Table: TableMatches}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestMemoryBridgeContextCancelUnsubscribes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemoryBridge()

	_, err := b.Subscribe(ctx, Filter{Table: TableMatches}, func(context.Context, Event) {})
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}
