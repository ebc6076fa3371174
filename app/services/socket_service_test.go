package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximeet/app/apperr"
	"proximeet/app/models"
	"proximeet/app/utils"
)

const socketSecret = "socket-secret"

type emitted struct {
	mu     sync.Mutex
	events map[string][]interface{}
}

func (e *emitted) emit(event string, payload interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.events == nil {
		e.events = make(map[string][]interface{})
	}
	e.events[event] = append(e.events[event], payload)
}

func (e *emitted) count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events[event])
}

func newSocketService(t *testing.T, env *testEnv) (*SocketService, *HeartbeatService) {
	t.Helper()
	heartbeats := NewHeartbeatService(env.presence, time.Hour)
	env.presence.SetHeartbeats(heartbeats)
	t.Cleanup(heartbeats.Shutdown)
	return NewSocketService(socketSecret, env.channel, heartbeats, newSessionDeps(env)), heartbeats
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := utils.GenerateToken(socketSecret, user, time.Minute)
	require.NoError(t, err)
	return tok
}

func TestSocketMatchSubscription(t *testing.T) {
	env := newTestEnv(t)
	svc, _ := newSocketService(t, env)
	m := matchUsers(t, env, "alice", "bob")

	out := &emitted{}
	svc.Connect("s1", out.emit)

	assert.ErrorIs(t, svc.SubscribeMatch("s1", "bad-token", m.ID), apperr.ErrUnauthenticated)
	assert.ErrorIs(t, svc.SubscribeMatch("s1", token(t, "carol"), m.ID), apperr.ErrNotAParticipant)

	// carol's token bound the socket; a different user is now rejected.
	assert.ErrorIs(t, svc.SubscribeMatch("s1", token(t, "bob"), m.ID), apperr.ErrUnauthenticated)

	svc.Connect("s2", out.emit)
	require.NoError(t, svc.SubscribeMatch("s2", token(t, "bob"), m.ID))
	require.NoError(t, svc.SubscribeMatch("s2", token(t, "bob"), m.ID))

	_, err := env.channel.PostMessage(context.Background(), m.ID, "alice", "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return out.count(models.EventMessageNew) == 1 }, time.Second, 5*time.Millisecond)

	svc.UnsubscribeMatch("s2", m.ID)
	_, err = env.channel.PostMessage(context.Background(), m.ID, "alice", "again")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, out.count(models.EventMessageNew))
}

func TestSocketPresenceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	svc, heartbeats := newSocketService(t, env)
	ctx := context.Background()

	out := &emitted{}
	svc.Connect("s1", out.emit)

	_, err := env.presence.SetStatus(ctx, "bob", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)

	snap, err := svc.WatchPresence("s1", token(t, "bob"))
	require.NoError(t, err)
	require.NotNil(t, snap.Presence)
	require.NoError(t, svc.StartPresence("s1", token(t, "bob")))
	assert.True(t, heartbeats.IsRunning("bob", "s1"))

	_, err = env.presence.SetStatus(ctx, "alice", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return out.count(models.EventNearbyChanged) >= 2 }, time.Second, 5*time.Millisecond)

	svc.StopPresence("s1")
	assert.False(t, heartbeats.IsRunning("bob", "s1"))

	require.NoError(t, svc.StartPresence("s1", token(t, "bob")))
	assert.Equal(t, 1, svc.Connected())
	svc.Disconnect("s1")
	svc.Disconnect("s1")
	assert.Equal(t, 0, svc.Connected())
	assert.False(t, heartbeats.IsRunning("bob", "s1"))
	assert.Equal(t, 0, env.bridge.Subscribers())
}
