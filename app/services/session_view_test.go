package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximeet/app/models"
)

func newSessionDeps(env *testEnv) SessionDeps {
	return SessionDeps{
		Presence:      env.presence,
		Discovery:     env.discovery,
		Relationships: env.relationships,
		Bridge:        env.bridge,
	}
}

func TestSessionViewFollowsChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		updates int
	)
	view, err := NewSessionView(ctx, newSessionDeps(env), "bob", func(SessionSnapshot) {
		mu.Lock()
		updates++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer view.Close()

	snap := view.Snapshot()
	assert.Nil(t, snap.Presence)
	assert.Empty(t, snap.Nearby)
	assert.Empty(t, view.Cell())

	_, err = env.presence.SetStatus(ctx, "bob", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return view.Cell() != "" }, time.Second, 5*time.Millisecond)

	_, err = env.presence.SetStatus(ctx, "alice", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(view.Snapshot().Nearby) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = env.relationships.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(view.Snapshot().Pending.Incoming) == 1
	}, time.Second, 5*time.Millisecond)

	env.clock.Advance(time.Second)
	_, err = env.presence.SetStatus(ctx, "bob", models.PresenceOff, 0, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return view.Cell() == "" }, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Greater(t, updates, 1)
	mu.Unlock()
}

func TestSessionViewCloseReleasesSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.presence.SetStatus(ctx, "bob", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)

	view, err := NewSessionView(ctx, newSessionDeps(env), "bob", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, view.Cell())
	assert.Equal(t, 6, env.bridge.Subscribers())

	view.Close()
	view.Close()
	assert.Equal(t, 0, env.bridge.Subscribers())

	_, err = NewSessionView(ctx, newSessionDeps(env), "", nil)
	assert.Error(t, err)
}
