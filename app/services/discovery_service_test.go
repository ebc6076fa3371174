package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximeet/app/apperr"
	"proximeet/app/models"
)

func nearbyIDs(users []models.NearbyUser) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	return ids
}

func TestFindNearbyRequiresCell(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.discovery.FindNearby(ctx, "alice")
	assert.ErrorIs(t, err, apperr.ErrNoCellSet)

	_, err = env.presence.SetStatus(ctx, "alice", models.PresenceOff, 0, nil)
	require.NoError(t, err)
	_, err = env.discovery.FindNearby(ctx, "alice")
	assert.ErrorIs(t, err, apperr.ErrNoCellSet)

	_, err = env.discovery.FindNearby(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestFindNearbyFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.identity.SetLabel("bob", "Bob")

	for _, user := range []string{"alice", "bob", "carol", "dave"} {
		_, err := env.presence.SetStatus(ctx, user, models.PresenceFull, 100, sanFrancisco)
		require.NoError(t, err)
	}
	_, err := env.presence.SetStatus(ctx, "erin", models.PresenceLimited, 100, &models.Position{Lat: 40.7128, Lng: -74.0060})
	require.NoError(t, err)

	env.clock.Advance(time.Second)
	_, err = env.presence.SetStatus(ctx, "carol", models.PresenceOff, 0, nil)
	require.NoError(t, err)

	nearby, err := env.discovery.FindNearby(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "dave"}, nearbyIDs(nearby))
	for _, u := range nearby {
		if u.UserID == "bob" {
			assert.Equal(t, "Bob", u.Label)
		}
		assert.Equal(t, models.PresenceFull, u.Status)
	}

	// dave keeps heartbeating, bob does not.
	env.clock.Advance(DefaultActiveTTL - 2*time.Second)
	_, err = env.presence.Heartbeat(ctx, "alice")
	require.NoError(t, err)
	_, err = env.presence.Heartbeat(ctx, "dave")
	require.NoError(t, err)
	env.clock.Advance(2 * time.Second)

	nearby, err = env.discovery.FindNearby(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, nearbyIDs(nearby))
}

func TestFindNearbyLimit(t *testing.T) {
	env := newTestEnv(t)
	env.discovery.limit = 2
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "carol", "dave"} {
		_, err := env.presence.SetStatus(ctx, user, models.PresenceLimited, 50, sanFrancisco)
		require.NoError(t, err)
	}
	nearby, err := env.discovery.FindNearby(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, nearby, 2)
	assert.NotContains(t, nearbyIDs(nearby), "alice")
}
