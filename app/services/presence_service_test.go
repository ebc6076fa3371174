package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximeet/app/apperr"
	"proximeet/app/geocell"
	"proximeet/app/models"
	"proximeet/app/notify"
)

var sanFrancisco = &models.Position{Lat: 37.7749, Lng: -122.4194}

func TestSetStatusValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		user     string
		status   models.PresenceStatus
		band     int
		position *models.Position
		want     apperr.Code
	}{
		{"no user", "", models.PresenceFull, 100, sanFrancisco, apperr.CodeUnauthenticated},
		{"unknown status", "alice", "busy", 100, sanFrancisco, apperr.CodeInvalidArgument},
		{"unsupported band", "alice", models.PresenceFull, 75, sanFrancisco, apperr.CodeInvalidArgument},
		{"no location permission", "alice", models.PresenceLimited, 100, nil, apperr.CodePermissionDenied},
		{"latitude out of range", "alice", models.PresenceFull, 100, &models.Position{Lat: 91, Lng: 0}, apperr.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.presence.SetStatus(ctx, tt.user, tt.status, tt.band, tt.position)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.CodeOf(err))
		})
	}

	_, err := env.presence.Get(ctx, "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "rejected writes must not create a record")
}

func TestSetStatusEncodesCell(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.presence.SetStatus(ctx, "alice", models.PresenceFull, 500, sanFrancisco)
	require.NoError(t, err)
	assert.Equal(t, geocell.Encode(sanFrancisco.Lat, sanFrancisco.Lng, 500), rec.Cell)
	assert.Equal(t, 500, rec.BandMeters)
	assert.Equal(t, env.clock.Now().Add(DefaultActiveTTL), rec.ExpiresAt)

	events := env.bridge.Events(notify.TablePresence)
	require.Len(t, events, 1)
	assert.Equal(t, notify.OpInsert, events[0].Op)
	assert.Equal(t, "alice", events[0].Columns["user_id"])
	assert.Equal(t, rec.Cell, events[0].Columns["cell"])
}

func TestSetStatusZeroBandKeepsPrevious(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.presence.SetStatus(ctx, "alice", models.PresenceFull, 200, sanFrancisco)
	require.NoError(t, err)
	env.clock.Advance(time.Second)

	rec, err := env.presence.SetStatus(ctx, "alice", models.PresenceLimited, 0, sanFrancisco)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.BandMeters)

	rec, err = env.presence.SetStatus(ctx, "bob", models.PresenceLimited, 0, sanFrancisco)
	require.NoError(t, err)
	assert.Equal(t, geocell.DefaultBand, rec.BandMeters)
}

func TestSetStatusOffClearsCell(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	visible, err := env.presence.SetStatus(ctx, "alice", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)
	env.clock.Advance(time.Second)

	off, err := env.presence.SetStatus(ctx, "alice", models.PresenceOff, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, off.Cell)
	assert.Equal(t, env.clock.Now().Add(DefaultOffTTL), off.ExpiresAt)
	assert.True(t, off.ExpiresAt.Before(visible.ExpiresAt))

	// Peers in the old cell hear about the move.
	events := env.bridge.Events(notify.TablePresence)
	require.Len(t, events, 2)
	assert.Equal(t, visible.Cell, events[1].Columns["cell"])
	assert.True(t, notify.Filter{Table: notify.TablePresence, Column: "cell", Value: visible.Cell}.Matches(events[1]))
}

func TestSetStatusMoveAnnouncesBothCells(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.presence.SetStatus(ctx, "alice", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	second, err := env.presence.SetStatus(ctx, "alice", models.PresenceFull, 100, &models.Position{Lat: 40.7128, Lng: -74.0060})
	require.NoError(t, err)
	require.NotEqual(t, first.Cell, second.Cell)

	events := env.bridge.Events(notify.TablePresence)
	require.Len(t, events, 2)
	for _, cell := range []string{first.Cell, second.Cell} {
		f := notify.Filter{Table: notify.TablePresence, Column: "cell", Value: cell}
		assert.True(t, f.Matches(events[1]), cell)
	}
}

func TestSetStatusLastWriteWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	later, err := env.presence.SetStatus(ctx, "alice", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)

	// A write stamped earlier than the stored one loses.
	env.clock.Advance(-time.Minute)
	got, err := env.presence.SetStatus(ctx, "alice", models.PresenceOff, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, later, got)

	stored, err := env.presence.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceFull, stored.Status)
	assert.Len(t, env.bridge.Events(notify.TablePresence), 1)
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.presence.Heartbeat(ctx, "alice")
	assert.ErrorIs(t, err, apperr.ErrNoCellSet)

	set, err := env.presence.SetStatus(ctx, "alice", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	rec, err := env.presence.Heartbeat(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, set.Cell, rec.Cell)
	assert.Equal(t, set.Status, rec.Status)
	assert.Equal(t, env.clock.Now(), rec.LastSeenAt)
	assert.Equal(t, env.clock.Now().Add(DefaultActiveTTL), rec.ExpiresAt)

	assert.Len(t, env.bridge.Events(notify.TablePresence), 1, "heartbeats publish nothing")
}

func TestHeartbeatCannotResurrectOff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.presence.SetStatus(ctx, "alice", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = env.presence.SetStatus(ctx, "alice", models.PresenceOff, 0, nil)
	require.NoError(t, err)

	env.clock.Advance(time.Second)
	_, err = env.presence.Heartbeat(ctx, "alice")
	assert.ErrorIs(t, err, apperr.ErrNoCellSet)

	rec, err := env.presence.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOff, rec.Status)
	assert.Empty(t, rec.Cell)
}

type stopRecorder struct{ users []string }

func (r *stopRecorder) StopAll(userID string) { r.users = append(r.users, userID) }

func TestSetStatusOffStopsHeartbeats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := &stopRecorder{}
	env.presence.SetHeartbeats(rec)

	_, err := env.presence.SetStatus(ctx, "alice", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)
	assert.Empty(t, rec.users)

	_, err = env.presence.SetStatus(ctx, "alice", models.PresenceOff, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, rec.users)
}

// tickingStopper finishes one heartbeat tick inside StopAll, like a loop
// that was mid-tick when the OFF request arrived.
type tickingStopper struct {
	env *testEnv
	t   *testing.T
}

func (s *tickingStopper) StopAll(userID string) {
	s.env.clock.Advance(time.Millisecond)
	_, err := s.env.presence.Heartbeat(context.Background(), userID)
	require.NoError(s.t, err)
}

func TestSetStatusOffWinsOverInFlightHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.presence.SetHeartbeats(&tickingStopper{env: env, t: t})

	_, err := env.presence.SetStatus(ctx, "alice", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)
	env.clock.Advance(time.Second)

	rec, err := env.presence.SetStatus(ctx, "alice", models.PresenceOff, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOff, rec.Status)
	assert.Empty(t, rec.Cell)

	stored, err := env.presence.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOff, stored.Status)
	assert.Equal(t, env.clock.Now().Add(DefaultOffTTL), stored.ExpiresAt)
}

func TestHeartbeatDoesNotAdvanceWriteStamp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	set, err := env.presence.SetStatus(ctx, "alice", models.PresenceFull, 100, sanFrancisco)
	require.NoError(t, err)

	// A heartbeat stamped after an OFF write that is still in flight.
	env.clock.Advance(2 * time.Second)
	touched, err := env.presence.Heartbeat(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, set.UpdatedAt, touched.UpdatedAt)

	env.clock.Advance(-time.Second)
	rec, err := env.presence.SetStatus(ctx, "alice", models.PresenceOff, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOff, rec.Status)

	_, err = env.discovery.FindNearby(ctx, "alice")
	assert.ErrorIs(t, err, apperr.ErrNoCellSet)
}
