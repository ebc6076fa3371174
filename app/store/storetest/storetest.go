// Package storetest runs the behavior every store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximeet/app/models"
	"proximeet/app/store"
)

// Backend bundles the contracts a backend implements. Any field may be nil
// for backends that persist only part of the data; its tests are skipped.
type Backend struct {
	Presence      store.PresenceStore
	Relationships store.RelationshipStore
	Messages      store.MessageStore
}

// base is millisecond aligned so backends storing millis round-trip exactly.
var base = time.UnixMilli(1_700_000_000_000).UTC()

// Run executes the contract suite against backends built by open.
func Run(t *testing.T, open func(t *testing.T) Backend) {
	t.Run("presence last write wins", func(t *testing.T) {
		b := open(t)
		if b.Presence == nil {
			t.Skip("backend has no presence store")
		}
		testPresenceLastWriteWins(t, b.Presence)
	})
	t.Run("presence touch", func(t *testing.T) {
		b := open(t)
		if b.Presence == nil {
			t.Skip("backend has no presence store")
		}
		testPresenceTouch(t, b.Presence)
	})
	t.Run("presence list by cell", func(t *testing.T) {
		b := open(t)
		if b.Presence == nil {
			t.Skip("backend has no presence store")
		}
		testListByCell(t, b.Presence)
	})
	t.Run("pending request conflict", func(t *testing.T) {
		b := open(t)
		if b.Relationships == nil {
			t.Skip("backend has no relationship store")
		}
		testPendingConflict(t, b.Relationships)
	})
	t.Run("resolve is conditional", func(t *testing.T) {
		b := open(t)
		if b.Relationships == nil {
			t.Skip("backend has no relationship store")
		}
		testResolveConditional(t, b.Relationships)
	})
	t.Run("list pending partitions", func(t *testing.T) {
		b := open(t)
		if b.Relationships == nil {
			t.Skip("backend has no relationship store")
		}
		testListPending(t, b.Relationships)
	})
	t.Run("one match per request", func(t *testing.T) {
		b := open(t)
		if b.Relationships == nil {
			t.Skip("backend has no relationship store")
		}
		testOneMatchPerRequest(t, b.Relationships)
	})
	t.Run("concurrent match creation", func(t *testing.T) {
		b := open(t)
		if b.Relationships == nil {
			t.Skip("backend has no relationship store")
		}
		testConcurrentMatchCreation(t, b.Relationships)
	})
	t.Run("message order and limit", func(t *testing.T) {
		b := open(t)
		if b.Messages == nil {
			t.Skip("backend has no message store")
		}
		testMessages(t, b.Messages)
	})
}

func presence(user string, status models.PresenceStatus, cell string, updated time.Time) models.PresenceRecord {
	return models.PresenceRecord{
		UserID:     user,
		Status:     status,
		BandMeters: 100,
		Cell:       cell,
		LastSeenAt: updated,
		ExpiresAt:  updated.Add(5 * time.Minute),
		UpdatedAt:  updated,
	}
}

func testPresenceLastWriteWins(t *testing.T, ps store.PresenceStore) {
	ctx := context.Background()

	newer := presence("alice", models.PresenceFull, "100:1:1", base.Add(2*time.Second))
	got, applied, err := ps.UpsertPresence(ctx, newer)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "100:1:1", got.Cell)

	older := presence("alice", models.PresenceOff, "", base.Add(time.Second))
	got, applied, err = ps.UpsertPresence(ctx, older)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, models.PresenceFull, got.Status)
	assert.True(t, got.UpdatedAt.Equal(newer.UpdatedAt))

	stored, err := ps.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceFull, stored.Status)
	assert.Equal(t, "100:1:1", stored.Cell)

	_, err = ps.GetPresence(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testPresenceTouch(t *testing.T, ps store.PresenceStore) {
	ctx := context.Background()

	_, err := ps.TouchPresence(ctx, "alice", base, base.Add(time.Minute))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = ps.UpsertPresence(ctx, presence("alice", models.PresenceLimited, "100:1:1", base))
	require.NoError(t, err)

	later := base.Add(time.Minute)
	touched, err := ps.TouchPresence(ctx, "alice", later, later.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.PresenceLimited, touched.Status)
	assert.Equal(t, "100:1:1", touched.Cell)
	assert.True(t, touched.ExpiresAt.Equal(later.Add(5*time.Minute)))
	assert.True(t, touched.LastSeenAt.Equal(later))
	assert.True(t, touched.UpdatedAt.Equal(base), "touch must not advance the write stamp")

	// A status write stamped between the original write and the touch still applies.
	_, applied, err := ps.UpsertPresence(ctx, presence("alice", models.PresenceFull, "100:2:2", base.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, applied)

	_, _, err = ps.UpsertPresence(ctx, presence("alice", models.PresenceOff, "", later.Add(time.Second)))
	require.NoError(t, err)
	_, err = ps.TouchPresence(ctx, "alice", later.Add(2*time.Second), later.Add(10*time.Minute))
	assert.ErrorIs(t, err, store.ErrNotFound, "touch must not resurrect an off record")

	stored, err := ps.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOff, stored.Status)
	assert.Empty(t, stored.Cell)
}

func testListByCell(t *testing.T, ps store.PresenceStore) {
	ctx := context.Background()
	cell := "100:5:5"
	now := base.Add(time.Minute)

	records := []models.PresenceRecord{
		presence("alice", models.PresenceFull, cell, base),
		presence("bob", models.PresenceLimited, cell, base),
		presence("carol", models.PresenceFull, "100:9:9", base),
		presence("dave", models.PresenceOff, "", base),
	}
	expired := presence("erin", models.PresenceFull, cell, base)
	expired.ExpiresAt = base.Add(30 * time.Second)
	records = append(records, expired)

	for _, rec := range records {
		_, _, err := ps.UpsertPresence(ctx, rec)
		require.NoError(t, err)
	}

	got, err := ps.ListByCell(ctx, cell, "alice", now, 20)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].UserID)
	assert.Equal(t, models.PresenceLimited, got[0].Status)

	// Moving alice out of the cell removes her from it.
	moved := presence("alice", models.PresenceFull, "100:6:6", base.Add(time.Second))
	_, _, err = ps.UpsertPresence(ctx, moved)
	require.NoError(t, err)
	got, err = ps.ListByCell(ctx, cell, "bob", now, 20)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func request(id, from, to string, at time.Time) models.ConnectRequest {
	return models.ConnectRequest{
		ID:        id,
		FromUser:  from,
		ToUser:    to,
		Status:    models.RequestPending,
		CreatedAt: at,
	}
}

func testPendingConflict(t *testing.T, rs store.RelationshipStore) {
	ctx := context.Background()

	first, err := rs.CreateRequest(ctx, request("r1", "alice", "bob", base))
	require.NoError(t, err)
	assert.Equal(t, "r1", first.ID)

	existing, err := rs.CreateRequest(ctx, request("r2", "alice", "bob", base.Add(time.Second)))
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, "r1", existing.ID)

	// The reverse direction is a different ordered pair.
	_, err = rs.CreateRequest(ctx, request("r3", "bob", "alice", base.Add(time.Second)))
	require.NoError(t, err)

	_, err = rs.ResolveRequest(ctx, "r1", models.RequestDeclined, base.Add(2*time.Second))
	require.NoError(t, err)

	again, err := rs.CreateRequest(ctx, request("r4", "alice", "bob", base.Add(3*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, "r4", again.ID)
}

func testResolveConditional(t *testing.T, rs store.RelationshipStore) {
	ctx := context.Background()

	_, err := rs.ResolveRequest(ctx, "missing", models.RequestAccepted, base)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = rs.CreateRequest(ctx, request("r1", "alice", "bob", base))
	require.NoError(t, err)

	at := base.Add(time.Second)
	resolved, err := rs.ResolveRequest(ctx, "r1", models.RequestAccepted, at)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, resolved.Status)
	require.NotNil(t, resolved.RespondedAt)
	assert.True(t, resolved.RespondedAt.Equal(at))

	current, err := rs.ResolveRequest(ctx, "r1", models.RequestDeclined, base.Add(2*time.Second))
	assert.ErrorIs(t, err, store.ErrNotPending)
	assert.Equal(t, models.RequestAccepted, current.Status)

	stored, err := rs.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, stored.Status)
}

func testListPending(t *testing.T, rs store.RelationshipStore) {
	ctx := context.Background()

	for i, pair := range [][2]string{{"alice", "bob"}, {"carol", "alice"}, {"dave", "alice"}, {"bob", "carol"}} {
		_, err := rs.CreateRequest(ctx, request(fmt.Sprintf("r%d", i), pair[0], pair[1], base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	_, err := rs.ResolveRequest(ctx, "r2", models.RequestDeclined, base.Add(time.Minute))
	require.NoError(t, err)

	pending, err := rs.ListPending(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending.Outgoing, 1)
	assert.Equal(t, "bob", pending.Outgoing[0].ToUser)
	require.Len(t, pending.Incoming, 1)
	assert.Equal(t, "carol", pending.Incoming[0].FromUser)
}

func testOneMatchPerRequest(t *testing.T, rs store.RelationshipStore) {
	ctx := context.Background()

	m := models.Match{ID: "m1", UserLow: "alice", UserHigh: "bob", RequestID: "r1", CreatedAt: base}
	created, err := rs.CreateMatch(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "m1", created.ID)

	dup := m
	dup.ID = "m2"
	existing, err := rs.CreateMatch(ctx, dup)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, "m1", existing.ID)

	byReq, err := rs.GetMatchByRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "m1", byReq.ID)

	for _, user := range []string{"alice", "bob"} {
		list, err := rs.ListMatches(ctx, user)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "alice", list[0].UserLow)
		assert.Equal(t, "bob", list[0].UserHigh)
	}
	list, err := rs.ListMatches(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = rs.GetMatch(ctx, "m2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentMatchCreation(t *testing.T, rs store.RelationshipStore) {
	ctx := context.Background()
	const workers = 8

	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := rs.CreateMatch(ctx, models.Match{
				ID:        fmt.Sprintf("m%d", i),
				UserLow:   "alice",
				UserHigh:  "bob",
				RequestID: "r-shared",
				CreatedAt: base,
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	created := 0
	for err := range results {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, store.ErrConflict)
	}
	assert.Equal(t, 1, created)

	list, err := rs.ListMatches(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testMessages(t *testing.T, ms store.MessageStore) {
	ctx := context.Background()

	var ids []int64
	for _, body := range []string{"one", "two", "three"} {
		msg, err := ms.AppendMessage(ctx, models.Message{MatchID: "m1", SenderUser: "alice", Body: body})
		require.NoError(t, err)
		assert.NotZero(t, msg.ID)
		assert.False(t, msg.CreatedAt.IsZero())
		ids = append(ids, msg.ID)
	}
	_, err := ms.AppendMessage(ctx, models.Message{MatchID: "m2", SenderUser: "carol", Body: "elsewhere"})
	require.NoError(t, err)

	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	all, err := ms.ListMessages(ctx, "m1", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{all[0].Body, all[1].Body, all[2].Body})

	latest, err := ms.ListMessages(ctx, "m1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "two", latest[0].Body)
	assert.Equal(t, "three", latest[1].Body)
}
