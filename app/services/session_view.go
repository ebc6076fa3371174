package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"proximeet/app/apperr"
	"proximeet/app/models"
	"proximeet/app/notify"
)

// SessionSnapshot is everything one signed-in client shows. It is derived
// state; nothing in it is authoritative.
type SessionSnapshot struct {
	Presence    *models.PresenceRecord `json:"presence,omitempty"`
	Nearby      []models.NearbyUser    `json:"nearby"`
	Pending     models.PendingRequests `json:"pending"`
	Matches     []models.Match         `json:"matches"`
	RefreshedAt time.Time              `json:"refreshed_at"`
}

// SessionDeps are the services a SessionView reads from.
type SessionDeps struct {
	Presence      *PresenceService
	Discovery     *DiscoveryService
	Relationships *RelationshipService
	Bridge        notify.Bridge
}

// SessionView keeps a SessionSnapshot current for one user by re-deriving
// it on every change hint that concerns them.
type SessionView struct {
	deps     SessionDeps
	userID   string
	onChange func(SessionSnapshot)
	ctx      context.Context

	refreshMu sync.Mutex

	mu       sync.Mutex
	snapshot SessionSnapshot
	subs     []notify.Subscription
	cell     string
	cellSub  notify.Subscription
	closed   bool
}

// NewSessionView subscribes to the user's presence, request, match and
// cell hints and takes a first snapshot. The subscriptions live until Close
// or until ctx ends. onChange may be nil.
func NewSessionView(ctx context.Context, deps SessionDeps, userID string, onChange func(SessionSnapshot)) (*SessionView, error) {
	if userID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	v := &SessionView{deps: deps, userID: userID, onChange: onChange, ctx: ctx}

	if deps.Bridge != nil {
		filters := []notify.Filter{
			{Table: notify.TablePresence, Column: "user_id", Value: userID},
			{Table: notify.TableRequests, Column: "from_user", Value: userID},
			{Table: notify.TableRequests, Column: "to_user", Value: userID},
			{Table: notify.TableMatches, Column: "user_low", Value: userID},
			{Table: notify.TableMatches, Column: "user_high", Value: userID},
		}
		for _, f := range filters {
			sub, err := deps.Bridge.Subscribe(ctx, f, v.hint)
			if err != nil {
				v.Close()
				return nil, apperr.StoreUnavailable("subscribe session", err)
			}
			v.subs = append(v.subs, sub)
		}
	}

	if _, err := v.Refresh(ctx); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

func (v *SessionView) hint(ctx context.Context, _ notify.Event) {
	if _, err := v.Refresh(ctx); err != nil {
		log.Printf("session %s: refresh after hint: %v", v.userID, err)
	}
}

// Refresh re-derives the snapshot from the services.
func (v *SessionView) Refresh(ctx context.Context) (SessionSnapshot, error) {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	var snap SessionSnapshot

	rec, err := v.deps.Presence.Get(ctx, v.userID)
	switch {
	case err == nil:
		snap.Presence = &rec
	case errors.Is(err, apperr.ErrNotFound):
	default:
		return SessionSnapshot{}, err
	}

	if v.deps.Discovery != nil {
		nearby, err := v.deps.Discovery.FindNearby(ctx, v.userID)
		if err != nil && !errors.Is(err, apperr.ErrNoCellSet) {
			return SessionSnapshot{}, err
		}
		snap.Nearby = nearby
	}

	if snap.Pending, err = v.deps.Relationships.ListPending(ctx, v.userID); err != nil {
		return SessionSnapshot{}, err
	}
	if snap.Matches, err = v.deps.Relationships.ListMatches(ctx, v.userID); err != nil {
		return SessionSnapshot{}, err
	}
	snap.RefreshedAt = time.Now().UTC()

	cell := ""
	if snap.Presence != nil && snap.Presence.Status != models.PresenceOff {
		cell = snap.Presence.Cell
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return snap, nil
	}
	v.snapshot = snap
	v.mu.Unlock()

	v.watchCell(cell)

	if v.onChange != nil {
		v.onChange(snap)
	}
	return snap, nil
}

// watchCell moves the presence subscription to cell. The old subscription
// is released before the new one is taken.
func (v *SessionView) watchCell(cell string) {
	if v.deps.Bridge == nil {
		return
	}
	v.mu.Lock()
	if v.closed || cell == v.cell {
		v.mu.Unlock()
		return
	}
	old := v.cellSub
	v.cellSub = nil
	v.cell = cell
	v.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	if cell == "" {
		return
	}

	sub, err := v.deps.Bridge.Subscribe(v.ctx, notify.Filter{
		Table:  notify.TablePresence,
		Column: "cell",
		Value:  cell,
	}, v.hint)
	if err != nil {
		log.Printf("session %s: watch cell %s: %v", v.userID, cell, err)
		v.mu.Lock()
		v.cell = ""
		v.mu.Unlock()
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.cell != cell {
		sub.Unsubscribe()
		return
	}
	v.cellSub = sub
}

// Cell returns the cell currently watched, or "".
func (v *SessionView) Cell() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cell
}

func (v *SessionView) Snapshot() SessionSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot
}

// Close releases every subscription. It is safe to call more than once.
func (v *SessionView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	subs := v.subs
	cellSub := v.cellSub
	v.subs = nil
	v.cellSub = nil
	v.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if cellSub != nil {
		cellSub.Unsubscribe()
	}
}
