// Package memory provides an in-process implementation of the store
// contracts. A single mutex gives every operation the same atomic
// check-and-insert semantics the database backends get from constraints.
package memory

import (
	"context"
	"sync"
	"time"

	"proximeet/app/models"
	"proximeet/app/store"
)

// Store keeps all state in maps guarded by one mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	presence map[string]models.PresenceRecord
	requests map[string]models.ConnectRequest
	// pending indexes pending request ids by ordered pair.
	pending        map[pairKey]string
	matches        map[string]models.Match
	matchByRequest map[string]string
	messages       map[string][]models.Message
	lastMessageID  int64
}

type pairKey struct{ from, to string }

// New returns an empty store stamping messages with time.Now.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty store stamping messages with now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:            now,
		presence:       make(map[string]models.PresenceRecord),
		requests:       make(map[string]models.ConnectRequest),
		pending:        make(map[pairKey]string),
		matches:        make(map[string]models.Match),
		matchByRequest: make(map[string]string),
		messages:       make(map[string][]models.Message),
	}
}

func (s *Store) UpsertPresence(ctx context.Context, rec models.PresenceRecord) (models.PresenceRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.PresenceRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.presence[rec.UserID]; ok && rec.UpdatedAt.Before(current.UpdatedAt) {
		return current, false, nil
	}
	s.presence[rec.UserID] = rec
	return rec, true, nil
}

func (s *Store) TouchPresence(ctx context.Context, userID string, seenAt, expiresAt time.Time) (models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.PresenceRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.presence[userID]
	if !ok || current.Status == models.PresenceOff || seenAt.Before(current.UpdatedAt) {
		return models.PresenceRecord{}, store.ErrNotFound
	}
	current.LastSeenAt = seenAt
	current.ExpiresAt = expiresAt
	s.presence[userID] = current
	return current, nil
}

func (s *Store) GetPresence(ctx context.Context, userID string) (models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.PresenceRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.presence[userID]
	if !ok {
		return models.PresenceRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListByCell(ctx context.Context, cell, excludeUser string, now time.Time, limit int) ([]models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.PresenceRecord
	for userID, rec := range s.presence {
		if userID == excludeUser || rec.Cell != cell || !rec.Discoverable(now) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateRequest(ctx context.Context, req models.ConnectRequest) (models.ConnectRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.ConnectRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{req.FromUser, req.ToUser}
	if id, ok := s.pending[key]; ok {
		return s.requests[id], store.ErrConflict
	}
	s.requests[req.ID] = req
	s.pending[key] = req.ID
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (models.ConnectRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.ConnectRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return models.ConnectRequest{}, store.ErrNotFound
	}
	return req, nil
}

func (s *Store) ResolveRequest(ctx context.Context, id string, status models.RequestStatus, at time.Time) (models.ConnectRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.ConnectRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(id, status, at)
}

func (s *Store) resolveLocked(id string, status models.RequestStatus, at time.Time) (models.ConnectRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return models.ConnectRequest{}, store.ErrNotFound
	}
	if req.Status != models.RequestPending {
		return req, store.ErrNotPending
	}
	respondedAt := at
	req.Status = status
	req.RespondedAt = &respondedAt
	s.requests[id] = req
	delete(s.pending, pairKey{req.FromUser, req.ToUser})
	return req, nil
}

func (s *Store) ListPending(ctx context.Context, userID string) (models.PendingRequests, error) {
	if err := ctx.Err(); err != nil {
		return models.PendingRequests{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := models.PendingRequests{
		Incoming: []models.ConnectRequest{},
		Outgoing: []models.ConnectRequest{},
	}
	for _, id := range s.pending {
		req := s.requests[id]
		switch userID {
		case req.ToUser:
			out.Incoming = append(out.Incoming, req)
		case req.FromUser:
			out.Outgoing = append(out.Outgoing, req)
		}
	}
	store.SortRequests(out.Incoming)
	store.SortRequests(out.Outgoing)
	return out, nil
}

func (s *Store) CreateMatch(ctx context.Context, m models.Match) (models.Match, error) {
	if err := ctx.Err(); err != nil {
		return models.Match{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createMatchLocked(m)
}

func (s *Store) createMatchLocked(m models.Match) (models.Match, error) {
	if id, ok := s.matchByRequest[m.RequestID]; ok {
		return s.matches[id], store.ErrConflict
	}
	s.matches[m.ID] = m
	s.matchByRequest[m.RequestID] = m.ID
	return m, nil
}

// AcceptRequest resolves the request and inserts its match under one lock.
func (s *Store) AcceptRequest(ctx context.Context, id string, at time.Time, m models.Match) (models.ConnectRequest, models.Match, error) {
	if err := ctx.Err(); err != nil {
		return models.ConnectRequest{}, models.Match{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.resolveLocked(id, models.RequestAccepted, at)
	if err != nil {
		return req, models.Match{}, err
	}
	created, err := s.createMatchLocked(m)
	return req, created, err
}

func (s *Store) GetMatch(ctx context.Context, id string) (models.Match, error) {
	if err := ctx.Err(); err != nil {
		return models.Match{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[id]
	if !ok {
		return models.Match{}, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) GetMatchByRequest(ctx context.Context, requestID string) (models.Match, error) {
	if err := ctx.Err(); err != nil {
		return models.Match{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.matchByRequest[requestID]
	if !ok {
		return models.Match{}, store.ErrNotFound
	}
	return s.matches[id], nil
}

func (s *Store) ListMatches(ctx context.Context, userID string) ([]models.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Match{}
	for _, m := range s.matches {
		if m.Has(userID) {
			out = append(out, m)
		}
	}
	store.SortMatches(out)
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastMessageID++
	msg.ID = s.lastMessageID
	msg.CreatedAt = s.now().UTC()
	s.messages[msg.MatchID] = append(s.messages[msg.MatchID], msg)
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, matchID string, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append([]models.Message(nil), s.messages[matchID]...)
	store.SortMessages(all)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

var (
	_ store.PresenceStore     = (*Store)(nil)
	_ store.RelationshipStore = (*Store)(nil)
	_ store.Acceptor          = (*Store)(nil)
	_ store.MessageStore      = (*Store)(nil)
)
