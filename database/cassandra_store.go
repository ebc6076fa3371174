package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gocql/gocql"

	"proximeet/app/models"
	"proximeet/app/store"
)

// MessageSequenceKey names the counter message ids are drawn from.
const MessageSequenceKey = "seq:messages"

// Sequencer hands out strictly increasing ids. Cassandra has no cheap
// equivalent, so message ids come from an external counter.
type Sequencer interface {
	NextID(ctx context.Context, key string) (int64, error)
}

// CassandraStore persists requests, matches and messages. Uniqueness is
// enforced with lightweight transactions.
type CassandraStore struct {
	session *gocql.Session
	seq     Sequencer
	now     func() time.Time
}

func NewCassandraStore(session *gocql.Session, seq Sequencer) *CassandraStore {
	return &CassandraStore{session: session, seq: seq, now: time.Now}
}

func (s *CassandraStore) query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.session.Query(stmt, values...).WithContext(ctx)
}

// CreateRequest writes the request row, then claims the pair in
// pending_requests. Losing the claim removes the row again. A claim left
// behind by a request that is no longer pending is released and the claim
// retried once.
func (s *CassandraStore) CreateRequest(ctx context.Context, req models.ConnectRequest) (models.ConnectRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.ConnectRequest{}, err
	}
	req.CreatedAt = req.CreatedAt.UTC().Truncate(time.Millisecond)

	err := s.query(ctx, `
		INSERT INTO connect_requests (id, from_user, to_user, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, req.ID, req.FromUser, req.ToUser, string(req.Status), req.CreatedAt).Exec()
	if err != nil {
		return models.ConnectRequest{}, fmt.Errorf("insert request: %w", err)
	}

	var holder models.ConnectRequest
	for attempt := 0; attempt < 2; attempt++ {
		applied, claimedID, err := s.claimPair(ctx, req)
		if err != nil {
			return models.ConnectRequest{}, err
		}
		if applied {
			if err := s.indexPending(ctx, req); err != nil {
				return models.ConnectRequest{}, err
			}
			return req, nil
		}

		holder, err = s.GetRequest(ctx, claimedID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return models.ConnectRequest{}, fmt.Errorf("load pending request: %w", err)
		}
		if !staleClaim(holder, err) {
			break
		}
		log.Printf("⚠️ Releasing stale pending claim %s for %s -> %s", claimedID, req.FromUser, req.ToUser)
		if err := s.releaseClaim(ctx, req.FromUser, req.ToUser, claimedID); err != nil {
			return models.ConnectRequest{}, err
		}
	}

	if err := s.query(ctx, `DELETE FROM connect_requests WHERE id = ?`, req.ID).Exec(); err != nil {
		return models.ConnectRequest{}, fmt.Errorf("drop losing request: %w", err)
	}
	return holder, store.ErrConflict
}

// claimPair inserts the pair claim. When another request holds it, the
// holder's id is returned.
func (s *CassandraStore) claimPair(ctx context.Context, req models.ConnectRequest) (bool, string, error) {
	existing := map[string]interface{}{}
	applied, err := s.query(ctx, `
		INSERT INTO pending_requests (from_user, to_user, request_id)
		VALUES (?, ?, ?) IF NOT EXISTS
	`, req.FromUser, req.ToUser, req.ID).MapScanCAS(existing)
	if err != nil {
		return false, "", fmt.Errorf("claim pending pair: %w", err)
	}
	return applied, stringValue(existing["request_id"]), nil
}

// staleClaim reports whether a pair claim points at a request that is
// missing or already resolved.
func staleClaim(holder models.ConnectRequest, loadErr error) bool {
	if errors.Is(loadErr, store.ErrNotFound) {
		return true
	}
	return loadErr == nil && holder.Status != models.RequestPending
}

// releaseClaim drops the pair claim only while requestID still holds it.
func (s *CassandraStore) releaseClaim(ctx context.Context, fromUser, toUser, requestID string) error {
	current := map[string]interface{}{}
	if _, err := s.query(ctx, `
		DELETE FROM pending_requests WHERE from_user = ? AND to_user = ? IF request_id = ?
	`, fromUser, toUser, requestID).MapScanCAS(current); err != nil {
		return fmt.Errorf("release stale claim: %w", err)
	}
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, user := range []string{fromUser, toUser} {
		batch.Query(`DELETE FROM pending_by_user WHERE user_id = ? AND request_id = ?`, user, requestID)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("release stale index: %w", err)
	}
	return nil
}

func (s *CassandraStore) indexPending(ctx context.Context, req models.ConnectRequest) error {
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, user := range []string{req.FromUser, req.ToUser} {
		batch.Query(`INSERT INTO pending_by_user (user_id, request_id) VALUES (?, ?)`, user, req.ID)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("index pending request: %w", err)
	}
	return nil
}

func (s *CassandraStore) GetRequest(ctx context.Context, id string) (models.ConnectRequest, error) {
	var (
		req         models.ConnectRequest
		status      string
		respondedAt time.Time
	)
	err := s.query(ctx, `
		SELECT id, from_user, to_user, status, created_at, responded_at
		FROM connect_requests WHERE id = ?
	`, id).Scan(&req.ID, &req.FromUser, &req.ToUser, &status, &req.CreatedAt, &respondedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return models.ConnectRequest{}, store.ErrNotFound
		}
		return models.ConnectRequest{}, fmt.Errorf("select request: %w", err)
	}
	req.Status = models.RequestStatus(status)
	req.CreatedAt = req.CreatedAt.UTC()
	if !respondedAt.IsZero() {
		at := respondedAt.UTC()
		req.RespondedAt = &at
	}
	return req, nil
}

// ResolveRequest is a conditional update on status = 'pending'.
func (s *CassandraStore) ResolveRequest(ctx context.Context, id string, status models.RequestStatus, at time.Time) (models.ConnectRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.ConnectRequest{}, err
	}
	at = at.UTC().Truncate(time.Millisecond)

	previous := map[string]interface{}{}
	applied, err := s.query(ctx, `
		UPDATE connect_requests SET status = ?, responded_at = ?
		WHERE id = ? IF status = ?
	`, string(status), at, id, string(models.RequestPending)).MapScanCAS(previous)
	if err != nil {
		return models.ConnectRequest{}, fmt.Errorf("resolve request: %w", err)
	}

	current, err := s.GetRequest(ctx, id)
	if err != nil {
		return models.ConnectRequest{}, err
	}
	if !applied {
		return current, store.ErrNotPending
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM pending_requests WHERE from_user = ? AND to_user = ?`, current.FromUser, current.ToUser)
	for _, user := range []string{current.FromUser, current.ToUser} {
		batch.Query(`DELETE FROM pending_by_user WHERE user_id = ? AND request_id = ?`, user, id)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return models.ConnectRequest{}, fmt.Errorf("release pending pair: %w", err)
	}
	return current, nil
}

func (s *CassandraStore) ListPending(ctx context.Context, userID string) (models.PendingRequests, error) {
	out := models.PendingRequests{
		Incoming: []models.ConnectRequest{},
		Outgoing: []models.ConnectRequest{},
	}

	ids, err := s.column(ctx, `SELECT request_id FROM pending_by_user WHERE user_id = ?`, userID)
	if err != nil {
		return models.PendingRequests{}, fmt.Errorf("list pending requests: %w", err)
	}
	for _, id := range ids {
		req, err := s.GetRequest(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return models.PendingRequests{}, err
		}
		// The index may trail a resolve that crashed before cleanup.
		if req.Status != models.RequestPending {
			continue
		}
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

// CreateMatch claims the request in match_by_request before writing the
// match. A claim whose match row is missing is repaired with m.
func (s *CassandraStore) CreateMatch(ctx context.Context, m models.Match) (models.Match, error) {
	if err := ctx.Err(); err != nil {
		return models.Match{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Millisecond)

	existing := map[string]interface{}{}
	applied, err := s.query(ctx, `
		INSERT INTO match_by_request (request_id, match_id) VALUES (?, ?) IF NOT EXISTS
	`, m.RequestID, m.ID).MapScanCAS(existing)
	if err != nil {
		return models.Match{}, fmt.Errorf("claim match: %w", err)
	}

	if !applied {
		matchID := stringValue(existing["match_id"])
		current, err := s.GetMatch(ctx, matchID)
		if err == nil {
			return current, store.ErrConflict
		}
		if !errors.Is(err, store.ErrNotFound) {
			return models.Match{}, err
		}
		m.ID = matchID
		if err := s.writeMatch(ctx, m); err != nil {
			return models.Match{}, err
		}
		return m, store.ErrConflict
	}

	if err := s.writeMatch(ctx, m); err != nil {
		return models.Match{}, err
	}
	return m, nil
}

func (s *CassandraStore) writeMatch(ctx context.Context, m models.Match) error {
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`
		INSERT INTO matches (id, user_low, user_high, request_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.UserLow, m.UserHigh, m.RequestID, m.CreatedAt)
	for _, user := range []string{m.UserLow, m.UserHigh} {
		batch.Query(`INSERT INTO matches_by_user (user_id, match_id) VALUES (?, ?)`, user, m.ID)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (s *CassandraStore) GetMatch(ctx context.Context, id string) (models.Match, error) {
	var m models.Match
	err := s.query(ctx, `
		SELECT id, user_low, user_high, request_id, created_at FROM matches WHERE id = ?
	`, id).Scan(&m.ID, &m.UserLow, &m.UserHigh, &m.RequestID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return models.Match{}, store.ErrNotFound
		}
		return models.Match{}, fmt.Errorf("select match: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *CassandraStore) GetMatchByRequest(ctx context.Context, requestID string) (models.Match, error) {
	var matchID string
	err := s.query(ctx, `SELECT match_id FROM match_by_request WHERE request_id = ?`, requestID).Scan(&matchID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return models.Match{}, store.ErrNotFound
		}
		return models.Match{}, fmt.Errorf("select match by request: %w", err)
	}
	return s.GetMatch(ctx, matchID)
}

func (s *CassandraStore) ListMatches(ctx context.Context, userID string) ([]models.Match, error) {
	ids, err := s.column(ctx, `SELECT match_id FROM matches_by_user WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	out := make([]models.Match, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMatch(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	store.SortMatches(out)
	return out, nil
}

func (s *CassandraStore) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	id, err := s.seq.NextID(ctx, MessageSequenceKey)
	if err != nil {
		return models.Message{}, fmt.Errorf("next message id: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	err = s.query(ctx, `
		INSERT INTO messages (match_id, id, sender_user, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.MatchID, msg.ID, msg.SenderUser, msg.Body, msg.CreatedAt).Exec()
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ListMessages reads the newest rows first and returns them ascending.
func (s *CassandraStore) ListMessages(ctx context.Context, matchID string, limit int) ([]models.Message, error) {
	stmt := `SELECT match_id, id, sender_user, body, created_at FROM messages WHERE match_id = ?`
	values := []interface{}{matchID}
	if limit > 0 {
		stmt += ` LIMIT ?`
		values = append(values, limit)
	}

	iter := s.query(ctx, stmt, values...).Iter()
	var (
		out []models.Message
		msg models.Message
	)
	for iter.Scan(&msg.MatchID, &msg.ID, &msg.SenderUser, &msg.Body, &msg.CreatedAt) {
		msg.CreatedAt = msg.CreatedAt.UTC()
		out = append(out, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	store.SortMessages(out)
	return out, nil
}

func (s *CassandraStore) column(ctx context.Context, stmt string, values ...interface{}) ([]string, error) {
	iter := s.query(ctx, stmt, values...).Iter()
	var (
		out []string
		v   string
	)
	for iter.Scan(&v) {
		out = append(out, v)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

var (
	_ store.RelationshipStore = (*CassandraStore)(nil)
	_ store.MessageStore      = (*CassandraStore)(nil)
)
