// Package sqlite provides a SQLite-backed implementation of every store
// contract. Uniqueness rules live in the schema: a partial unique index
// allows one pending request per ordered pair and matches.request_id is
// unique.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"proximeet/app/models"
	"proximeet/app/store"
)

// Store persists presence, requests, matches and messages in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies the embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; transactions use the same connection as their reads.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Presence

const presenceColumns = `user_id, status, band_meters, cell, last_seen_at, expires_at, updated_at`

func scanPresence(row interface{ Scan(...interface{}) error }) (models.PresenceRecord, error) {
	var (
		rec                          models.PresenceRecord
		status                       string
		lastSeen, expires, updatedAt int64
	)
	if err := row.Scan(&rec.UserID, &status, &rec.BandMeters, &rec.Cell, &lastSeen, &expires, &updatedAt); err != nil {
		return models.PresenceRecord{}, err
	}
	rec.Status = models.PresenceStatus(status)
	rec.LastSeenAt = fromMillis(lastSeen)
	rec.ExpiresAt = fromMillis(expires)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func getPresence(ctx context.Context, q querier, userID string) (models.PresenceRecord, error) {
	rec, err := scanPresence(q.QueryRowContext(ctx, `SELECT `+presenceColumns+` FROM presence WHERE user_id = ?`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PresenceRecord{}, store.ErrNotFound
		}
		return models.PresenceRecord{}, fmt.Errorf("select presence: %w", err)
	}
	return rec, nil
}

// UpsertPresence writes rec unless the stored record is newer.
func (s *Store) UpsertPresence(ctx context.Context, rec models.PresenceRecord) (models.PresenceRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.PresenceRecord{}, false, err
	}
	var (
		stored  models.PresenceRecord
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO presence (`+presenceColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
    status = excluded.status,
    band_meters = excluded.band_meters,
    cell = excluded.cell,
    last_seen_at = excluded.last_seen_at,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at
WHERE excluded.updated_at >= presence.updated_at`,
			rec.UserID, string(rec.Status), rec.BandMeters, rec.Cell,
			toMillis(rec.LastSeenAt), toMillis(rec.ExpiresAt), toMillis(rec.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert presence: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert presence: %w", err)
		}
		applied = n > 0
		stored, err = getPresence(ctx, tx, rec.UserID)
		return err
	})
	if err != nil {
		return models.PresenceRecord{}, false, err
	}
	return stored, applied, nil
}

func (s *Store) TouchPresence(ctx context.Context, userID string, seenAt, expiresAt time.Time) (models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.PresenceRecord{}, err
	}
	var rec models.PresenceRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE presence SET last_seen_at = ?, expires_at = ?
WHERE user_id = ? AND status <> ? AND updated_at <= ?`,
			toMillis(seenAt), toMillis(expiresAt),
			userID, string(models.PresenceOff), toMillis(seenAt),
		)
		if err != nil {
			return fmt.Errorf("touch presence: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("touch presence: %w", err)
		} else if n == 0 {
			return store.ErrNotFound
		}
		rec, err = getPresence(ctx, tx, userID)
		return err
	})
	if err != nil {
		return models.PresenceRecord{}, err
	}
	return rec, nil
}

func (s *Store) GetPresence(ctx context.Context, userID string) (models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.PresenceRecord{}, err
	}
	return getPresence(ctx, s.sqlDB, userID)
}

func (s *Store) ListByCell(ctx context.Context, cell, excludeUser string, now time.Time, limit int) ([]models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+presenceColumns+` FROM presence
WHERE cell = ? AND user_id <> ? AND status <> ? AND expires_at > ?
ORDER BY updated_at DESC, user_id
LIMIT ?`,
		cell, excludeUser, string(models.PresenceOff), toMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list presence by cell: %w", err)
	}
	defer rows.Close()

	var out []models.PresenceRecord
	for rows.Next() {
		rec, err := scanPresence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return out, nil
}

// Requests

const requestColumns = `id, from_user, to_user, status, created_at, responded_at`

func scanRequest(row interface{ Scan(...interface{}) error }) (models.ConnectRequest, error) {
	var (
		req         models.ConnectRequest
		status      string
		createdAt   int64
		respondedAt sql.NullInt64
	)
	if err := row.Scan(&req.ID, &req.FromUser, &req.ToUser, &status, &createdAt, &respondedAt); err != nil {
		return models.ConnectRequest{}, err
	}
	req.Status = models.RequestStatus(status)
	req.CreatedAt = fromMillis(createdAt)
	if respondedAt.Valid {
		at := fromMillis(respondedAt.Int64)
		req.RespondedAt = &at
	}
	return req, nil
}

func getRequest(ctx context.Context, q querier, id string) (models.ConnectRequest, error) {
	req, err := scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM connect_requests WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ConnectRequest{}, store.ErrNotFound
		}
		return models.ConnectRequest{}, fmt.Errorf("select request: %w", err)
	}
	return req, nil
}

func (s *Store) CreateRequest(ctx context.Context, req models.ConnectRequest) (models.ConnectRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.ConnectRequest{}, err
	}
	req.CreatedAt = fromMillis(toMillis(req.CreatedAt))

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO connect_requests (id, from_user, to_user, status, created_at)
VALUES (?, ?, ?, ?, ?)`,
		req.ID, req.FromUser, req.ToUser, string(req.Status), toMillis(req.CreatedAt),
	)
	if err == nil {
		return req, nil
	}
	if !isUniqueViolation(err) {
		return models.ConnectRequest{}, fmt.Errorf("insert request: %w", err)
	}

	existing, err := scanRequest(s.sqlDB.QueryRowContext(ctx, `
SELECT `+requestColumns+` FROM connect_requests
WHERE from_user = ? AND to_user = ? AND status = ?`,
		req.FromUser, req.ToUser, string(models.RequestPending),
	))
	if err != nil {
		return models.ConnectRequest{}, fmt.Errorf("select pending request: %w", err)
	}
	return existing, store.ErrConflict
}

func (s *Store) GetRequest(ctx context.Context, id string) (models.ConnectRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.ConnectRequest{}, err
	}
	return getRequest(ctx, s.sqlDB, id)
}

func resolveRequest(ctx context.Context, q querier, id string, status models.RequestStatus, at time.Time) (models.ConnectRequest, error) {
	res, err := q.ExecContext(ctx, `
UPDATE connect_requests SET status = ?, responded_at = ?
WHERE id = ? AND status = ?`,
		string(status), toMillis(at), id, string(models.RequestPending),
	)
	if err != nil {
		return models.ConnectRequest{}, fmt.Errorf("resolve request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.ConnectRequest{}, fmt.Errorf("resolve request: %w", err)
	}

	current, err := getRequest(ctx, q, id)
	if err != nil {
		return models.ConnectRequest{}, err
	}
	if n == 0 {
		return current, store.ErrNotPending
	}
	return current, nil
}

func (s *Store) ResolveRequest(ctx context.Context, id string, status models.RequestStatus, at time.Time) (models.ConnectRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.ConnectRequest{}, err
	}
	var (
		req     models.ConnectRequest
		outcome error
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = resolveRequest(ctx, tx, id, status, at)
		if errors.Is(err, store.ErrNotPending) {
			outcome = err
			return nil
		}
		return err
	})
	if err != nil {
		return models.ConnectRequest{}, err
	}
	return req, outcome
}

func (s *Store) ListPending(ctx context.Context, userID string) (models.PendingRequests, error) {
	if err := ctx.Err(); err != nil {
		return models.PendingRequests{}, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+requestColumns+` FROM connect_requests
WHERE status = ? AND (to_user = ? OR from_user = ?)
ORDER BY created_at, id`,
		string(models.RequestPending), userID, userID,
	)
	if err != nil {
		return models.PendingRequests{}, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	out := models.PendingRequests{
		Incoming: []models.ConnectRequest{},
		Outgoing: []models.ConnectRequest{},
	}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return models.PendingRequests{}, fmt.Errorf("scan request: %w", err)
		}
		if req.ToUser == userID {
			out.Incoming = append(out.Incoming, req)
		} else {
			out.Outgoing = append(out.Outgoing, req)
		}
	}
	if err := rows.Err(); err != nil {
		return models.PendingRequests{}, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

// Matches

const matchColumns = `id, user_low, user_high, request_id, created_at`

func scanMatch(row interface{ Scan(...interface{}) error }) (models.Match, error) {
	var (
		m         models.Match
		createdAt int64
	)
	if err := row.Scan(&m.ID, &m.UserLow, &m.UserHigh, &m.RequestID, &createdAt); err != nil {
		return models.Match{}, err
	}
	m.CreatedAt = fromMillis(createdAt)
	return m, nil
}

func getMatchWhere(ctx context.Context, q querier, where string, arg string) (models.Match, error) {
	m, err := scanMatch(q.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE `+where+` = ?`, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Match{}, store.ErrNotFound
		}
		return models.Match{}, fmt.Errorf("select match: %w", err)
	}
	return m, nil
}

func createMatch(ctx context.Context, q querier, m models.Match) (models.Match, error) {
	m.CreatedAt = fromMillis(toMillis(m.CreatedAt))
	_, err := q.ExecContext(ctx, `
INSERT INTO matches (`+matchColumns+`) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserLow, m.UserHigh, m.RequestID, toMillis(m.CreatedAt),
	)
	if err == nil {
		return m, nil
	}
	if !isUniqueViolation(err) {
		return models.Match{}, fmt.Errorf("insert match: %w", err)
	}
	existing, err := getMatchWhere(ctx, q, "request_id", m.RequestID)
	if err != nil {
		return models.Match{}, err
	}
	return existing, store.ErrConflict
}

func (s *Store) CreateMatch(ctx context.Context, m models.Match) (models.Match, error) {
	if err := ctx.Err(); err != nil {
		return models.Match{}, err
	}
	return createMatch(ctx, s.sqlDB, m)
}

// AcceptRequest resolves the request and inserts its match in one transaction.
func (s *Store) AcceptRequest(ctx context.Context, id string, at time.Time, m models.Match) (models.ConnectRequest, models.Match, error) {
	if err := ctx.Err(); err != nil {
		return models.ConnectRequest{}, models.Match{}, err
	}
	var (
		req     models.ConnectRequest
		match   models.Match
		outcome error
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = resolveRequest(ctx, tx, id, models.RequestAccepted, at)
		if errors.Is(err, store.ErrNotPending) {
			outcome = err
			return nil
		}
		if err != nil {
			return err
		}
		match, err = createMatch(ctx, tx, m)
		if errors.Is(err, store.ErrConflict) {
			outcome = err
			return nil
		}
		return err
	})
	if err != nil {
		return models.ConnectRequest{}, models.Match{}, err
	}
	return req, match, outcome
}

func (s *Store) GetMatch(ctx context.Context, id string) (models.Match, error) {
	if err := ctx.Err(); err != nil {
		return models.Match{}, err
	}
	return getMatchWhere(ctx, s.sqlDB, "id", id)
}

func (s *Store) GetMatchByRequest(ctx context.Context, requestID string) (models.Match, error) {
	if err := ctx.Err(); err != nil {
		return models.Match{}, err
	}
	return getMatchWhere(ctx, s.sqlDB, "request_id", requestID)
}

func (s *Store) ListMatches(ctx context.Context, userID string) ([]models.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+matchColumns+` FROM matches
WHERE user_low = ? OR user_high = ?
ORDER BY created_at, id`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	out := []models.Match{}
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return out, nil
}

// Messages

func (s *Store) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	msg.CreatedAt = fromMillis(toMillis(s.now()))
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO messages (match_id, sender_user, body, created_at) VALUES (?, ?, ?, ?)`,
		msg.MatchID, msg.SenderUser, msg.Body, toMillis(msg.CreatedAt),
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return models.Message{}, fmt.Errorf("message id: %w", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, matchID string, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, match_id, sender_user, body, created_at FROM messages
WHERE match_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, matchID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			msg       models.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.MatchID, &msg.SenderUser, &msg.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = fromMillis(createdAt)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	store.SortMessages(out)
	return out, nil
}

var (
	_ store.PresenceStore     = (*Store)(nil)
	_ store.RelationshipStore = (*Store)(nil)
	_ store.Acceptor          = (*Store)(nil)
	_ store.MessageStore      = (*Store)(nil)
)
