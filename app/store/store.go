// Package store defines the persistence contracts the core relies on.
//
// Implementations must provide the atomicity the services depend on:
// conditional presence upserts, a uniqueness conflict for pending
// requests and per-request matches, and monotonic message ids.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"proximeet/app/models"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a uniqueness constraint rejected an insert.
	ErrConflict = errors.New("unique constraint conflict")
	// ErrNotPending indicates a conditional request transition found the
	// request already resolved.
	ErrNotPending = errors.New("request is not pending")
)

// PresenceStore holds one register per user.
type PresenceStore interface {
	// UpsertPresence writes rec if rec.UpdatedAt is not older than the
	// stored record. It returns the record that won and whether rec was applied.
	UpsertPresence(ctx context.Context, rec models.PresenceRecord) (models.PresenceRecord, bool, error)
	// TouchPresence refreshes LastSeenAt and ExpiresAt of a non-off record
	// whose UpdatedAt is not after seenAt. UpdatedAt is left unchanged so a
	// later status write always wins over a touch. It returns ErrNotFound
	// when there is nothing to refresh.
	TouchPresence(ctx context.Context, userID string, seenAt, expiresAt time.Time) (models.PresenceRecord, error)
	GetPresence(ctx context.Context, userID string) (models.PresenceRecord, error)
	// ListByCell returns non-off records in cell that expire after now,
	// excluding excludeUser, at most limit entries.
	ListByCell(ctx context.Context, cell, excludeUser string, now time.Time, limit int) ([]models.PresenceRecord, error)
}

// RelationshipStore persists connect requests and the matches derived from them.
type RelationshipStore interface {
	// CreateRequest inserts a pending request. When one is already pending
	// for the same ordered pair it returns that request and ErrConflict.
	CreateRequest(ctx context.Context, req models.ConnectRequest) (models.ConnectRequest, error)
	GetRequest(ctx context.Context, id string) (models.ConnectRequest, error)
	// ResolveRequest moves a pending request to status. When the request is
	// no longer pending it returns the current request and ErrNotPending.
	ResolveRequest(ctx context.Context, id string, status models.RequestStatus, at time.Time) (models.ConnectRequest, error)
	ListPending(ctx context.Context, userID string) (models.PendingRequests, error)

	// CreateMatch inserts a match. When a match already exists for the same
	// request id it returns that match and ErrConflict.
	CreateMatch(ctx context.Context, m models.Match) (models.Match, error)
	GetMatch(ctx context.Context, id string) (models.Match, error)
	GetMatchByRequest(ctx context.Context, requestID string) (models.Match, error)
	ListMatches(ctx context.Context, userID string) ([]models.Match, error)
}

// Acceptor is implemented by stores that can accept a request and create
// its match in a single transaction. The returned errors follow
// ResolveRequest and CreateMatch.
type Acceptor interface {
	AcceptRequest(ctx context.Context, id string, at time.Time, m models.Match) (models.ConnectRequest, models.Match, error)
}

// MessageStore is the append-only message log.
type MessageStore interface {
	// AppendMessage assigns ID and CreatedAt and stores msg.
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	// ListMessages returns the latest limit messages of a match in
	// ascending (CreatedAt, ID) order.
	ListMessages(ctx context.Context, matchID string, limit int) ([]models.Message, error)
}

// SortMessages orders messages by (CreatedAt, ID).
func SortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

// SortRequests orders requests by (CreatedAt, ID).
func SortRequests(reqs []models.ConnectRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// SortMatches orders matches by (CreatedAt, ID).
func SortMatches(matches []models.Match) {
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
}
