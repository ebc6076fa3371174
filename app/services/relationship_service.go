package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gocql/gocql"

	"proximeet/app/apperr"
	"proximeet/app/models"
	"proximeet/app/notify"
	"proximeet/app/store"
)

// RelationshipService runs the request -> match state machine.
type RelationshipService struct {
	store  store.RelationshipStore
	bridge notify.Bridge
	now    func() time.Time
	newID  func() string
}

func NewRelationshipService(rs store.RelationshipStore, bridge notify.Bridge) *RelationshipService {
	return &RelationshipService{
		store:  rs,
		bridge: bridge,
		now:    time.Now,
		newID:  func() string { return gocql.TimeUUID().String() },
	}
}

// SendRequest creates a pending request from -> to. When one is already
// pending for the pair, the existing request is returned together with
// apperr.ErrDuplicateRequest, which callers treat as "already sent".
func (s *RelationshipService) SendRequest(ctx context.Context, fromUser, toUser string) (models.ConnectRequest, error) {
	if fromUser == "" {
		return models.ConnectRequest{}, apperr.ErrUnauthenticated
	}
	if toUser == "" || toUser == fromUser {
		return models.ConnectRequest{}, apperr.ErrInvalidTarget
	}

	req := models.ConnectRequest{
		ID:        s.newID(),
		FromUser:  fromUser,
		ToUser:    toUser,
		Status:    models.RequestPending,
		CreatedAt: s.now().UTC(),
	}
	created, err := s.store.CreateRequest(ctx, req)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return created, apperr.ErrDuplicateRequest
		}
		return models.ConnectRequest{}, apperr.StoreUnavailable("create request", err)
	}

	s.publish(ctx, notify.TableRequests, notify.OpInsert, requestColumns(created), created)
	return created, nil
}

// Respond resolves a pending request. Repeating the decision that already
// resolved the request succeeds with AlreadyApplied set; an accepted
// request always ends up with exactly one match.
func (s *RelationshipService) Respond(ctx context.Context, requestID, byUser string, decision models.Decision) (models.RespondResult, error) {
	if byUser == "" {
		return models.RespondResult{}, apperr.ErrUnauthenticated
	}
	if requestID == "" {
		return models.RespondResult{}, apperr.InvalidArg("request id is required")
	}
	if !decision.Valid() {
		return models.RespondResult{}, apperr.InvalidArg("decision must be accept or decline")
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.RespondResult{}, apperr.NotFound("request not found")
		}
		return models.RespondResult{}, apperr.StoreUnavailable("load request", err)
	}
	if req.ToUser != byUser {
		return models.RespondResult{}, apperr.ErrNotAuthorized
	}
	if req.Status != models.RequestPending {
		return s.replay(ctx, req, decision)
	}

	now := s.now().UTC()
	if decision == models.DecisionDecline {
		resolved, err := s.store.ResolveRequest(ctx, req.ID, models.RequestDeclined, now)
		if err != nil {
			if errors.Is(err, store.ErrNotPending) {
				return s.replay(ctx, resolved, decision)
			}
			return models.RespondResult{}, apperr.StoreUnavailable("decline request", err)
		}
		s.publish(ctx, notify.TableRequests, notify.OpUpdate, requestColumns(resolved), resolved)
		return models.RespondResult{Request: resolved}, nil
	}

	return s.accept(ctx, req, now)
}

func (s *RelationshipService) accept(ctx context.Context, req models.ConnectRequest, now time.Time) (models.RespondResult, error) {
	candidate := s.matchFor(req, now)

	var (
		resolved models.ConnectRequest
		match    models.Match
		created  bool
		err      error
	)
	if acceptor, ok := s.store.(store.Acceptor); ok {
		resolved, match, err = acceptor.AcceptRequest(ctx, req.ID, now, candidate)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, store.ErrConflict):
			created = false
		case errors.Is(err, store.ErrNotPending):
			return s.replay(ctx, resolved, models.DecisionAccept)
		default:
			return models.RespondResult{}, apperr.StoreUnavailable("accept request", err)
		}
	} else {
		resolved, err = s.store.ResolveRequest(ctx, req.ID, models.RequestAccepted, now)
		if err != nil {
			if errors.Is(err, store.ErrNotPending) {
				return s.replay(ctx, resolved, models.DecisionAccept)
			}
			return models.RespondResult{}, apperr.StoreUnavailable("accept request", err)
		}
		match, created, err = s.ensureMatch(ctx, candidate)
		if err != nil {
			// The request is accepted; a retry of Respond heals the match.
			return models.RespondResult{}, err
		}
	}

	s.publish(ctx, notify.TableRequests, notify.OpUpdate, requestColumns(resolved), resolved)
	if created {
		s.publish(ctx, notify.TableMatches, notify.OpInsert, matchColumns(match), match)
	}
	return models.RespondResult{Request: resolved, Match: &match}, nil
}

// replay answers a respond call on an already resolved request.
func (s *RelationshipService) replay(ctx context.Context, req models.ConnectRequest, decision models.Decision) (models.RespondResult, error) {
	result := models.RespondResult{Request: req, AlreadyApplied: true}
	if req.Status != decision.Status() {
		result.AlreadyApplied = false
		return result, apperr.ErrAlreadyResolved
	}
	if req.Status != models.RequestAccepted {
		return result, nil
	}

	at := s.now().UTC()
	if req.RespondedAt != nil {
		at = *req.RespondedAt
	}
	match, created, err := s.ensureMatch(ctx, s.matchFor(req, at))
	if err != nil {
		return models.RespondResult{}, err
	}
	if created {
		log.Printf("relationships: healed missing match for request %s", req.ID)
		s.publish(ctx, notify.TableMatches, notify.OpInsert, matchColumns(match), match)
	}
	result.Match = &match
	return result, nil
}

// ensureMatch inserts m, treating an existing match for the same request as success.
func (s *RelationshipService) ensureMatch(ctx context.Context, m models.Match) (models.Match, bool, error) {
	created, err := s.store.CreateMatch(ctx, m)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return created, false, nil
		}
		return models.Match{}, false, apperr.StoreUnavailable("create match", err)
	}
	return created, true, nil
}

func (s *RelationshipService) matchFor(req models.ConnectRequest, at time.Time) models.Match {
	low, high := models.CanonicalPair(req.FromUser, req.ToUser)
	return models.Match{
		ID:        s.newID(),
		UserLow:   low,
		UserHigh:  high,
		RequestID: req.ID,
		CreatedAt: at,
	}
}

// ListPending returns the caller's pending requests split by direction.
func (s *RelationshipService) ListPending(ctx context.Context, userID string) (models.PendingRequests, error) {
	if userID == "" {
		return models.PendingRequests{}, apperr.ErrUnauthenticated
	}
	pending, err := s.store.ListPending(ctx, userID)
	if err != nil {
		return models.PendingRequests{}, apperr.StoreUnavailable("list pending requests", err)
	}
	return pending, nil
}

// ListMatches returns every match the caller participates in.
func (s *RelationshipService) ListMatches(ctx context.Context, userID string) ([]models.Match, error) {
	if userID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	matches, err := s.store.ListMatches(ctx, userID)
	if err != nil {
		return nil, apperr.StoreUnavailable("list matches", err)
	}
	return matches, nil
}

// GetMatch loads one match.
func (s *RelationshipService) GetMatch(ctx context.Context, matchID string) (models.Match, error) {
	if matchID == "" {
		return models.Match{}, apperr.InvalidArg("match id is required")
	}
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Match{}, apperr.NotFound("match not found")
		}
		return models.Match{}, apperr.StoreUnavailable("load match", err)
	}
	return m, nil
}

func (s *RelationshipService) publish(ctx context.Context, table string, op notify.Op, columns map[string]string, payload any) {
	if s.bridge == nil {
		return
	}
	ev, err := notify.NewEvent(table, op, columns, payload)
	if err != nil {
		log.Printf("relationships: encode %s event: %v", table, err)
		return
	}
	if err := s.bridge.Publish(ctx, ev); err != nil {
		log.Printf("relationships: publish %s event: %v", table, err)
	}
}

func requestColumns(req models.ConnectRequest) map[string]string {
	return map[string]string{
		"id":        req.ID,
		"from_user": req.FromUser,
		"to_user":   req.ToUser,
	}
}

func matchColumns(m models.Match) map[string]string {
	return map[string]string{
		"id":         m.ID,
		"user_low":   m.UserLow,
		"user_high":  m.UserHigh,
		"request_id": m.RequestID,
	}
}
