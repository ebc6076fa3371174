package services

import (
	"context"
	"errors"
	"log"
	"time"

	"proximeet/app/apperr"
	"proximeet/app/geocell"
	"proximeet/app/models"
	"proximeet/app/notify"
	"proximeet/app/store"
)

// Default presence expiries. OFF lingers just long enough for peers to
// notice; visible records must be refreshed by heartbeats.
const (
	DefaultActiveTTL = 5 * time.Minute
	DefaultOffTTL    = 10 * time.Second
)

// heartbeatStopper is implemented by HeartbeatService.
type heartbeatStopper interface {
	StopAll(userID string)
}

// PresenceService owns each user's presence register.
type PresenceService struct {
	store      store.PresenceStore
	bridge     notify.Bridge
	activeTTL  time.Duration
	offTTL     time.Duration
	now        func() time.Time
	heartbeats heartbeatStopper
}

// NewPresenceService creates a presence register. Zero TTLs use the defaults.
func NewPresenceService(ps store.PresenceStore, bridge notify.Bridge, activeTTL, offTTL time.Duration) *PresenceService {
	if activeTTL <= 0 {
		activeTTL = DefaultActiveTTL
	}
	if offTTL <= 0 {
		offTTL = DefaultOffTTL
	}
	return &PresenceService{
		store:     ps,
		bridge:    bridge,
		activeTTL: activeTTL,
		offTTL:    offTTL,
		now:       time.Now,
	}
}

// SetHeartbeats lets SetStatus(off) cancel running heartbeat loops.
func (s *PresenceService) SetHeartbeats(h heartbeatStopper) {
	s.heartbeats = h
}

// ActiveTTL returns the expiry window of a visible record.
func (s *PresenceService) ActiveTTL() time.Duration {
	return s.activeTTL
}

// SetStatus changes the caller's visibility. A nil position on a visible
// status means the caller has not granted location access.
func (s *PresenceService) SetStatus(ctx context.Context, userID string, status models.PresenceStatus, bandMeters int, position *models.Position) (models.PresenceRecord, error) {
	if userID == "" {
		return models.PresenceRecord{}, apperr.ErrUnauthenticated
	}
	if !status.Valid() {
		return models.PresenceRecord{}, apperr.InvalidArg("unknown presence status")
	}
	if bandMeters != 0 && !geocell.ValidBand(bandMeters) {
		return models.PresenceRecord{}, apperr.InvalidArg("unsupported band width")
	}
	if status != models.PresenceOff {
		if position == nil {
			return models.PresenceRecord{}, apperr.ErrPermissionDenied
		}
		if err := geocell.ValidateCoordinates(position.Lat, position.Lng); err != nil {
			return models.PresenceRecord{}, apperr.InvalidArg(err.Error())
		}
	}

	// Heartbeat loops finish any in-flight tick before the OFF write is stamped.
	if status == models.PresenceOff && s.heartbeats != nil {
		s.heartbeats.StopAll(userID)
	}

	previous, err := s.store.GetPresence(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.PresenceRecord{}, apperr.StoreUnavailable("load presence", err)
	}
	if bandMeters == 0 {
		bandMeters = previous.BandMeters
		if !geocell.ValidBand(bandMeters) {
			bandMeters = geocell.DefaultBand
		}
	}

	now := s.now().UTC()
	rec := models.PresenceRecord{
		UserID:     userID,
		Status:     status,
		BandMeters: bandMeters,
		LastSeenAt: now,
		UpdatedAt:  now,
	}
	if status == models.PresenceOff {
		rec.ExpiresAt = now.Add(s.offTTL)
	} else {
		rec.Cell = geocell.Encode(position.Lat, position.Lng, bandMeters)
		rec.ExpiresAt = now.Add(s.activeTTL)
	}

	stored, applied, err := s.store.UpsertPresence(ctx, rec)
	if err != nil {
		return models.PresenceRecord{}, apperr.StoreUnavailable("write presence", err)
	}
	if !applied {
		log.Printf("presence: stale write for %s ignored", userID)
		return stored, nil
	}

	op := notify.OpUpdate
	if previous.UserID == "" {
		op = notify.OpInsert
	}
	s.publish(ctx, op, previous.Cell, stored)
	return stored, nil
}

// Heartbeat refreshes the expiry of a visible record. It never changes
// status, cell or UpdatedAt and publishes nothing.
func (s *PresenceService) Heartbeat(ctx context.Context, userID string) (models.PresenceRecord, error) {
	if userID == "" {
		return models.PresenceRecord{}, apperr.ErrUnauthenticated
	}
	now := s.now().UTC()
	rec, err := s.store.TouchPresence(ctx, userID, now, now.Add(s.activeTTL))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.PresenceRecord{}, apperr.ErrNoCellSet
		}
		return models.PresenceRecord{}, apperr.StoreUnavailable("refresh presence", err)
	}
	return rec, nil
}

// Get returns the caller's own record.
func (s *PresenceService) Get(ctx context.Context, userID string) (models.PresenceRecord, error) {
	if userID == "" {
		return models.PresenceRecord{}, apperr.ErrUnauthenticated
	}
	rec, err := s.store.GetPresence(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.PresenceRecord{}, apperr.NotFound("no presence record")
		}
		return models.PresenceRecord{}, apperr.StoreUnavailable("load presence", err)
	}
	return rec, nil
}

func (s *PresenceService) publish(ctx context.Context, op notify.Op, oldCell string, rec models.PresenceRecord) {
	if s.bridge == nil {
		return
	}
	cells := rec.Cell
	if oldCell != "" && oldCell != rec.Cell {
		if cells == "" {
			cells = oldCell
		} else {
			cells = oldCell + notify.ListSeparator + rec.Cell
		}
	}
	ev, err := notify.NewEvent(notify.TablePresence, op, map[string]string{
		"user_id": rec.UserID,
		"cell":    cells,
	}, rec)
	if err != nil {
		log.Printf("presence: encode event: %v", err)
		return
	}
	if err := s.bridge.Publish(ctx, ev); err != nil {
		log.Printf("presence: publish event for %s: %v", rec.UserID, err)
	}
}
