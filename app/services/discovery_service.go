package services

import (
	"context"
	"errors"
	"log"
	"time"

	"proximeet/app/apperr"
	"proximeet/app/models"
	"proximeet/app/store"
)

// DefaultDiscoveryLimit caps discovery results. It is a policy, not a
// correctness property.
const DefaultDiscoveryLimit = 20

// DiscoveryService lists the other visible occupants of the caller's cell.
type DiscoveryService struct {
	presence store.PresenceStore
	identity IdentityDirectory
	limit    int
	now      func() time.Time
}

func NewDiscoveryService(ps store.PresenceStore, identity IdentityDirectory, limit int) *DiscoveryService {
	if limit <= 0 {
		limit = DefaultDiscoveryLimit
	}
	return &DiscoveryService{
		presence: ps,
		identity: identity,
		limit:    limit,
		now:      time.Now,
	}
}

// FindNearby returns a snapshot of users sharing the caller's cell. The
// result is advisory; a listed user may go off right after.
func (s *DiscoveryService) FindNearby(ctx context.Context, userID string) ([]models.NearbyUser, error) {
	if userID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	now := s.now().UTC()

	self, err := s.presence.GetPresence(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.ErrNoCellSet
		}
		return nil, apperr.StoreUnavailable("load presence", err)
	}
	if !self.Discoverable(now) {
		return nil, apperr.ErrNoCellSet
	}

	records, err := s.presence.ListByCell(ctx, self.Cell, userID, now, s.limit)
	if err != nil {
		return nil, apperr.StoreUnavailable("query cell", err)
	}

	nearby := make([]models.NearbyUser, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		// Stores filter too; the service re-checks against its own clock.
		if rec.UserID == userID || rec.Cell != self.Cell || !rec.Discoverable(now) {
			continue
		}
		nearby = append(nearby, models.NearbyUser{UserID: rec.UserID, Status: rec.Status})
		ids = append(ids, rec.UserID)
		if len(nearby) == s.limit {
			break
		}
	}

	if s.identity != nil && len(ids) > 0 {
		labels, err := s.identity.Labels(ctx, ids)
		if err != nil {
			log.Printf("discovery: label lookup failed: %v", err)
		}
		for i := range nearby {
			nearby[i].Label = labels[nearby[i].UserID]
		}
	}
	return nearby, nil
}
