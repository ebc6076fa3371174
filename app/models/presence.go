package models

import "time"

// PresenceStatus is the traffic-light visibility a user broadcasts.
type PresenceStatus string

const (
	PresenceOff     PresenceStatus = "off"
	PresenceLimited PresenceStatus = "limited"
	PresenceFull    PresenceStatus = "full"
)

// Valid reports whether s is one of the known statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOff, PresenceLimited, PresenceFull:
		return true
	}
	return false
}

// Position is a raw coordinate. It is only ever handed to the geocell
// encoder and is never persisted.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PresenceRecord is the single register a user owns. Cell is empty when
// Status is off. UpdatedAt orders competing writes (last write wins).
type PresenceRecord struct {
	UserID     string         `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	BandMeters int            `json:"band_meters"`
	Cell       string         `json:"cell,omitempty"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Discoverable reports whether the record can be returned by discovery at now.
func (r PresenceRecord) Discoverable(now time.Time) bool {
	return r.Status != PresenceOff && r.Cell != "" && r.ExpiresAt.After(now)
}

// NearbyUser is one discovery result.
type NearbyUser struct {
	UserID string         `json:"user_id"`
	Status PresenceStatus `json:"status"`
	Label  string         `json:"label,omitempty"`
}

// SetStatusRequest is the body of PUT /api/presence.
type SetStatusRequest struct {
	Status     PresenceStatus `json:"status"`
	BandMeters int            `json:"band_meters"`
	Position   *Position      `json:"position,omitempty"`
}
