package models

import "time"

// Match is the undirected relationship created by one accepted request.
// UserLow always sorts before UserHigh.
type Match struct {
	ID        string    `json:"id"`
	UserLow   string    `json:"user_low"`
	UserHigh  string    `json:"user_high"`
	RequestID string    `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CanonicalPair orders two user ids the way Match stores them.
func CanonicalPair(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Has reports whether user is one of the two participants.
func (m Match) Has(user string) bool {
	return user != "" && (m.UserLow == user || m.UserHigh == user)
}

// Peer returns the other participant.
func (m Match) Peer(user string) string {
	if m.UserLow == user {
		return m.UserHigh
	}
	return m.UserLow
}

// MatchResponse is a match as seen by one participant.
type MatchResponse struct {
	Match
	PeerUser  string `json:"peer_user"`
	PeerLabel string `json:"peer_label,omitempty"`
}
