package models

import "time"

// Message is an append-only entry in a match conversation. Messages are
// ordered by (CreatedAt, ID).
type Message struct {
	ID         int64     `json:"id"`
	MatchID    string    `json:"match_id"`
	SenderUser string    `json:"sender_user"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Before reports whether m sorts before other.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// PostMessageBody is the body of POST /api/matches/:id/messages.
type PostMessageBody struct {
	Body string `json:"body"`
}
