// Package notify is the change notification bridge: row-level insert and
// update events filtered by one equality predicate.
//
// Events are hints. Subscribers re-query the stores instead of trusting
// the payload, so dropped or reordered events are tolerated.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Tables announced on the bridge.
const (
	TablePresence = "presence"
	TableRequests = "requests"
	TableMatches  = "matches"
	TableMessages = "messages"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// Event describes one row change. Columns carries the filterable column
// values; a column may list several values separated by ListSeparator
// (a presence move announces both the old and the new cell).
type Event struct {
	Table   string            `json:"table"`
	Op      Op                `json:"op"`
	Columns map[string]string `json:"columns"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	At      time.Time         `json:"at"`
}

// ListSeparator joins multiple values of one column.
const ListSeparator = ","

// Filter selects events of Table whose Column equals Value. An empty
// Column matches every event of the table.
type Filter struct {
	Table  string
	Column string
	Value  string
}

// Matches reports whether ev passes f.
func (f Filter) Matches(ev Event) bool {
	if ev.Table != f.Table {
		return false
	}
	if f.Column == "" {
		return true
	}
	raw, ok := ev.Columns[f.Column]
	if !ok {
		return false
	}
	for _, v := range strings.Split(raw, ListSeparator) {
		if v == f.Value {
			return true
		}
	}
	return false
}

// Handler receives events asynchronously.
type Handler func(ctx context.Context, ev Event)

// Subscription is released with Unsubscribe. Calling it twice is safe.
type Subscription interface {
	Unsubscribe()
}

// Bridge publishes and delivers change events.
type Bridge interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers handler until Unsubscribe is called or ctx ends.
	Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error)
}

// NewEvent builds an event with a JSON payload.
func NewEvent(table string, op Op, columns map[string]string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Table:   table,
		Op:      op,
		Columns: columns,
		Payload: raw,
		At:      time.Now().UTC(),
	}, nil
}
