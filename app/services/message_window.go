package services

import (
	"sync"

	"proximeet/app/models"
	"proximeet/app/store"
)

// MessageWindow is a receiver-side view of one match conversation. It
// keeps the latest messages ordered by (CreatedAt, ID) and remembers which
// ids it has seen so redelivered messages are ignored.
type MessageWindow struct {
	mu       sync.Mutex
	capacity int
	messages []models.Message
	seen     map[int64]struct{}
}

func NewMessageWindow(capacity int) *MessageWindow {
	if capacity <= 0 {
		capacity = MaxHistoryLimit
	}
	return &MessageWindow{
		capacity: capacity,
		seen:     make(map[int64]struct{}),
	}
}

// Merge adds msgs and returns the ones not seen before, in order.
func (w *MessageWindow) Merge(msgs []models.Message) []models.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	var fresh []models.Message
	for _, msg := range msgs {
		if _, ok := w.seen[msg.ID]; ok {
			continue
		}
		w.seen[msg.ID] = struct{}{}
		fresh = append(fresh, msg)
	}
	if len(fresh) == 0 {
		return nil
	}
	store.SortMessages(fresh)

	w.messages = append(w.messages, fresh...)
	store.SortMessages(w.messages)
	if over := len(w.messages) - w.capacity; over > 0 {
		for _, old := range w.messages[:over] {
			delete(w.seen, old.ID)
		}
		w.messages = append([]models.Message(nil), w.messages[over:]...)
	}
	return fresh
}

// Messages returns a copy of the window in order.
func (w *MessageWindow) Messages() []models.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.Message(nil), w.messages...)
}
