package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"proximeet/app/apperr"
	"proximeet/app/models"
	"proximeet/app/notify"
	"proximeet/app/store"
)

// History limits. DefaultHistoryLimit applies when the caller asks for
// none; MaxHistoryLimit is the hard cap.
const (
	DefaultHistoryLimit = 200
	MaxHistoryLimit     = 300
)

type matchLoader interface {
	GetMatch(ctx context.Context, id string) (models.Match, error)
}

// ChannelService scopes a message stream to the two participants of a match.
type ChannelService struct {
	matches      matchLoader
	messages     store.MessageStore
	bridge       notify.Bridge
	historyLimit int
}

func NewChannelService(matches matchLoader, messages store.MessageStore, bridge notify.Bridge, historyLimit int) *ChannelService {
	if historyLimit <= 0 || historyLimit > MaxHistoryLimit {
		historyLimit = DefaultHistoryLimit
	}
	return &ChannelService{
		matches:      matches,
		messages:     messages,
		bridge:       bridge,
		historyLimit: historyLimit,
	}
}

// PostMessage appends a message from sender. The body is stored trimmed.
func (s *ChannelService) PostMessage(ctx context.Context, matchID, sender, body string) (models.Message, error) {
	if sender == "" {
		return models.Message{}, apperr.ErrUnauthenticated
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Message{}, apperr.ErrEmptyBody
	}
	if _, err := s.participantMatch(ctx, matchID, sender); err != nil {
		return models.Message{}, err
	}

	msg, err := s.messages.AppendMessage(ctx, models.Message{
		MatchID:    matchID,
		SenderUser: sender,
		Body:       body,
	})
	if err != nil {
		return models.Message{}, apperr.StoreUnavailable("append message", err)
	}

	if s.bridge != nil {
		ev, err := notify.NewEvent(notify.TableMessages, notify.OpInsert, map[string]string{
			"match_id":    msg.MatchID,
			"sender_user": msg.SenderUser,
		}, msg)
		if err == nil {
			err = s.bridge.Publish(ctx, ev)
		}
		if err != nil {
			log.Printf("channel: publish message %d: %v", msg.ID, err)
		}
	}
	return msg, nil
}

// History returns up to limit of the latest messages in (CreatedAt, ID) order.
func (s *ChannelService) History(ctx context.Context, matchID, caller string, limit int) ([]models.Message, error) {
	if caller == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if _, err := s.participantMatch(ctx, matchID, caller); err != nil {
		return nil, err
	}
	return s.history(ctx, matchID, limit)
}

func (s *ChannelService) history(ctx context.Context, matchID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	msgs, err := s.messages.ListMessages(ctx, matchID, limit)
	if err != nil {
		return nil, apperr.StoreUnavailable("list messages", err)
	}
	store.SortMessages(msgs)
	return msgs, nil
}

// Subscribe delivers messages posted to the match after the call. Each
// notification triggers a re-query, and a MessageWindow drops ids that
// were already delivered, so duplicate or reordered notifications are
// harmless.
func (s *ChannelService) Subscribe(ctx context.Context, matchID, caller string, deliver func(models.Message)) (notify.Subscription, error) {
	if caller == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if s.bridge == nil {
		return nil, errors.New("channel: no change bridge configured")
	}
	if _, err := s.participantMatch(ctx, matchID, caller); err != nil {
		return nil, err
	}

	window := NewMessageWindow(MaxHistoryLimit)
	existing, err := s.history(ctx, matchID, MaxHistoryLimit)
	if err != nil {
		return nil, err
	}
	window.Merge(existing)

	// The catch-up below and the bridge handler may refresh concurrently.
	// deliverMu holds each merge together with its deliveries.
	var deliverMu sync.Mutex
	refresh := func(ctx context.Context) {
		msgs, err := s.history(ctx, matchID, MaxHistoryLimit)
		if err != nil {
			log.Printf("channel: refresh %s: %v", matchID, err)
			return
		}
		deliverMu.Lock()
		defer deliverMu.Unlock()
		for _, msg := range window.Merge(msgs) {
			deliver(msg)
		}
	}

	sub, err := s.bridge.Subscribe(ctx, notify.Filter{
		Table:  notify.TableMessages,
		Column: "match_id",
		Value:  matchID,
	}, func(ctx context.Context, _ notify.Event) {
		refresh(ctx)
	})
	if err != nil {
		return nil, apperr.StoreUnavailable("subscribe to messages", err)
	}
	// Catch anything posted between the first read and the subscription.
	refresh(ctx)
	return sub, nil
}

func (s *ChannelService) participantMatch(ctx context.Context, matchID, user string) (models.Match, error) {
	if matchID == "" {
		return models.Match{}, apperr.InvalidArg("match id is required")
	}
	m, err := s.matches.GetMatch(ctx, matchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Match{}, apperr.NotFound("match not found")
		}
		if apperr.CodeOf(err) != apperr.CodeUnknown {
			return models.Match{}, err
		}
		return models.Match{}, apperr.StoreUnavailable("load match", err)
	}
	if !m.Has(user) {
		return models.Match{}, apperr.ErrNotAParticipant
	}
	return m, nil
}
