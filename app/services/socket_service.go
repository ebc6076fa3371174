package services

import (
	"context"
	"log"
	"sync"

	"proximeet/app/apperr"
	"proximeet/app/models"
	"proximeet/app/notify"
	"proximeet/app/utils"
)

// Emitter sends one event to one connected socket.
type Emitter func(event string, payload interface{})

// SocketService tracks live sockets: which match channels each one follows,
// its session view and its server-side heartbeat. It knows nothing about
// the transport; the Socket.IO handler feeds it.
type SocketService struct {
	jwtSecret  string
	channel    *ChannelService
	heartbeats *HeartbeatService
	session    SessionDeps

	mu      sync.Mutex
	sockets map[string]*socketSession
}

type socketSession struct {
	id     string
	userID string
	emit   Emitter
	ctx    context.Context
	cancel context.CancelFunc

	matches map[string]notify.Subscription
	view    *SessionView
}

func NewSocketService(jwtSecret string, channel *ChannelService, heartbeats *HeartbeatService, session SessionDeps) *SocketService {
	return &SocketService{
		jwtSecret:  jwtSecret,
		channel:    channel,
		heartbeats: heartbeats,
		session:    session,
		sockets:    make(map[string]*socketSession),
	}
}

// Connect registers a socket. Events for it are sent through emit.
func (s *SocketService) Connect(socketID string, emit Emitter) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sockets[socketID]; ok {
		old.cancel()
	}
	s.sockets[socketID] = &socketSession{
		id:      socketID,
		emit:    emit,
		ctx:     ctx,
		cancel:  cancel,
		matches: make(map[string]notify.Subscription),
	}
}

// authenticate verifies token and binds the socket to its user. A socket
// cannot switch users once bound.
func (s *SocketService) authenticate(socketID, token string) (*socketSession, error) {
	claims, err := utils.ParseToken(s.jwtSecret, token)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnauthenticated, "Invalid or expired token", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sockets[socketID]
	if !ok {
		return nil, apperr.NotFound("socket is not connected")
	}
	if sess.userID == "" {
		sess.userID = claims.UserID
	}
	if sess.userID != claims.UserID {
		return nil, apperr.Wrap(apperr.CodeUnauthenticated, "socket is bound to another user", nil)
	}
	return sess, nil
}

func (s *SocketService) lookup(socketID string) (*socketSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sockets[socketID]
	return sess, ok
}

// SubscribeMatch streams new messages of matchID to the socket as message:new.
func (s *SocketService) SubscribeMatch(socketID, token, matchID string) error {
	if matchID == "" {
		return apperr.InvalidArg("match_id is required")
	}
	sess, err := s.authenticate(socketID, token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, already := sess.matches[matchID]
	s.mu.Unlock()
	if already {
		return nil
	}

	sub, err := s.channel.Subscribe(sess.ctx, matchID, sess.userID, func(msg models.Message) {
		sess.emit(models.EventMessageNew, models.MessageEvent{
			MatchID: matchID,
			Message: msg,
			Event:   models.EventMessageNew,
		})
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := sess.matches[matchID]; dup || sess.ctx.Err() != nil {
		sub.Unsubscribe()
		return nil
	}
	sess.matches[matchID] = sub
	log.Printf("💬 Socket %s (%s) subscribed to match %s", socketID, sess.userID, matchID)
	return nil
}

func (s *SocketService) UnsubscribeMatch(socketID, matchID string) {
	sess, ok := s.lookup(socketID)
	if !ok {
		return
	}
	s.mu.Lock()
	sub := sess.matches[matchID]
	delete(sess.matches, matchID)
	s.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// WatchPresence keeps a session view for the socket's user and emits
// nearby:changed with the fresh snapshot on every change.
func (s *SocketService) WatchPresence(socketID, token string) (SessionSnapshot, error) {
	sess, err := s.authenticate(socketID, token)
	if err != nil {
		return SessionSnapshot{}, err
	}

	s.mu.Lock()
	existing := sess.view
	s.mu.Unlock()
	if existing != nil {
		return existing.Refresh(sess.ctx)
	}

	view, err := NewSessionView(sess.ctx, s.session, sess.userID, func(snap SessionSnapshot) {
		sess.emit(models.EventNearbyChanged, snap)
	})
	if err != nil {
		return SessionSnapshot{}, err
	}

	s.mu.Lock()
	if sess.view != nil || sess.ctx.Err() != nil {
		s.mu.Unlock()
		view.Close()
		return view.Snapshot(), nil
	}
	sess.view = view
	s.mu.Unlock()
	return view.Snapshot(), nil
}

// StartPresence runs a server-side heartbeat for the socket until
// StopPresence, disconnect, or the user goes off.
func (s *SocketService) StartPresence(socketID, token string) error {
	sess, err := s.authenticate(socketID, token)
	if err != nil {
		return err
	}
	return s.heartbeats.Start(sess.ctx, sess.userID, socketID)
}

func (s *SocketService) StopPresence(socketID string) {
	s.mu.Lock()
	sess, ok := s.sockets[socketID]
	userID := ""
	if ok {
		userID = sess.userID
	}
	s.mu.Unlock()
	if userID == "" {
		return
	}
	s.heartbeats.Stop(userID, socketID)
}

// Disconnect releases everything the socket held.
func (s *SocketService) Disconnect(socketID string) {
	s.mu.Lock()
	sess, ok := s.sockets[socketID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sockets, socketID)
	sess.cancel()
	subs := sess.matches
	sess.matches = make(map[string]notify.Subscription)
	view := sess.view
	sess.view = nil
	userID := sess.userID
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if view != nil {
		view.Close()
	}
	if userID != "" {
		s.heartbeats.Stop(userID, socketID)
	}
	log.Printf("🔌 Released socket %s (%d match subscriptions)", socketID, len(subs))
}

// Connected returns the number of registered sockets.
func (s *SocketService) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}
