package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"proximeet/app/apperr"
	"proximeet/app/models"
)

// DefaultHeartbeatInterval keeps a record well inside DefaultActiveTTL.
const DefaultHeartbeatInterval = 60 * time.Second

type heartbeater interface {
	Heartbeat(ctx context.Context, userID string) (models.PresenceRecord, error)
}

type heartbeatKey struct {
	user    string
	session string
}

type heartbeatJob struct {
	stopChan chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (j *heartbeatJob) stop() {
	j.once.Do(func() { close(j.stopChan) })
}

// HeartbeatService runs one repeating presence refresh per (user, session)
// while the session is discoverable.
type HeartbeatService struct {
	presence heartbeater
	interval time.Duration

	mu   sync.Mutex
	jobs map[heartbeatKey]*heartbeatJob
}

func NewHeartbeatService(presence heartbeater, interval time.Duration) *HeartbeatService {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatService{
		presence: presence,
		interval: interval,
		jobs:     make(map[heartbeatKey]*heartbeatJob),
	}
}

// Start begins refreshing the user's record for session. Starting a
// session that is already running is a no-op.
func (h *HeartbeatService) Start(ctx context.Context, userID, sessionID string) error {
	if userID == "" {
		return apperr.ErrUnauthenticated
	}
	key := heartbeatKey{user: userID, session: sessionID}

	h.mu.Lock()
	if _, ok := h.jobs[key]; ok {
		h.mu.Unlock()
		log.Printf("⚠️ Heartbeat already running for %s/%s", userID, sessionID)
		return nil
	}
	job := &heartbeatJob{
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	h.jobs[key] = job
	h.mu.Unlock()

	log.Printf("💓 Starting heartbeat for %s/%s (interval: %v)", userID, sessionID, h.interval)
	go h.run(ctx, key, job)
	return nil
}

func (h *HeartbeatService) run(ctx context.Context, key heartbeatKey, job *heartbeatJob) {
	defer close(job.done)
	defer h.remove(key, job)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-job.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := h.presence.Heartbeat(ctx, key.user); err != nil {
			if errors.Is(err, apperr.ErrNoCellSet) || errors.Is(err, apperr.ErrUnauthenticated) {
				log.Printf("🛑 Heartbeat for %s/%s stopped: %v", key.user, key.session, err)
				return
			}
			log.Printf("❌ Heartbeat for %s/%s failed: %v", key.user, key.session, err)
		}
	}
}

func (h *HeartbeatService) remove(key heartbeatKey, job *heartbeatJob) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jobs[key] == job {
		delete(h.jobs, key)
	}
}

// Stop cancels one session and waits for its loop to exit.
func (h *HeartbeatService) Stop(userID, sessionID string) {
	key := heartbeatKey{user: userID, session: sessionID}
	h.mu.Lock()
	job, ok := h.jobs[key]
	delete(h.jobs, key)
	h.mu.Unlock()
	if !ok {
		return
	}
	job.stop()
	<-job.done
}

// StopAll cancels every session of the user and waits for the loops to
// exit, so no tick can land after the caller's next write.
func (h *HeartbeatService) StopAll(userID string) {
	h.mu.Lock()
	var stopped []*heartbeatJob
	for key, job := range h.jobs {
		if key.user == userID {
			stopped = append(stopped, job)
			delete(h.jobs, key)
		}
	}
	h.mu.Unlock()

	for _, job := range stopped {
		job.stop()
		<-job.done
	}
	if len(stopped) > 0 {
		log.Printf("🛑 Stopped %d heartbeat(s) for %s", len(stopped), userID)
	}
}

// Shutdown stops every running loop.
func (h *HeartbeatService) Shutdown() {
	h.mu.Lock()
	jobs := h.jobs
	h.jobs = make(map[heartbeatKey]*heartbeatJob)
	h.mu.Unlock()

	for _, job := range jobs {
		job.stop()
		<-job.done
	}
}

func (h *HeartbeatService) IsRunning(userID, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.jobs[heartbeatKey{user: userID, session: sessionID}]
	return ok
}
