package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/disasterwatch/internal/logger"
	"github.com/disasterwatch/internal/ws"
)

const (
	pollWait       = 25 * time.Second
	pollIdleTTL    = 90 * time.Second
	pollQueueLimit = 256
)

// pollSession bridges a long-polling HTTP client onto the hub. It implements
// ws.Session: the hub treats it exactly like a WebSocket connection, queueing
// outbound events until the next GET drains them.
type pollSession struct {
	id string

	mu       sync.Mutex
	queue    []ws.OutgoingEvent
	closed   bool
	lastSeen time.Time

	// notify wakes at most one waiting GET.
	notify chan struct{}
}

func newPollSession() *pollSession {
	return &pollSession{
		id:       uuid.New().String(),
		lastSeen: time.Now(),
		notify:   make(chan struct{}, 1),
	}
}

func (s *pollSession) SessionID() string { return s.id }

func (s *pollSession) Send(ev ws.OutgoingEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) >= pollQueueLimit {
		return false
	}
	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *pollSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain hands back the queued events, or nil when there are none.
func (s *pollSession) drain() ([]ws.OutgoingEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	if s.closed {
		return nil, false
	}
	out := s.queue
	s.queue = nil
	return out, true
}

func (s *pollSession) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.Before(cutoff)
}

// PollHandler serves the HTTP fallback transport for networks that drop
// WebSocket upgrades. Sessions expire after an idle TTL.
type PollHandler struct {
	hub *ws.Hub

	mu       sync.Mutex
	sessions map[string]*pollSession
}

func NewPollHandler(hub *ws.Hub) *PollHandler {
	return &PollHandler{hub: hub, sessions: make(map[string]*pollSession)}
}

// RunJanitor unregisters idle sessions until ctx is cancelled.
func (h *PollHandler) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-pollIdleTTL)
			h.mu.Lock()
			for id, sess := range h.sessions {
				if sess.idleSince(cutoff) {
					delete(h.sessions, id)
					logger.Infof("poll session %s expired", id)
					h.hub.Unregister(sess)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Open создаёт poll-сессию и регистрирует её в хабе (клиент сразу получит
// initial_reports в очередь).
func (h *PollHandler) Open(w http.ResponseWriter, r *http.Request) {
	sess := newPollSession()
	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
	h.hub.Register(sess)
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": sess.id})
}

func (h *PollHandler) lookup(r *http.Request) *pollSession {
	id := chi.URLParam(r, "sessionID")
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

func (h *PollHandler) forget(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// Poll long-polls the session's outbound queue. 200 with a JSON array when
// events are available, 204 after the wait expires, 404 for unknown or
// closed sessions.
func (h *PollHandler) Poll(w http.ResponseWriter, r *http.Request) {
	sess := h.lookup(r)
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown poll session")
		return
	}

	deadline := time.NewTimer(pollWait)
	defer deadline.Stop()
	for {
		events, alive := sess.drain()
		if !alive {
			h.forget(sess.id)
			writeError(w, http.StatusNotFound, "poll session closed")
			return
		}
		if len(events) > 0 {
			writeJSON(w, http.StatusOK, events)
			return
		}
		select {
		case <-sess.notify:
		case <-deadline.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Submit принимает одно protocol-событие от poll-клиента и передаёт его в хаб.
func (h *PollHandler) Submit(w http.ResponseWriter, r *http.Request) {
	sess := h.lookup(r)
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown poll session")
		return
	}
	var ev ws.IncomingEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	sess.mu.Lock()
	sess.lastSeen = time.Now()
	sess.mu.Unlock()
	h.hub.Deliver(sess, ev)
	w.WriteHeader(http.StatusAccepted)
}
