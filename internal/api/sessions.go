package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/caffeineduck/blockrun/internal/metrics"
	"github.com/caffeineduck/blockrun/sandbox"
)

var errNoSession = errors.New("session not found")

// sessionManager holds the sandbox sessions of open editors. Sessions idle
// for longer than ttl are closed.
type sessionManager struct {
	sessions map[string]*serverSession
	mu       sync.RWMutex
	ttl      time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

type serverSession struct {
	session  *sandbox.Session
	lastUsed time.Time
}

func newSessionManager(ttl time.Duration, logger *slog.Logger) *sessionManager {
	sm := &sessionManager{
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	go sm.cleanup()
	return sm
}

func (sm *sessionManager) add(session *sandbox.Session) string {
	id := uuid.New().String()
	sm.mu.Lock()
	sm.sessions[id] = &serverSession{session: session, lastUsed: time.Now()}
	sm.mu.Unlock()
	metrics.EditorSessionsActive.Inc()
	return id
}

func (sm *sessionManager) get(id string) (*sandbox.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = time.Now()
	return ss.session, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	if ok {
		ss.session.Close()
		metrics.EditorSessionsActive.Dec()
	}
	return ok
}

func (sm *sessionManager) count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func (sm *sessionManager) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stop:
			return
		case now := <-ticker.C:
			sm.expire(now)
		}
	}
}

// expire closes sessions idle since before now-ttl. A session with a run in
// progress is never idle.
func (sm *sessionManager) expire(now time.Time) {
	var stale []string
	sm.mu.RLock()
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl && ss.session.State() != sandbox.StatusRunning {
			stale = append(stale, id)
		}
	}
	sm.mu.RUnlock()

	for _, id := range stale {
		if sm.close(id) {
			sm.logger.Debug("sandbox session expired", slog.String("session_id", id))
		}
	}
}

func (sm *sessionManager) closeAll() {
	sm.stopOnce.Do(func() { close(sm.stop) })
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	sm.mu.Unlock()
	for _, id := range ids {
		sm.close(id)
	}
}

type sessionView struct {
	ID    string         `json:"session_id"`
	State sandbox.Status `json:"state"`
	Run   *runView       `json:"run,omitempty"`
}

type runView struct {
	ID          uint64               `json:"run_id"`
	Status      sandbox.Status       `json:"status"`
	Diagnostics []sandbox.Diagnostic `json:"diagnostics"`
}

func newRunView(r *sandbox.Run) *runView {
	if r == nil {
		return nil
	}
	entries := r.Console().Entries()
	if entries == nil {
		entries = []sandbox.Diagnostic{}
	}
	return &runView{ID: r.ID, Status: r.Status(), Diagnostics: entries}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*sandbox.Session, string, bool) {
	id := mux.Vars(r)["id"]
	session, ok := s.sessions.get(id)
	if !ok {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, errNoSession.Error(), nil)
		return nil, id, false
	}
	return session, id, true
}

func (s *Server) newSandboxSession() *sandbox.Session {
	return s.exec.NewSession(s.lang, sandbox.WithTimeout(s.cfg.Sandbox.Timeout))
}

// CreateSession handles POST /api/v1/sessions.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		s.unavailable(w, r, "sandbox")
		return
	}
	id := s.sessions.add(s.newSandboxSession())
	s.respondJSON(w, http.StatusCreated, sessionView{ID: id, State: sandbox.StatusIdle})
}

// GetSession handles GET /api/v1/sessions/{id}. The console of a discarded
// run is always empty.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	session, id, ok := s.session(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, sessionView{
		ID:    id,
		State: session.State(),
		Run:   newRunView(session.Active()),
	})
}

// DeleteSession handles DELETE /api/v1/sessions/{id}.
func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.close(mux.Vars(r)["id"]) {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, errNoSession.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartSessionRun handles POST /api/v1/sessions/{id}/runs. The previous run
// of the session is destroyed before the new one starts. An empty workspace
// starts nothing and leaves the previous run alone.
func (s *Server) StartSessionRun(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.session(w, r)
	if !ok {
		return
	}
	var req programRequest
	if !s.decode(w, r, &req) {
		return
	}
	source, _, err := s.program(req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	run, err := session.Start(s.baseCtx, source)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, runView{
		ID:          run.ID,
		Status:      sandbox.StatusRunning,
		Diagnostics: []sandbox.Diagnostic{},
	})
}

// StopSessionRun handles POST /api/v1/sessions/{id}/stop.
func (s *Server) StopSessionRun(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.session(w, r)
	if !ok {
		return
	}
	session.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// StreamSessionEvents handles GET /api/v1/sessions/{id}/events as
// Server-Sent Events: one "diagnostic" event per console entry, then one
// "status" event. The stream ends without a status when the run is
// discarded.
func (s *Server) StreamSessionEvents(w http.ResponseWriter, r *http.Request) {
	session, id, ok := s.session(w, r)
	if !ok {
		return
	}
	run := session.Active()
	if run == nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "session has no run", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	// A run can outlive the server's write timeout.
	http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := run.Events()
	defer func() {
		// The stream must be drained; the run ends on its own timeout.
		go func() {
			for range events {
			}
		}()
	}()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event stream closed by client", slog.String("session_id", id))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Diagnostic != nil {
				writeSSE(w, "diagnostic", ev.Diagnostic)
			} else {
				writeSSE(w, "status", map[string]any{"run_id": run.ID, "status": ev.Status})
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	b, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
