package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caffeineduck/blockrun/internal/metrics"
	"github.com/caffeineduck/blockrun/sandbox"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// editorMessage is sent by the editor. Type is "run", "compile" or "stop".
type editorMessage struct {
	Type string `json:"type"`
	programRequest
}

// editorEvent is sent to the editor. Type is one of "compiled", "started",
// "diagnostic", "status", "stopped" or "error".
type editorEvent struct {
	Type       string              `json:"type"`
	RunID      uint64              `json:"run_id,omitempty"`
	Source     string              `json:"source,omitempty"`
	Diagnostic *sandbox.Diagnostic `json:"diagnostic,omitempty"`
	Status     string              `json:"status,omitempty"`
	Error      *ErrorResponse      `json:"error,omitempty"`
}

// editorConn binds one websocket to one sandbox session.
type editorConn struct {
	s       *Server
	conn    *websocket.Conn
	session *sandbox.Session
	logger  *slog.Logger

	send chan editorEvent
	done chan struct{}

	// mu orders run starts against event forwarding so that nothing from a
	// superseded run is sent after its successor was announced.
	mu sync.Mutex
}

// Editor handles GET /api/v1/editor. Each connection owns one sandbox
// session for its lifetime.
func (s *Server) Editor(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		s.unavailable(w, r, "sandbox")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &editorConn{
		s:       s,
		conn:    conn,
		session: s.newSandboxSession(),
		logger:  s.logger.With(slog.String("remote_addr", r.RemoteAddr)),
		send:    make(chan editorEvent, 256),
		done:    make(chan struct{}),
	}
	metrics.EditorSessionsActive.Inc()
	defer metrics.EditorSessionsActive.Dec()

	go c.writePump()
	c.readPump()
}

func (c *editorConn) emit(ev editorEvent) bool {
	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *editorConn) fail(err error) {
	_, code, details := classify(err)
	c.emit(editorEvent{Type: "error", Error: &ErrorResponse{Error: code, Message: err.Error(), Details: details}})
}

func (c *editorConn) readPump() {
	defer func() {
		close(c.done)
		c.session.Close()
		c.conn.Close()
	}()

	if limit := c.s.cfg.Server.MaxBodyBytes; limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("editor connection closed", slog.String("error", err.Error()))
			}
			return
		}
		var msg editorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.emit(editorEvent{Type: "error", Error: &ErrorResponse{Error: ErrCodeBadRequest, Message: "invalid message: " + err.Error()}})
			continue
		}
		c.handle(msg)
	}
}

func (c *editorConn) handle(msg editorMessage) {
	switch msg.Type {
	case "compile":
		source, _, err := c.s.program(msg.programRequest)
		if err != nil {
			c.fail(err)
			return
		}
		c.emit(editorEvent{Type: "compiled", Source: source})

	case "run":
		source, script, err := c.s.program(msg.programRequest)
		if err != nil {
			c.fail(err)
			return
		}
		if script != nil {
			c.emit(editorEvent{Type: "compiled", Source: source})
		}

		c.mu.Lock()
		run, err := c.session.Start(c.s.baseCtx, source)
		if err != nil {
			c.mu.Unlock()
			c.fail(err)
			return
		}
		c.emit(editorEvent{Type: "started", RunID: run.ID})
		c.mu.Unlock()
		go c.forward(run)

	case "stop":
		c.mu.Lock()
		c.session.Stop()
		var id uint64
		if r := c.session.Active(); r != nil {
			id = r.ID
		}
		c.emit(editorEvent{Type: "stopped", RunID: id})
		c.mu.Unlock()

	default:
		c.emit(editorEvent{Type: "error", Error: &ErrorResponse{Error: ErrCodeBadRequest, Message: "unknown message type " + msg.Type}})
	}
}

// forward relays a run's events until the run ends or is discarded.
func (c *editorConn) forward(run *sandbox.Run) {
	for ev := range run.Events() {
		c.mu.Lock()
		if run.Status() != sandbox.StatusDiscarded {
			if ev.Diagnostic != nil {
				c.emit(editorEvent{Type: "diagnostic", RunID: run.ID, Diagnostic: ev.Diagnostic})
			} else {
				c.emit(editorEvent{Type: "status", RunID: run.ID, Status: ev.Status.String()})
			}
		}
		c.mu.Unlock()
	}
}

func (c *editorConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
