// Package api exposes the block compiler, the sandbox, the remote execution
// gateway and the project store over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/caffeineduck/blockrun/gateway"
	"github.com/caffeineduck/blockrun/generator"
	"github.com/caffeineduck/blockrun/internal/config"
	"github.com/caffeineduck/blockrun/project"
	"github.com/caffeineduck/blockrun/sandbox"
)

// Deps holds everything the handlers need.
type Deps struct {
	Executor *sandbox.Executor
	Language sandbox.Language
	Gateway  *gateway.Client
	Store    project.Store
	Config   *config.Config
	Logger   *slog.Logger
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	router *mux.Router

	exec     *sandbox.Executor
	lang     sandbox.Language
	gw       *gateway.Client
	store    project.Store
	cfg      *config.Config
	logger   *slog.Logger
	sessions *sessionManager
	upgrader websocket.Upgrader

	// Session runs outlive the request that started them.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer creates a Server and its routes.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Config == nil {
		d.Config = config.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		router:   mux.NewRouter(),
		exec:     d.Executor,
		lang:     d.Language,
		gw:       d.Gateway,
		store:    d.Store,
		cfg:      d.Config,
		logger:   d.Logger,
		sessions: newSessionManager(15*time.Minute, d.Logger),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.Health).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/compile", s.Compile).Methods("POST")
	api.HandleFunc("/sandbox/run", s.SandboxRun).Methods("POST")

	api.HandleFunc("/sessions", s.CreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.DeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/runs", s.StartSessionRun).Methods("POST")
	api.HandleFunc("/sessions/{id}/stop", s.StopSessionRun).Methods("POST")
	api.HandleFunc("/sessions/{id}/events", s.StreamSessionEvents).Methods("GET")
	api.HandleFunc("/editor", s.Editor).Methods("GET")

	api.HandleFunc("/languages", s.ListLanguages).Methods("GET")
	api.HandleFunc("/execute", s.Execute).Methods("POST")

	api.HandleFunc("/projects", s.CreateProject).Methods("POST")
	api.HandleFunc("/projects", s.ListProjects).Methods("GET")
	api.HandleFunc("/projects/{id}", s.GetProject).Methods("GET")
	api.HandleFunc("/projects/{id}", s.UpdateProject).Methods("PUT")
	api.HandleFunc("/projects/{id}", s.DeleteProject).Methods("DELETE")
	api.HandleFunc("/projects/{id}/compile", s.CompileProject).Methods("POST")

	s.router.Use(s.LoggingMiddleware)
	s.router.Use(s.RecoveryMiddleware)
}

// Handler returns the router wrapped in CORS and, when enabled, tracing.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if len(s.cfg.Server.CORSOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.cfg.Server.CORSOrigins),
			handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
			handlers.ExposedHeaders([]string{"X-Request-ID"}),
		)(h)
	}
	if s.cfg.Tracing.Enabled {
		h = otelhttp.NewHandler(h, "blockrun",
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
	}
	return h
}

// Close ends every session and stops their runs.
func (s *Server) Close() {
	s.sessions.closeAll()
	s.cancel()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.Server.CORSOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.Server.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	s.logger.Warn("websocket origin rejected", slog.String("origin", origin))
	return false
}

func (s *Server) compileOptions() []generator.Option {
	return []generator.Option{
		generator.WithLoopLimit(s.cfg.Generator.LoopLimit),
		generator.WithIndent(s.cfg.Generator.Indent),
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// respondError classifies err and writes the error envelope. Server-side
// failures are logged; client errors are not.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, details := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "status", status, "path", r.URL.Path)
	}
	writeErrorResponse(w, r, status, code, err.Error(), details)
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, message, nil)
}

// decode reads a JSON body capped at the configured size.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if s.cfg.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.badRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}
