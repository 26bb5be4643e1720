package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/caffeineduck/blockrun/block"
	"github.com/caffeineduck/blockrun/gateway"
	"github.com/caffeineduck/blockrun/generator"
	"github.com/caffeineduck/blockrun/internal/tracing"
	"github.com/caffeineduck/blockrun/project"
	"github.com/caffeineduck/blockrun/sandbox"
)

var errUnavailable = errors.New("not configured")

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.count(),
	})
}

// --- Compile and sandbox ---

// programRequest names what to run: a workspace document (JSON or YAML) or
// plain JavaScript source. A workspace wins when both are given.
type programRequest struct {
	Workspace     json.RawMessage `json:"workspace,omitempty"`
	WorkspaceYAML string          `json:"workspace_yaml,omitempty"`
	Source        string          `json:"source,omitempty"`
	Timeout       string          `json:"timeout,omitempty"`
}

type compileResponse struct {
	Source    string   `json:"source"`
	Roots     int      `json:"roots"`
	Nodes     int      `json:"nodes"`
	Variables []string `json:"variables"`
}

func newCompileResponse(script *generator.Script) compileResponse {
	vars := script.Variables
	if vars == nil {
		vars = []string{}
	}
	return compileResponse{
		Source:    script.Source,
		Roots:     script.Roots,
		Nodes:     script.Nodes,
		Variables: vars,
	}
}

type runResponse struct {
	Status      sandbox.Status       `json:"status"`
	Diagnostics []sandbox.Diagnostic `json:"diagnostics"`
	DurationMs  int64                `json:"duration_ms"`
	Error       string               `json:"error,omitempty"`
	Source      string               `json:"source,omitempty"`
}

func newRunResponse(res sandbox.Result, source string) runResponse {
	resp := runResponse{
		Status:      res.Status,
		Diagnostics: res.Diagnostics,
		DurationMs:  res.Duration.Milliseconds(),
		Source:      source,
	}
	if resp.Diagnostics == nil {
		resp.Diagnostics = []sandbox.Diagnostic{}
	}
	if res.Error != nil {
		resp.Error = res.Error.Error()
	}
	return resp
}

func hasJSON(raw json.RawMessage) bool {
	v := strings.TrimSpace(string(raw))
	return v != "" && v != "null"
}

// program resolves a request to JavaScript. script is nil for raw source.
func (s *Server) program(req programRequest) (string, *generator.Script, error) {
	var ws *block.Workspace
	var err error
	switch {
	case hasJSON(req.Workspace):
		ws, err = block.Load(req.Workspace)
	case req.WorkspaceYAML != "":
		ws, err = block.LoadYAML([]byte(req.WorkspaceYAML))
	case strings.TrimSpace(req.Source) != "":
		return req.Source, nil, nil
	default:
		return "", nil, generator.ErrNothingToRun
	}
	if err != nil {
		return "", nil, err
	}

	script, err := generator.Compile(ws, s.compileOptions()...)
	if err != nil {
		return "", nil, err
	}
	return script.Source, script, nil
}

// runTimeout parses a per-request timeout. Requests may shorten the
// configured limit but never extend it.
func (s *Server) runTimeout(raw string) (time.Duration, error) {
	limit := s.cfg.Sandbox.Timeout
	if raw == "" {
		return limit, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	if d > limit {
		d = limit
	}
	return d, nil
}

// Compile handles POST /api/v1/compile.
func (s *Server) Compile(w http.ResponseWriter, r *http.Request) {
	var req programRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !hasJSON(req.Workspace) && req.WorkspaceYAML == "" {
		s.badRequest(w, r, "workspace is required")
		return
	}

	_, script, err := s.program(req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, newCompileResponse(script))
}

// SandboxRun handles POST /api/v1/sandbox/run. It blocks until the program
// finishes and returns every diagnostic. Program failures are a normal
// response with status faulted or timed_out.
func (s *Server) SandboxRun(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		s.unavailable(w, r, "sandbox")
		return
	}

	var req programRequest
	if !s.decode(w, r, &req) {
		return
	}
	timeout, err := s.runTimeout(req.Timeout)
	if err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	source, _, err := s.program(req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, span := tracing.Start(r.Context(), "sandbox.run")
	res := s.exec.Run(ctx, s.lang, source, sandbox.WithTimeout(timeout))
	span.SetAttributes(
		attribute.String("sandbox.status", res.Status.String()),
		attribute.Int("sandbox.diagnostics", len(res.Diagnostics)),
	)
	span.End()

	s.respondJSON(w, http.StatusOK, newRunResponse(res, source))
}

// --- Remote execution ---

// ListLanguages handles GET /api/v1/languages. It refreshes the allow-list
// from the backend.
func (s *Server) ListLanguages(w http.ResponseWriter, r *http.Request) {
	if s.gw == nil {
		s.unavailable(w, r, "execution gateway")
		return
	}
	langs, err := s.gw.ListLanguages(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"languages": langs})
}

type executeRequest struct {
	Language string `json:"language"`
	Source   string `json:"source"`
}

type executeResponse struct {
	Result *gateway.ExecutionResult `json:"result"`
	View   gateway.View             `json:"view"`
}

// Execute handles POST /api/v1/execute. A program that fails still answers
// 200; only rejected or undeliverable submissions are errors. Error bodies
// carry the rendered view under details.view.
func (s *Server) Execute(w http.ResponseWriter, r *http.Request) {
	if s.gw == nil {
		s.unavailable(w, r, "execution gateway")
		return
	}
	var req executeRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx, span := tracing.Start(r.Context(), "gateway.execute",
		attribute.String("gateway.language", req.Language),
	)
	defer span.End()

	res, err := s.gw.Run(ctx, req.Language, req.Source)
	if err != nil {
		span.RecordError(err)
		status, code, details := classify(err)
		if details == nil {
			details = map[string]any{}
		}
		details["view"] = gateway.RenderError(err)
		writeErrorResponse(w, r, status, code, err.Error(), details)
		return
	}
	span.SetAttributes(attribute.Bool("gateway.success", res.Success))
	s.respondJSON(w, http.StatusOK, executeResponse{Result: res, View: gateway.Render(res)})
}

// --- Projects ---

type projectRequest struct {
	Name   string          `json:"name"`
	Forest json.RawMessage `json:"forest"`
}

// CreateProject handles POST /api/v1/projects.
func (s *Server) CreateProject(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.unavailable(w, r, "project store")
		return
	}
	var req projectRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.store.Create(r.Context(), req.Name, req.Forest)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// ListProjects handles GET /api/v1/projects.
func (s *Server) ListProjects(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.unavailable(w, r, "project store")
		return
	}
	list, err := s.store.List(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []project.Summary{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"projects": list})
}

// GetProject handles GET /api/v1/projects/{id}.
func (s *Server) GetProject(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.unavailable(w, r, "project store")
		return
	}
	p, err := s.store.Read(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

// UpdateProject handles PUT /api/v1/projects/{id}.
func (s *Server) UpdateProject(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.unavailable(w, r, "project store")
		return
	}
	var req projectRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.store.Update(r.Context(), id, req.Name, req.Forest); err != nil {
		s.respondError(w, r, err)
		return
	}
	p, err := s.store.Read(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

// DeleteProject handles DELETE /api/v1/projects/{id}.
func (s *Server) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.unavailable(w, r, "project store")
		return
	}
	if err := s.store.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompileProject handles POST /api/v1/projects/{id}/compile.
func (s *Server) CompileProject(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.unavailable(w, r, "project store")
		return
	}
	p, err := s.store.Read(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	_, script, err := s.program(programRequest{Workspace: p.Forest})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, newCompileResponse(script))
}

func (s *Server) unavailable(w http.ResponseWriter, r *http.Request, what string) {
	writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail,
		fmt.Sprintf("%s %v", what, errUnavailable), nil)
}
