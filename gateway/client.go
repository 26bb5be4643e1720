package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/caffeineduck/blockrun/internal/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodySize    = 4 << 20
)

// Client talks to a Piston v2 compatible execution backend.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.RWMutex
	languages []Language
	allowed   map[string]Language
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRateLimit paces outbound calls to rps with the given burst. Calls wait
// for a slot; nothing is retried.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient returns a client for the backend rooted at baseURL, e.g.
// https://emkc.org/api/v2/piston.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type pistonRuntime struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
	Runtime  string   `json:"runtime,omitempty"`
}

type pistonFile struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

type pistonExecuteRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
}

type pistonStage struct {
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	Code     *int    `json:"code"`
	Signal   *string `json:"signal"`
	WallTime float64 `json:"wall_time"`
	Memory   float64 `json:"memory"`
}

type pistonExecuteResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Run      pistonStage  `json:"run"`
	Compile  *pistonStage `json:"compile,omitempty"`
	Message  string       `json:"message,omitempty"`
}

type pistonError struct {
	Message string `json:"message"`
}

// ListLanguages fetches the backend's runtimes in backend order and makes
// them the allow-list for Run.
func (c *Client) ListLanguages(ctx context.Context) ([]Language, error) {
	var runtimes []pistonRuntime
	if err := c.do(ctx, "runtimes", http.MethodGet, "/runtimes", nil, &runtimes); err != nil {
		return nil, err
	}

	langs := make([]Language, 0, len(runtimes))
	allowed := make(map[string]Language, len(runtimes)*2)
	for _, rt := range runtimes {
		l := Language{
			Name:          rt.Language,
			Version:       rt.Version,
			FileExtension: fileExtension(rt.Language),
			DisplayLabel:  displayLabel(rt.Language, rt.Version),
			Aliases:       rt.Aliases,
		}
		langs = append(langs, l)

		// First listed version wins for a bare name.
		for _, key := range append([]string{l.Name}, l.Aliases...) {
			key = strings.ToLower(key)
			if _, dup := allowed[key]; !dup {
				allowed[key] = l
			}
		}
		allowed[strings.ToLower(l.Name+"@"+l.Version)] = l
	}

	c.mu.Lock()
	c.languages = langs
	c.allowed = allowed
	c.mu.Unlock()

	c.logger.Debug("fetched languages", slog.Int("count", len(langs)))
	return append([]Language(nil), langs...), nil
}

// Languages returns the allow-list from the last ListLanguages call.
func (c *Client) Languages() []Language {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Language(nil), c.languages...)
}

// Resolve maps a language identifier (name, alias, or name@version) to an
// allowed language.
func (c *Client) Resolve(language string) (Language, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := strings.ToLower(strings.TrimSpace(language))
	if l, ok := c.allowed[key]; ok {
		return l, nil
	}
	return Language{}, &ValidationError{
		Field:   "language",
		Message: fmt.Sprintf("%q is not an available language", language),
		Err:     ErrUnknownLanguage,
	}
}

// Run submits source to the backend in one attempt. Validation failures are
// returned before any network call. A program that fails is still a result.
func (c *Client) Run(ctx context.Context, language, source string) (*ExecutionResult, error) {
	if strings.TrimSpace(source) == "" {
		metrics.GatewayRejectedTotal.WithLabelValues("empty_source").Inc()
		return nil, &ValidationError{Field: "source", Message: "source must not be empty", Err: ErrEmptySource}
	}
	lang, err := c.Resolve(language)
	if err != nil {
		metrics.GatewayRejectedTotal.WithLabelValues("unknown_language").Inc()
		return nil, err
	}

	req := pistonExecuteRequest{
		Language: lang.Name,
		Version:  lang.Version,
		Files:    []pistonFile{{Name: "main." + lang.FileExtension, Content: source}},
	}
	var resp pistonExecuteResponse
	if err := c.do(ctx, "execute", http.MethodPost, "/execute", req, &resp); err != nil {
		return nil, err
	}
	if resp.Message != "" {
		metrics.GatewayRequestsTotal.WithLabelValues("execute", "transport_error").Inc()
		return nil, &TransportError{Op: "execute", StatusCode: http.StatusOK, Message: resp.Message}
	}

	result := normalize(lang, resp)
	outcome := "ok"
	if !result.Success {
		outcome = "program_failed"
	}
	metrics.GatewayRequestsTotal.WithLabelValues("execute", outcome).Inc()

	c.logger.Debug("remote run finished",
		slog.String("language", result.Language),
		slog.Int("exit_code", result.ExitCode),
		slog.String("signal", result.Signal),
		slog.Int64("time_ms", result.ExecutionTimeMs),
	)
	return result, nil
}

func normalize(lang Language, resp pistonExecuteResponse) *ExecutionResult {
	stage := resp.Run
	stageName := ""
	if resp.Compile != nil && failed(*resp.Compile) {
		stage = *resp.Compile
		stageName = "compile"
	}

	r := &ExecutionResult{
		Language:        firstNonEmpty(resp.Language, lang.Name),
		Version:         firstNonEmpty(resp.Version, lang.Version),
		Stdout:          stage.Stdout,
		Stderr:          stage.Stderr,
		ExecutionTimeMs: int64(stage.WallTime),
		MemoryKB:        int64(stage.Memory) / 1024,
		Stage:           stageName,
	}
	if stage.Signal != nil {
		r.Signal = *stage.Signal
	}
	switch {
	case stage.Code != nil:
		r.ExitCode = *stage.Code
	case r.Signal != "":
		// Killed processes have no exit status.
		r.ExitCode = -1
	}
	r.Success = r.ExitCode == 0 && r.Signal == ""
	return r
}

func failed(s pistonStage) bool {
	return (s.Code != nil && *s.Code != 0) || (s.Signal != nil && *s.Signal != "")
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// do performs one HTTP exchange. Any failure becomes a *TransportError.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	start := time.Now()
	defer func() {
		metrics.GatewayRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	fail := func(status int, msg string, err error) error {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "transport_error").Inc()
		c.logger.Warn("execution backend call failed",
			slog.String("op", op),
			slog.Int("status", status),
			slog.String("message", msg),
		)
		return &TransportError{Op: op, StatusCode: status, Message: msg, Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fail(0, err.Error(), err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fail(0, err.Error(), err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fail(0, err.Error(), err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, err.Error(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fail(resp.StatusCode, err.Error(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var perr pistonError
		if json.Unmarshal(data, &perr) == nil && perr.Message != "" {
			return fail(resp.StatusCode, perr.Message, nil)
		}
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return fail(resp.StatusCode, msg, nil)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fail(resp.StatusCode, fmt.Sprintf("decode %s response: %v", op, err), err)
	}
	if op != "execute" {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "ok").Inc()
	}
	return nil
}
