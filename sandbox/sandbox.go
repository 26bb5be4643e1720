package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/caffeineduck/blockrun/internal/metrics"
)

// ErrExecutorClosed is returned for runs started after Close.
var ErrExecutorClosed = errors.New("executor closed")

// maxStderr bounds the interpreter's own error output kept per run.
const maxStderr = 64 << 10

// Executor manages the WASM runtime and compiled interpreter modules. One
// Executor serves any number of runs; each run gets a fresh module instance.
type Executor struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]wazero.CompiledModule
	logger   *slog.Logger
	mu       sync.RWMutex
	closed   bool
}

// New creates an Executor.
func New(opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	// Closing on context done is what makes timeouts and session discards
	// hard: the module is destroyed mid-instruction.
	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}

	e := &Executor{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]wazero.CompiledModule),
		logger:   logger,
	}

	for _, lang := range cfg.precompile {
		if _, err := e.getCompiled(ctx, lang); err != nil {
			e.Close()
			return nil, fmt.Errorf("precompile %s: %w", lang.Name(), err)
		}
	}

	return e, nil
}

// Run executes code in a fresh context and blocks until it finishes, faults,
// times out, or ctx is cancelled.
func (e *Executor) Run(ctx context.Context, lang Language, code string, opts ...Option) Result {
	start := time.Now()

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	compiled, err := e.getCompiled(ctx, lang)
	if err != nil {
		return e.finish(Result{Status: StatusFaulted, Error: err, Duration: time.Since(start)})
	}

	var diags []Diagnostic
	protocol := newProtocolHandler(func(d Diagnostic) {
		diags = append(diags, d)
		if cfg.handler != nil {
			cfg.handler(d)
		}
	})
	stderr := &limitedBuffer{max: maxStderr}

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(protocol).
		WithStderr(stderr).
		WithArgs(lang.Args(lang.WrapCode(code))...).
		WithName("")

	metrics.SandboxRunsActive.Inc()
	mod, err := e.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	metrics.SandboxRunsActive.Dec()
	if mod != nil {
		mod.Close(context.Background())
	}
	protocol.Flush()

	result := Result{Duration: time.Since(start)}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Status = StatusTimedOut
		result.Error = fmt.Errorf("%w after %v", ErrTimeout, cfg.timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		result.Status = StatusDiscarded
		result.Error = ctx.Err()
	default:
		if msg, ok := protocol.Fault(); ok {
			result.Status = StatusFaulted
			result.Error = &RuntimeError{Message: msg}
		} else if err != nil && !cleanExit(err) {
			// The interpreter died without reaching the prelude's handler.
			msg := crashMessage(stderr.String(), err)
			protocol.report(ChannelError, msg)
			result.Status = StatusFaulted
			result.Error = &RuntimeError{Message: msg}
		} else {
			result.Status = StatusCompleted
		}
	}
	result.Diagnostics = diags

	return e.finish(result)
}

func (e *Executor) finish(r Result) Result {
	metrics.SandboxRunsTotal.WithLabelValues(r.Status.String()).Inc()
	metrics.SandboxRunDuration.WithLabelValues(r.Status.String()).Observe(r.Duration.Seconds())
	for _, d := range r.Diagnostics {
		metrics.SandboxDiagnosticsTotal.WithLabelValues(string(d.Channel)).Inc()
	}

	e.logger.Debug("sandbox run finished",
		slog.String("status", r.Status.String()),
		slog.Int("diagnostics", len(r.Diagnostics)),
		slog.Duration("duration", r.Duration),
	)
	return r
}

// crashMessage labels an interpreter crash with the first line of its cause.
// The wasm stack trace that follows is of no use to the program's author.
func crashMessage(stderr string, err error) string {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if i := strings.Index(msg, "wasm error: "); i >= 0 {
		msg = msg[i:]
	}
	return "program crashed: " + strings.TrimSpace(msg)
}

func cleanExit(err error) bool {
	var exitErr *sys.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 0
}

// getCompiled returns a cached compiled module, compiling if necessary.
func (e *Executor) getCompiled(ctx context.Context, lang Language) (wazero.CompiledModule, error) {
	name := lang.Name()

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrExecutorClosed
	}
	if compiled, ok := e.compiled[name]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrExecutorClosed
	}
	if compiled, ok := e.compiled[name]; ok {
		return compiled, nil
	}

	compiled, err := e.runtime.CompileModule(ctx, lang.Module())
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	e.compiled[name] = compiled
	return compiled, nil
}

// Close releases all resources held by the Executor. Runs still executing
// are terminated.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	ctx := context.Background()

	var errs []error
	if err := e.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "blockrun")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "blockrun")
	}
	return filepath.Join(os.TempDir(), "blockrun-cache")
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
