package sandbox

import (
	"log/slog"
	"time"
)

// DefaultTimeout bounds a run when no WithTimeout option is given.
const DefaultTimeout = 5 * time.Second

// Option configures a single run.
type Option func(*runConfig)

type runConfig struct {
	timeout time.Duration
	handler func(Diagnostic)
}

func defaultRunConfig() runConfig {
	return runConfig{
		timeout: DefaultTimeout,
	}
}

// WithTimeout sets the wall-time limit. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithDiagnosticHandler streams each diagnostic as it is decoded, in
// emission order, on the run's goroutine. The handler must not block for long:
// the sandboxed program waits while it runs.
func WithDiagnosticHandler(fn func(Diagnostic)) Option {
	return func(c *runConfig) {
		c.handler = fn
	}
}

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	precompile       []Language
	memoryLimitPages uint32 // each page = 64KB, 0 = wazero default (4GB)
	logger           *slog.Logger
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		memoryLimitPages: MemoryLimit64MB,
	}
}

// WithDiskCache enables a persistent compilation cache for faster CLI startup.
// Without a directory it uses XDG_CACHE_HOME/blockrun or ~/.cache/blockrun.
func WithDiskCache(dir ...string) ExecutorOption {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithPrecompile compiles the given languages when the Executor is created,
// moving compilation cost to startup.
func WithPrecompile(langs ...Language) ExecutorOption {
	return func(c *executorConfig) {
		c.precompile = langs
	}
}

// WithMemoryLimit caps the memory of each sandboxed module, in 64KB pages.
// Zero lifts the limit.
func WithMemoryLimit(pages uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// WithLogger sets the logger used for run lifecycle events.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(c *executorConfig) {
		c.logger = l
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
)
