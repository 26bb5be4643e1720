// Package metrics provides Prometheus metrics for blockrun.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "blockrun"

var (
	// CompilesTotal counts workspace compilations by outcome.
	CompilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "compiles_total",
			Help:      "Total number of workspace compilations by outcome",
		},
		[]string{"outcome"}, // "ok", "empty", "error"
	)

	// CompiledNodes tracks how many blocks each successful compile visited.
	CompiledNodes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "compiled_nodes",
			Help:      "Number of blocks per compiled workspace",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// SandboxRunsTotal counts sandbox runs by terminal status.
	SandboxRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total number of sandbox runs by terminal status",
		},
		[]string{"status"}, // "completed", "faulted", "timed_out", "discarded"
	)

	// SandboxRunsActive tracks sandbox contexts currently executing.
	SandboxRunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "runs_active",
			Help:      "Number of sandbox contexts currently executing",
		},
	)

	// SandboxRunDuration tracks wall time per sandbox run.
	SandboxRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Sandbox run wall time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	// SandboxDiagnosticsTotal counts captured diagnostic entries by channel.
	SandboxDiagnosticsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "diagnostics_total",
			Help:      "Total number of diagnostic entries captured by channel",
		},
		[]string{"channel"},
	)

	// GatewayRequestsTotal counts calls to the remote execution backend.
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of remote execution backend calls by operation and outcome",
		},
		[]string{"operation", "outcome"}, // outcome: "ok", "program_failed", "transport_error"
	)

	// GatewayRequestDuration tracks backend round-trip time.
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Remote execution backend round-trip time in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// GatewayRejectedTotal counts submissions refused before any network call.
	GatewayRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rejected_total",
			Help:      "Total number of submissions rejected locally by reason",
		},
		[]string{"reason"}, // "empty_source", "unknown_language"
	)

	// HTTPRequestsTotal counts HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EditorSessionsActive tracks open editor sessions, REST and websocket alike.
	EditorSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "editor_sessions_active",
			Help:      "Number of open editor sessions",
		},
	)
)
