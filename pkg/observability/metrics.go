package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "u2mcp_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "u2mcp_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// MCP metrics
	mcpToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "u2mcp_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	mcpToolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "u2mcp_mcp_tool_call_duration_seconds",
			Help:    "MCP tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Backend session metrics
	backendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "u2mcp_backend_calls_total",
			Help: "Total number of calls made on the backend session",
		},
		[]string{"op", "status"},
	)

	backendCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "u2mcp_backend_call_duration_seconds",
			Help:    "Backend call duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	sessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "u2mcp_session_state",
			Help: "Backend session state (0 disconnected, 1 connecting, 2 connected, 3 failed)",
		},
	)

	reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "u2mcp_session_connects_total",
			Help: "Connect attempts against the backend",
		},
		[]string{"result"},
	)

	guardDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "u2mcp_guard_denials_total",
			Help: "Commands refused by the safety policy",
		},
		[]string{"reason"},
	)

	transactionsLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "u2mcp_transactions_lost_total",
			Help: "Open transactions dropped by a reconnect or disconnect",
		},
	)

	// Watchdog metrics
	watchdogChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "u2mcp_watchdog_checks_total",
			Help: "Watchdog probe outcomes",
		},
		[]string{"result"},
	)

	watchdogResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "u2mcp_watchdog_forced_disconnects_total",
			Help: "Disconnects forced by the watchdog",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			mcpToolCallsTotal,
			mcpToolCallDuration,
			backendCallsTotal,
			backendCallDuration,
			sessionState,
			reconnectsTotal,
			guardDenialsTotal,
			transactionsLostTotal,
			watchdogChecksTotal,
			watchdogResetsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMCPToolCall records MCP tool call metrics
func RecordMCPToolCall(tool, status string, duration time.Duration) {
	mcpToolCallsTotal.WithLabelValues(tool, status).Inc()
	mcpToolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordBackendCall records one driver call. status is "ok" or an error kind.
func RecordBackendCall(op, status string, duration time.Duration) {
	backendCallsTotal.WithLabelValues(op, status).Inc()
	backendCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetSessionState publishes the numeric session state.
func SetSessionState(state int) {
	sessionState.Set(float64(state))
}

// RecordConnect counts a connect attempt; result is "ok" or "failed".
func RecordConnect(result string) {
	reconnectsTotal.WithLabelValues(result).Inc()
}

// RecordGuardDenial counts a refused command.
func RecordGuardDenial(reason string) {
	guardDenialsTotal.WithLabelValues(reason).Inc()
}

// RecordTransactionLost counts a transaction dropped by a session reset.
func RecordTransactionLost() {
	transactionsLostTotal.Inc()
}

// RecordWatchdogCheck counts a probe; result is "ok", "failed" or "skipped".
func RecordWatchdogCheck(result string) {
	watchdogChecksTotal.WithLabelValues(result).Inc()
}

// RecordWatchdogReset counts a forced disconnect.
func RecordWatchdogReset() {
	watchdogResetsTotal.Inc()
}
