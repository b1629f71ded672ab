// Package metrics provides Prometheus metrics for the ex10 sandbox server.
// Exports HTTP, session lifecycle, proxy, companion channel and system
// command metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ex10"

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for the server
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Session Metrics
	SessionsActive         prometheus.Gauge
	SessionCreatesTotal    *prometheus.CounterVec
	SessionCreateDuration  prometheus.Histogram
	SessionCleanupsTotal   *prometheus.CounterVec
	SessionCleanupDuration prometheus.Histogram
	OrphansReapedTotal     prometheus.Counter

	// Port Metrics
	PortsInUse            prometheus.Gauge
	PortExhaustionsTotal  prometheus.Counter
	PortBindFailuresTotal prometheus.Counter

	// Proxy Metrics
	ProxyTargets         prometheus.Gauge
	ProxyEvictionsTotal  prometheus.Counter
	ProxyErrorsTotal     *prometheus.CounterVec
	ProxyUpgradesTotal   *prometheus.CounterVec
	ProxyUpgradesRunning prometheus.Gauge

	// Companion Channel Metrics
	CompanionClients        prometheus.Gauge
	CompanionAuthTotal      *prometheus.CounterVec
	CompanionMessagesTotal  *prometheus.CounterVec
	CompanionEvictionsTotal prometheus.Counter
	DOMRequestsTotal        *prometheus.CounterVec
	DOMRequestDuration      prometheus.Histogram

	// Code Relay Metrics
	CodeWritesTotal *prometheus.CounterVec
	CodeWriteBytes  prometheus.Histogram

	// System Command Metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// System Metrics
	BuildInfo    *prometheus.GaugeVec
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// HTTP Metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"endpoint"},
	)

	// Session Metrics
	m.SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Current number of live sandbox sessions",
		},
	)

	m.SessionCreatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "creates_total",
			Help:      "Total session creations by result and failing step",
		},
		[]string{"result", "step"},
	)

	m.SessionCreateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "create_duration_seconds",
			Help:      "Time spent provisioning a session",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	m.SessionCleanupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "cleanups_total",
			Help:      "Total session teardowns by result",
		},
		[]string{"result"},
	)

	m.SessionCleanupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "cleanup_duration_seconds",
			Help:      "Time spent tearing down a session",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	m.OrphansReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "orphans_reaped_total",
			Help:      "Total journaled sessions torn down at startup",
		},
	)

	// Port Metrics
	m.PortsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "in_use",
			Help:      "Display ports currently tracked as used",
		},
	)

	m.PortExhaustionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "exhaustions_total",
			Help:      "Allocation attempts that found no free display port",
		},
	)

	m.PortBindFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "bind_failures_total",
			Help:      "Untracked ports that failed the live bind test",
		},
	)

	// Proxy Metrics
	m.ProxyTargets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "targets",
			Help:      "Cached per-session proxy targets",
		},
	)

	m.ProxyEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "evictions_total",
			Help:      "Proxy targets dropped on session teardown",
		},
	)

	m.ProxyErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "errors_total",
			Help:      "Proxy transport errors by kind",
		},
		[]string{"kind"},
	)

	m.ProxyUpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upgrades_total",
			Help:      "WebSocket upgrade requests by outcome",
		},
		[]string{"outcome"},
	)

	m.ProxyUpgradesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upgrades_running",
			Help:      "Currently spliced WebSocket connections",
		},
	)

	// Companion Channel Metrics
	m.CompanionClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "companion",
			Name:      "clients",
			Help:      "Authenticated companion extension connections",
		},
	)

	m.CompanionAuthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "companion",
			Name:      "auth_total",
			Help:      "Companion authentication attempts by result",
		},
		[]string{"result"},
	)

	m.CompanionMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "companion",
			Name:      "messages_total",
			Help:      "Companion messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	m.CompanionEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "companion",
			Name:      "evictions_total",
			Help:      "Companion clients closed by the staleness sweep",
		},
	)

	m.DOMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "companion",
			Name:      "dom_requests_total",
			Help:      "DOM snapshot requests by result",
		},
		[]string{"result"},
	)

	m.DOMRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "companion",
			Name:      "dom_request_duration_seconds",
			Help:      "Round trip time of DOM snapshot requests",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Code Relay Metrics
	m.CodeWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "writes_total",
			Help:      "Files relayed into sandboxes by result",
		},
		[]string{"result"},
	)

	m.CodeWriteBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "write_bytes",
			Help:      "Size of relayed files",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
	)

	// System Command Metrics
	m.CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "commands_total",
			Help:      "Host commands run by binary and result",
		},
		[]string{"command", "result"},
	)

	m.CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "command_duration_seconds",
			Help:      "Host command duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"command"},
	)

	// System Metrics
	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "startup_time_seconds",
			Help:      "Unix timestamp of server startup",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// Set startup time
	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordSessionCreate records a finished creation attempt. step is empty on success.
func (m *Metrics) RecordSessionCreate(step string, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	if step == "" {
		step = "none"
	}
	m.SessionCreatesTotal.WithLabelValues(result, step).Inc()
	m.SessionCreateDuration.Observe(duration.Seconds())
}

// RecordSessionCleanup records a finished teardown.
func (m *Metrics) RecordSessionCleanup(clean bool, duration time.Duration) {
	result := "clean"
	if !clean {
		result = "partial"
	}
	m.SessionCleanupsTotal.WithLabelValues(result).Inc()
	m.SessionCleanupDuration.Observe(duration.Seconds())
}

// RecordCommand records a host command execution
func (m *Metrics) RecordCommand(command string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CommandsTotal.WithLabelValues(command, result).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordDOMRequest records a DOM snapshot request
func (m *Metrics) RecordDOMRequest(result string, duration time.Duration) {
	m.DOMRequestsTotal.WithLabelValues(result).Inc()
	m.DOMRequestDuration.Observe(duration.Seconds())
}

// RecordCodeWrite records a relayed file write
func (m *Metrics) RecordCodeWrite(result string, size int) {
	m.CodeWritesTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.CodeWriteBytes.Observe(float64(size))
	}
}

// RecordCompanionMessage records a companion message
func (m *Metrics) RecordCompanionMessage(msgType, direction string) {
	m.CompanionMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// SetBuildInfo sets build information
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.BuildInfo.WithLabelValues(version, commit).Set(1)
}

// Helper function to convert status code to label
func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
