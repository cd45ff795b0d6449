package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds the hermes_* metric families on a private registry,
// alongside the Go runtime and process collectors.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Fetch pipeline metrics.
	FetchRequestsTotal *prometheus.CounterVec
	FetchDuration      *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxRunsTotal   *prometheus.CounterVec
	SandboxRunDuration *prometheus.HistogramVec

	// Execution strategy metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Rate limiter metrics.
	RateLimitDecisions *prometheus.CounterVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		FetchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Total logical fetches, by method and outcome (ok, http_error or the error kind).",
		}, []string{"method", "outcome"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hermes",
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Fetch duration in seconds, including retries and backoff.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"method"}),

		SandboxRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total sandbox container runs.",
		}, []string{"tool", "status"}),

		SandboxRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hermes",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Sandbox run duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"tool"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "execution_total",
			Help:      "Total tool executions, by strategy and status.",
		}, []string{"strategy", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hermes",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"strategy"}),

		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limiter decisions, by resource family and decision.",
		}, []string{"resource", "decision"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hermes",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hermes",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(
		m.FetchRequestsTotal,
		m.FetchDuration,
		m.SandboxRunsTotal,
		m.SandboxRunDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.RateLimitDecisions,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordRateDecision counts one limiter decision. Only the resource family
// (the part before ':') is used as a label to bound cardinality.
func (m *MetricsCollector) RecordRateDecision(resource, decision string) {
	if m == nil {
		return
	}
	family, _, _ := strings.Cut(resource, ":")
	m.RateLimitDecisions.WithLabelValues(family, decision).Inc()
}
