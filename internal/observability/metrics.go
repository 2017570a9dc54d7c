package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for KI2GO.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	PromptTruncations prometheus.Counter

	// Ledger metrics.
	LedgerDecisionsTotal *prometheus.CounterVec
	CostMicrosTotal      *prometheus.CounterVec

	// Catalog and reaper metrics.
	TemplatesPublishedTotal *prometheus.CounterVec
	ReaperClosedTotal       prometheus.Counter

	// HTTP adapter metrics.
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

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ki2go",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ki2go",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ki2go",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ki2go",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Task executions by resolution source and outcome.",
		}, []string{"source", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ki2go",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of task executions in seconds.",
			Buckets:   []float64{0.05, 0.25, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"source"}),

		PromptTruncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ki2go",
			Subsystem: "engine",
			Name:      "prompt_truncations_total",
			Help:      "Executions whose document text was truncated.",
		}),

		LedgerDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ki2go",
			Subsystem: "ledger",
			Name:      "decisions_total",
			Help:      "Credit authorization decisions.",
		}, []string{"result"}),

		CostMicrosTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ki2go",
			Subsystem: "ledger",
			Name:      "cost_micros_total",
			Help:      "Recorded execution cost in micro-units of currency.",
		}, []string{"source"}),

		TemplatesPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ki2go",
			Subsystem: "catalog",
			Name:      "templates_published_total",
			Help:      "Template publish attempts by result.",
		}, []string{"result"}),

		ReaperClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ki2go",
			Subsystem: "reaper",
			Name:      "closed_total",
			Help:      "Pending records closed as abandoned.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ki2go",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ki2go",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ki2go",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.PromptTruncations,
		m.LedgerDecisionsTotal,
		m.CostMicrosTotal,
		m.TemplatesPublishedTotal,
		m.ReaperClosedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordExecution counts a closed execution. Nil-safe.
func (m *MetricsCollector) RecordExecution(source, outcome string, d time.Duration, truncated bool) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unresolved"
	}
	m.ExecutionsTotal.WithLabelValues(source, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(source).Observe(d.Seconds())
	if truncated {
		m.PromptTruncations.Inc()
	}
}

// RecordLedgerDecision counts an authorize result. Nil-safe.
func (m *MetricsCollector) RecordLedgerDecision(result string) {
	if m == nil {
		return
	}
	m.LedgerDecisionsTotal.WithLabelValues(result).Inc()
}

// RecordCost adds committed cost. Nil-safe.
func (m *MetricsCollector) RecordCost(source string, micros int64) {
	if m == nil || micros <= 0 {
		return
	}
	m.CostMicrosTotal.WithLabelValues(source).Add(float64(micros))
}

// RecordPublish counts a catalog publish result. Nil-safe.
func (m *MetricsCollector) RecordPublish(result string) {
	if m == nil {
		return
	}
	m.TemplatesPublishedTotal.WithLabelValues(result).Inc()
}

// RecordReaped counts abandoned records closed by the reaper. Nil-safe.
func (m *MetricsCollector) RecordReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReaperClosedTotal.Add(float64(n))
}
