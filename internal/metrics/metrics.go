package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// GateDecisions counts gate outcomes by tool and rejection reason
	GateDecisions *prometheus.CounterVec
	// QuotaUtilization tracks daily quota usage percentage by user and tier
	QuotaUtilization *prometheus.GaugeVec
	// RateLimitHits counts sliding-window rejections by route
	RateLimitHits *prometheus.CounterVec
	// TrackingOutcomes counts usage recorder outcomes
	TrackingOutcomes *prometheus.CounterVec
	// NotificationResults counts notification attempts by phase and result
	NotificationResults *prometheus.CounterVec
	// ConcurrentUploads tracks current concurrent uploads per user
	ConcurrentUploads *prometheus.GaugeVec
	// CleanupDeletions counts rows removed by retention cleanup per table
	CleanupDeletions *prometheus.CounterVec
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Total number of gate decisions",
			},
			[]string{"tool", "outcome"},
		),
		QuotaUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_utilization_percent",
				Help:      "Daily quota utilization percentage",
			},
			[]string{"user_id", "tier"},
		),
		RateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Total number of sliding-window rate limit rejections",
			},
			[]string{"route"},
		),
		TrackingOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tracking_outcomes_total",
				Help:      "Total number of usage recorder outcomes",
			},
			[]string{"outcome"},
		),
		NotificationResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_results_total",
				Help:      "Total number of usage-limit notification attempts",
			},
			[]string{"phase", "result"},
		),
		ConcurrentUploads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "concurrent_uploads",
				Help:      "Current number of concurrent uploads",
			},
			[]string{"user_id"},
		),
		CleanupDeletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_deletions_total",
				Help:      "Total number of rows removed by retention cleanup",
			},
			[]string{"table"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
	}

	// Register metrics with custom registry
	registry.MustRegister(
		m.GateDecisions,
		m.QuotaUtilization,
		m.RateLimitHits,
		m.TrackingOutcomes,
		m.NotificationResults,
		m.ConcurrentUploads,
		m.CleanupDeletions,
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordGateDecision records a gate outcome for a tool. Outcome is "passed"
// or a rejection reason (quota, file_size, storage, rate_limit, concurrency).
func (m *Metrics) RecordGateDecision(tool, outcome string) {
	m.GateDecisions.WithLabelValues(tool, outcome).Inc()
}

// RecordQuotaUtilization records daily quota utilization for a user
func (m *Metrics) RecordQuotaUtilization(userID, tier string, percent float64) {
	m.QuotaUtilization.WithLabelValues(userID, tier).Set(percent)
}

// RecordRateLimitHit records a sliding-window rejection
func (m *Metrics) RecordRateLimitHit(route string) {
	m.RateLimitHits.WithLabelValues(route).Inc()
}

// RecordTrackingOutcome records a usage recorder outcome ("recorded",
// "recorded_failure", "skipped", "error")
func (m *Metrics) RecordTrackingOutcome(outcome string) {
	m.TrackingOutcomes.WithLabelValues(outcome).Inc()
}

// RecordNotificationResult records a notification attempt
func (m *Metrics) RecordNotificationResult(phase, result string) {
	m.NotificationResults.WithLabelValues(phase, result).Inc()
}

// SetConcurrentUploads sets the concurrent upload gauge for a user
func (m *Metrics) SetConcurrentUploads(userID string, count int64) {
	m.ConcurrentUploads.WithLabelValues(userID).Set(float64(count))
}

// RecordCleanupDeletions records rows removed by retention cleanup
func (m *Metrics) RecordCleanupDeletions(table string, count int64) {
	m.CleanupDeletions.WithLabelValues(table).Add(float64(count))
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}
