// Package metrics exposes Prometheus collectors for the clip progress
// service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	progressEventsTotal        *prometheus.CounterVec
	progressConnsActive        prometheus.Gauge
	snapshotFallbackTotal      prometheus.Counter
	retryAttemptsTotal         *prometheus.CounterVec
	retryRecoveriesTotal       prometheus.Counter
	queuedOperationsDepth      prometheus.Gauge
	queuedOutcomesTotal        *prometheus.CounterVec
	estimatorSessionsActive    prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		progressEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipworks_progress_events_total",
				Help: "Total progress events published, labeled by kind and delivery path.",
			},
			[]string{"kind", "path"},
		)

		progressConnsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipworks_progress_connections_active",
				Help: "Number of live push connections across all owners.",
			},
		)

		snapshotFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "clipworks_snapshot_fallback_total",
				Help: "Total events written to the last-value store because no connection was live.",
			},
		)

		retryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipworks_retry_attempts_total",
				Help: "Total persistence attempts, labeled by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		)

		retryRecoveriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "clipworks_retry_recoveries_total",
				Help: "Total operations that succeeded after at least one failed attempt.",
			},
		)

		queuedOperationsDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipworks_queued_operations",
				Help: "Operations currently waiting for background replay.",
			},
		)

		queuedOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipworks_queued_operation_outcomes_total",
				Help: "Terminal outcomes of queued operations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		estimatorSessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipworks_estimator_sessions_active",
				Help: "Estimator sessions currently tracked.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePublish counts a published progress event. Path is "live" or
// "snapshot".
func ObservePublish(kind, path string) {
	Init()
	progressEventsTotal.WithLabelValues(kind, path).Inc()
	if path == "snapshot" {
		snapshotFallbackTotal.Inc()
	}
}

// IncActiveConnections increments the live connection gauge.
func IncActiveConnections() {
	Init()
	progressConnsActive.Inc()
}

// DecActiveConnections decrements the live connection gauge.
func DecActiveConnections() {
	Init()
	progressConnsActive.Dec()
}

// ObserveAttempt counts one persistence attempt for the given operation.
// Outcome is "success", "retryable" or "permanent".
func ObserveAttempt(operation, outcome string) {
	Init()
	retryAttemptsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveRecovery counts an operation that succeeded after retries.
func ObserveRecovery() {
	Init()
	retryRecoveriesTotal.Inc()
}

// SetQueueDepth records the current replay queue size.
func SetQueueDepth(n int) {
	Init()
	queuedOperationsDepth.Set(float64(n))
}

// ObserveQueuedOutcome counts a queued operation leaving the queue:
// "replayed", "dropped", "expired" or "evicted".
func ObserveQueuedOutcome(outcome string) {
	Init()
	queuedOutcomesTotal.WithLabelValues(outcome).Inc()
}

// SetEstimatorSessions records the number of tracked estimator sessions.
func SetEstimatorSessions(n int) {
	Init()
	estimatorSessionsActive.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
