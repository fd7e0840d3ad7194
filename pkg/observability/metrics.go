// Package observability provides Prometheus metrics, a non-blocking
// metrics sink for the decision engine, and HTTP middleware for
// monitoring the gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

// AuthBuckets covers authorization latencies from 1ms to 2.5s. The upper
// end matches the store call timeout.
var AuthBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

var (
	// RequestsTotal counts HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: AuthBuckets,
		},
		[]string{"method", "route"},
	)

	// DecisionsTotal counts authorization decisions by outcome and internal reason.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_decisions_total",
			Help: "Authorization decisions",
		},
		[]string{"outcome", "reason"},
	)

	// ValidationDuration records time spent evaluating one request.
	ValidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_validation_duration_seconds",
			Help:    "Authorization decision latency",
			Buckets: AuthBuckets,
		},
	)

	// SecretCacheTotal counts secret cache lookups by result (hit/miss).
	SecretCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_secret_cache_requests_total",
			Help: "Secret cache lookups",
		},
		[]string{"result"},
	)

	// RateLimitedTotal counts rate-limit denials by scope and window.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Rate limit rejections",
		},
		[]string{"scope", "window"},
	)

	// LockoutsCreatedTotal counts lockouts by scope kind.
	LockoutsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_lockouts_created_total",
			Help: "Lockouts created",
		},
		[]string{"scope"},
	)

	// EventsTotal counts the remaining engine events (missing headers,
	// invalid timestamps, upstream failures, ...) with their cause.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Authorization events",
		},
		[]string{"event", "detail"},
	)

	// MetricsDroppedTotal counts observations dropped because the sink
	// buffer was full.
	MetricsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_metrics_dropped_total",
			Help: "Metric observations dropped by the async sink",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		DecisionsTotal,
		ValidationDuration,
		SecretCacheTotal,
		RateLimitedTotal,
		LockoutsCreatedTotal,
		EventsTotal,
		MetricsDroppedTotal,
	)
}
