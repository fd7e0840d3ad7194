package engine

// Metric names emitted through MetricsSink.
const (
	MetricMissingHeaders        = "missing_headers"
	MetricInvalidTenant         = "invalid_tenant"
	MetricInvalidTimestamp      = "invalid_timestamp"
	MetricDuplicateRequest      = "duplicate_requests"
	MetricInvalidSignature      = "invalid_signature"
	MetricRateLimited           = "rate_limited"
	MetricLocked                = "locked_requests"
	MetricLockoutsCreated       = "lockouts_created"
	MetricUpstreamUnavailable   = "upstream_unavailable"
	MetricRateLimitFailOpen     = "rate_limit_fail_open"
	MetricSecretCacheHits       = "secret_cache_hits"
	MetricSecretCacheMisses     = "secret_cache_misses"
	MetricValidationDuration    = "validation_duration_ms"
	MetricSuccessfulValidations = "successful_validations"
	MetricDecisions             = "decisions"
)

// MetricsSink receives metric observations. Emit must not block.
type MetricsSink interface {
	Emit(name string, value float64, dims map[string]string)
}

type nopSink struct{}

func (nopSink) Emit(string, float64, map[string]string) {}
