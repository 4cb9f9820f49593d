package sambung

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the call lifecycle and
// every resilience interceptor. A nil collector is valid and records
// nothing. It is safe for concurrent use.
type MetricsCollector struct {
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	callsInFlight *prometheus.GaugeVec

	retriesTotal        *prometheus.CounterVec
	retryBudgetExceeded *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	rateLimiterTokens *prometheus.GaugeVec
	rateLimiterQueue  *prometheus.GaugeVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheSize      *prometheus.GaugeVec

	batchSize *prometheus.HistogramVec

	timeoutsTotal *prometheus.CounterVec

	deduplicationHits *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	buildInfo *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sambung_calls_total",
				Help: "Total number of remote calls made",
			},
			[]string{"service", "operation", "outcome"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sambung_call_duration_seconds",
				Help:    "Duration of remote calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "operation", "outcome"},
		),
		callsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sambung_calls_in_flight",
				Help: "Number of remote calls currently in flight",
			},
			[]string{"service", "operation"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sambung_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"service", "operation", "attempt"},
		),
		retryBudgetExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sambung_retry_budget_exceeded_total",
				Help: "Total number of times retry budget was exceeded",
			},
			[]string{"service"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sambung_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		rateLimiterTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sambung_rate_limiter_tokens",
				Help: "Current number of available rate limiter tokens",
			},
			[]string{"name"},
		),
		rateLimiterQueue: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sambung_rate_limiter_queue_depth",
				Help: "Number of calls waiting in the rate limiter queue",
			},
			[]string{"name"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sambung_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"service", "operation"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sambung_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"service", "operation"},
		),
		cacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sambung_cache_evictions_total",
				Help: "Total number of capacity evictions",
			},
			[]string{"name"},
		),
		cacheSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sambung_cache_size",
				Help: "Current number of entries in cache",
			},
			[]string{"name"},
		),
		batchSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sambung_batch_size",
				Help:    "Number of calls delivered per batch flush",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"key"},
		),
		timeoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sambung_timeouts_total",
				Help: "Total number of timeouts fired",
			},
			[]string{"service", "operation", "scope"},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sambung_deduplication_hits_total",
				Help: "Total number of deduplication hits",
			},
			[]string{"service", "operation"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sambung_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "service", "operation"},
		),
		buildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sambung_build_info",
				Help: "Library build information; always 1",
			},
			[]string{"version", "go_version"},
		),
	}
	mc.registry, _ = registry.(*prometheus.Registry)

	info := ReadBuildInfo()
	mc.buildInfo.WithLabelValues(info.Version, info.GoVersion).Set(1)

	return mc
}

// RecordCallStart increments in-flight gauge.
func (mc *MetricsCollector) RecordCallStart(m Method) {
	if mc == nil {
		return
	}

	mc.callsInFlight.WithLabelValues(m.Service, m.Operation).Inc()
}

// RecordCallEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordCallEnd(m Method) {
	if mc == nil {
		return
	}

	mc.callsInFlight.WithLabelValues(m.Service, m.Operation).Dec()
}

// RecordCall records call count and duration.
func (mc *MetricsCollector) RecordCall(m Method, outcome string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.callsTotal.WithLabelValues(m.Service, m.Operation, outcome).Inc()
	mc.callDuration.WithLabelValues(m.Service, m.Operation, outcome).Observe(duration.Seconds())
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(m Method, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(m.Service, m.Operation, strconv.Itoa(attempt)).Inc()
}

// RecordRetryBudgetExceeded increments retry budget exceeded counter.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(m Method) {
	if mc == nil {
		return
	}

	mc.retryBudgetExceeded.WithLabelValues(m.Service).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRateLimiterTokens sets available token gauge.
func (mc *MetricsCollector) RecordRateLimiterTokens(name string, tokens float64) {
	if mc == nil {
		return
	}

	mc.rateLimiterTokens.WithLabelValues(name).Set(tokens)
}

// RecordRateLimiterQueue sets the queue depth gauge.
func (mc *MetricsCollector) RecordRateLimiterQueue(name string, depth int) {
	if mc == nil {
		return
	}

	mc.rateLimiterQueue.WithLabelValues(name).Set(float64(depth))
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(m Method) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(m.Service, m.Operation).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(m Method) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(m.Service, m.Operation).Inc()
}

// RecordCacheEviction increments the capacity eviction counter.
func (mc *MetricsCollector) RecordCacheEviction(name string) {
	if mc == nil {
		return
	}

	mc.cacheEvictions.WithLabelValues(name).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(name string, size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.WithLabelValues(name).Set(float64(size))
}

// RecordBatch observes the size of a flushed batch.
func (mc *MetricsCollector) RecordBatch(key string, size int) {
	if mc == nil {
		return
	}

	mc.batchSize.WithLabelValues(key).Observe(float64(size))
}

// RecordTimeout increments the timeout counter.
func (mc *MetricsCollector) RecordTimeout(m Method, scope TimeoutScope) {
	if mc == nil {
		return
	}

	mc.timeoutsTotal.WithLabelValues(m.Service, m.Operation, string(scope)).Inc()
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(m Method) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(m.Service, m.Operation).Inc()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType string, m Method) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, m.Service, m.Operation).Inc()
}

// GetRegistry exposes the underlying prometheus registry, or nil when the
// collector was built on a different Registerer.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}
