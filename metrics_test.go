package sambung

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestCollector(t *testing.T) (*MetricsCollector, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	return NewMetricsCollectorWithRegistry(registry), registry
}

func TestNewMetricsCollectorWithRegistry(t *testing.T) {
	collector, registry := newTestCollector(t)

	if collector == nil {
		t.Fatal("NewMetricsCollectorWithRegistry() returned nil")
	}
	if collector.GetRegistry() != registry {
		t.Error("Expected GetRegistry to return the supplied registry")
	}
	if collector.callsTotal == nil || collector.timeoutsTotal == nil || collector.batchSize == nil {
		t.Error("Expected every metric to be initialized")
	}
}

func TestMetricsCollectorWithNil(t *testing.T) {
	var collector *MetricsCollector
	m := Method{Service: "svc", Operation: "op"}

	collector.RecordCallStart(m)
	collector.RecordCallEnd(m)
	collector.RecordCall(m, "success", time.Millisecond)
	collector.RecordRetry(m, 1)
	collector.RecordRetryBudgetExceeded(m)
	collector.RecordCircuitBreakerState("cb", StateOpen)
	collector.RecordRateLimiterTokens("rl", 1)
	collector.RecordRateLimiterQueue("rl", 1)
	collector.RecordCacheHit(m)
	collector.RecordCacheMiss(m)
	collector.RecordCacheEviction("cache")
	collector.RecordCacheSize("cache", 1)
	collector.RecordBatch("svc", 2)
	collector.RecordTimeout(m, ScopeOverall)
	collector.RecordDeduplicationHit(m)
	collector.RecordError(ErrorTypeTransport, m)

	if collector.GetRegistry() != nil {
		t.Error("Expected nil registry from nil collector")
	}
}

func TestRecordCall(t *testing.T) {
	collector, _ := newTestCollector(t)
	m := Method{Service: "users", Operation: "get"}

	collector.RecordCallStart(m)
	if got := testutil.ToFloat64(collector.callsInFlight.WithLabelValues("users", "get")); got != 1 {
		t.Errorf("Expected 1 in flight, got %v", got)
	}
	collector.RecordCallEnd(m)
	collector.RecordCall(m, "success", 10*time.Millisecond)

	if got := testutil.ToFloat64(collector.callsInFlight.WithLabelValues("users", "get")); got != 0 {
		t.Errorf("Expected 0 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(collector.callsTotal.WithLabelValues("users", "get", "success")); got != 1 {
		t.Errorf("Expected 1 call, got %v", got)
	}
}

func TestMetricsWithCircuitBreaker(t *testing.T) {
	collector, _ := newTestCollector(t)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "users",
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		Metrics:          collector,
	})
	defer cb.Close()

	cb.RecordFailure(errors.New("boom"))
	if got := testutil.ToFloat64(collector.circuitBreakerState.WithLabelValues("users")); got != float64(StateOpen) {
		t.Errorf("Expected state gauge %v, got %v", float64(StateOpen), got)
	}

	cb.Reset()
	if got := testutil.ToFloat64(collector.circuitBreakerState.WithLabelValues("users")); got != float64(StateClosed) {
		t.Errorf("Expected closed gauge, got %v", got)
	}
}

func TestMetricsWithCache(t *testing.T) {
	collector, _ := newTestCollector(t)
	c := NewCache(CacheConfig{Name: "users", Capacity: 1, Metrics: collector})
	defer c.Close()

	run := c.Wrap(newCountingRunner(ok(1)).run)
	ctx := context.Background()
	collect(run(ctx, testMessage("users", "get", 1)))
	collect(run(ctx, testMessage("users", "get", 1)))
	collect(run(ctx, testMessage("users", "get", 2)))

	if got := testutil.ToFloat64(collector.cacheHits.WithLabelValues("users", "get")); got != 1 {
		t.Errorf("Expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(collector.cacheMisses.WithLabelValues("users", "get")); got != 2 {
		t.Errorf("Expected 2 misses, got %v", got)
	}
	if got := testutil.ToFloat64(collector.cacheEvictions.WithLabelValues("users")); got != 1 {
		t.Errorf("Expected 1 eviction, got %v", got)
	}
	if got := testutil.ToFloat64(collector.cacheSize.WithLabelValues("users")); got != 1 {
		t.Errorf("Expected size 1, got %v", got)
	}
}

func TestMetricsWithRetries(t *testing.T) {
	collector, _ := newTestCollector(t)
	cfg := RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond, Metrics: collector}.WithoutJitter()

	inner := newCountingRunner(failing("UNAVAILABLE", true))
	collect(NewRetry(cfg).Wrap(inner.run)(context.Background(), testMessage("svc", "op", nil)))

	if got := testutil.CollectAndCount(collector.retriesTotal); got != 2 {
		t.Errorf("Expected retries for attempts 1 and 2, got %d series", got)
	}
	if got := testutil.ToFloat64(collector.retriesTotal.WithLabelValues("svc", "op", "2")); got != 1 {
		t.Errorf("Expected one retry at attempt 2, got %v", got)
	}
}

func TestMetricsWithTimeout(t *testing.T) {
	collector, _ := newTestCollector(t)
	timeout, _ := TimeoutConfig{Overall: 10 * time.Millisecond, Metrics: collector}.Interceptors()

	run, _ := hangOnce(1)
	collect(timeout.Wrap(run)(context.Background(), testMessage("svc", "op", nil)))

	if got := testutil.ToFloat64(collector.timeoutsTotal.WithLabelValues("svc", "op", "overall")); got != 1 {
		t.Errorf("Expected one overall timeout, got %v", got)
	}
}

func TestMetricsWithRateLimiter(t *testing.T) {
	collector, _ := newTestCollector(t)
	rl := NewRateLimiter(RateLimitConfig{Name: "api", MaxRequests: 5, Window: time.Hour, Metrics: collector})
	defer rl.Close()

	if err := rl.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := testutil.ToFloat64(collector.rateLimiterTokens.WithLabelValues("api"))
	if got < 3.9 || got > 4.1 {
		t.Errorf("Expected about 4 tokens left, got %v", got)
	}
}

func TestMetricsBuildInfo(t *testing.T) {
	collector, registry := newTestCollector(t)

	if n, err := testutil.GatherAndCount(registry, "sambung_build_info"); err != nil || n != 1 {
		t.Fatalf("Expected one build info series, got %d (%v)", n, err)
	}
	info := ReadBuildInfo()
	got := testutil.ToFloat64(collector.buildInfo.WithLabelValues(info.Version, info.GoVersion))
	if got != 1 {
		t.Errorf("Expected build info gauge 1, got %v", got)
	}
}
