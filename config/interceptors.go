package config

import (
	"github.com/ambiyansyah-risyal/sambung"
)

// Interceptors builds the enabled interceptors in their canonical order:
// overall timeout, tracing, cache, retry, circuit breaker, rate limiter,
// batching, per-attempt timeout.
func (c *Config) Interceptors(logger sambung.Logger, metrics *sambung.MetricsCollector) []sambung.Interceptor {
	overall, perAttempt := c.timeout(logger, metrics).Interceptors()

	chain := []sambung.Interceptor{overall}
	if c.Tracing.Enable {
		chain = append(chain, sambung.Tracing(sambung.TracingConfig{Logger: logger}))
	}
	if c.Cache.Enable {
		chain = append(chain, sambung.NewCache(c.cache(logger, metrics)))
	}
	if c.Retry.Enable {
		chain = append(chain, sambung.NewRetry(c.retry(logger, metrics)))
	}
	if c.CircuitBreaker.Enable {
		chain = append(chain, sambung.NewCircuitBreaker(c.circuitBreaker(logger, metrics)))
	}
	if c.RateLimit.Enable {
		chain = append(chain, sambung.NewRateLimiter(c.rateLimit(logger, metrics)))
	}
	if c.Batching.Enable {
		chain = append(chain, sambung.NewBatcher(c.batching(logger, metrics)))
	}
	chain = append(chain, perAttempt)

	// Drop disabled timeouts so the list holds no nil entries.
	out := chain[:0]
	for _, i := range chain {
		if i != nil {
			out = append(out, i)
		}
	}
	return out
}

// ClientOptions returns the options for sambung.New matching this
// configuration, including the interceptor chain.
func (c *Config) ClientOptions(logger sambung.Logger, metrics *sambung.MetricsCollector) []sambung.Option {
	opts := []sambung.Option{
		sambung.WithThrowOnError(c.Client.ThrowOnError),
		sambung.WithInterceptors(c.Interceptors(logger, metrics)...),
	}
	if len(c.Client.Context) > 0 {
		opts = append(opts, sambung.WithContextValues(c.Client.Context))
	}
	if logger != nil {
		opts = append(opts, sambung.WithLogger(logger))
	}
	if metrics != nil {
		opts = append(opts, sambung.WithMetricsCollector(metrics))
	}
	return opts
}

func (c *Config) retry(logger sambung.Logger, metrics *sambung.MetricsCollector) sambung.RetryConfig {
	rc := sambung.RetryConfig{
		MaxRetries: c.Retry.MaxRetries,
		RetryDelay: c.Retry.RetryDelay,
		Jitter:     c.Retry.Jitter,
		MaxDelay:   c.Retry.MaxDelay,
		Logger:     logger,
		Metrics:    metrics,
	}
	if c.Retry.Strategy == "decorrelated" {
		rc.Strategy = sambung.DecorrelatedJitter
	}
	if c.Retry.Budget.MaxRetries > 0 && c.Retry.Budget.Window > 0 {
		rc.Budget = sambung.NewRetryBudget(c.Retry.Budget.MaxRetries, c.Retry.Budget.Window)
	}
	// Zeros in a loaded config are explicit; the defaults live in Default.
	if c.Retry.MaxRetries == 0 {
		rc = rc.WithoutRetries()
	}
	if c.Retry.Jitter == 0 {
		rc = rc.WithoutJitter()
	}
	return rc
}

func (c *Config) circuitBreaker(logger sambung.Logger, metrics *sambung.MetricsCollector) sambung.CircuitBreakerConfig {
	return sambung.CircuitBreakerConfig{
		Name:             c.CircuitBreaker.Name,
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		FailureWindow:    c.CircuitBreaker.FailureWindow,
		ResetTimeout:     c.CircuitBreaker.ResetTimeout,
		SuccessThreshold: c.CircuitBreaker.SuccessThreshold,
		Logger:           logger,
		Metrics:          metrics,
	}
}

func (c *Config) rateLimit(logger sambung.Logger, metrics *sambung.MetricsCollector) sambung.RateLimitConfig {
	return sambung.RateLimitConfig{
		Name:          c.RateLimit.Name,
		MaxRequests:   c.RateLimit.MaxRequests,
		Window:        c.RateLimit.Window,
		Strategy:      sambung.RateLimitStrategy(c.RateLimit.Strategy),
		MaxQueueSize:  c.RateLimit.MaxQueueSize,
		DrainInterval: c.RateLimit.DrainInterval,
		Logger:        logger,
		Metrics:       metrics,
	}
}

func (c *Config) cache(logger sambung.Logger, metrics *sambung.MetricsCollector) sambung.CacheConfig {
	return sambung.CacheConfig{
		Name:     c.Cache.Name,
		TTL:      c.Cache.TTL,
		Capacity: c.Cache.Capacity,
		Logger:   logger,
		Metrics:  metrics,
	}
}

func (c *Config) batching(logger sambung.Logger, metrics *sambung.MetricsCollector) sambung.BatchingConfig {
	bc := sambung.BatchingConfig{
		MaxBatchSize: c.Batching.MaxBatchSize,
		MaxWaitTime:  c.Batching.MaxWaitTime,
		CrossService: !c.Batching.SameServiceOnly,
		Logger:       logger,
		Metrics:      metrics,
	}
	if a := c.Batching.Adaptive; a.Enable {
		bc.Adaptive = &sambung.AdaptiveBatching{
			TargetLatency: a.TargetLatency,
			MinBatchSize:  a.MinBatchSize,
			SampleSize:    a.SampleSize,
		}
	}
	return bc
}

func (c *Config) timeout(logger sambung.Logger, metrics *sambung.MetricsCollector) sambung.TimeoutConfig {
	return sambung.TimeoutConfig{
		Overall:    c.Timeout.Overall,
		PerAttempt: c.Timeout.PerAttempt,
		Logger:     logger,
		Metrics:    metrics,
	}
}
