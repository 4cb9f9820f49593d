// Package sambung provides a protocol-agnostic remote-call client with
// composable resilience interceptors:
//
//   - Retries with exponential backoff + jitter and an optional retry budget
//   - Circuit breaker (closed / open / half-open states, sliding failure window)
//   - Rate limiting (token bucket, reject or FIFO queue)
//   - LRU+TTL response caching with replay of streamed items
//   - Request batching with optional adaptive batch sizing
//   - Overall and per-attempt timeouts
//   - Auth and tracing tags, request de-duplication
//   - Prometheus metrics and zap structured logging
//
// A call is a Message sent through a Transport. The Transport yields a lazy
// sequence of ResponseItem values; interceptors wrap that sequence in onion
// order, the first registered being the outermost. Each interceptor owns one
// top-level key of the message metadata, which is the only channel a
// Transport sees.
//
// Typical usage:
//
//	overall, perAttempt := sambung.TimeoutConfig{Overall: 5 * time.Second, PerAttempt: time.Second}.Interceptors()
//	client, err := sambung.New(transport,
//	    sambung.WithInterceptors(
//	        overall,
//	        sambung.NewRetry(sambung.RetryConfig{MaxRetries: 3}),
//	        sambung.NewCircuitBreaker(sambung.CircuitBreakerConfig{}),
//	        sambung.NewRateLimiter(sambung.RateLimitConfig{MaxRequests: 10, Window: time.Second}),
//	        perAttempt,
//	    ),
//	)
//	if err != nil {
//	    return err
//	}
//	out, err := client.Call(ctx, sambung.Method{Service: "users", Operation: "get"}, map[string]any{"id": 7})
//
// Error-status items are raised as *ClientError unless WithThrowOnError(false)
// is given; errors.Is matches the sentinel errors (ErrCircuitOpen,
// ErrRateLimited, ErrTimeout, ...) by type.
package sambung
