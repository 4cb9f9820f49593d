package sambung

import (
	"context"
	"sync/atomic"
	"time"

	internalbackoff "github.com/ambiyansyah-risyal/sambung/internal/backoff"
)

// BackoffStrategy selects the delay curve between retries.
type BackoffStrategy int

const (
	// ExponentialJitter doubles the delay each attempt with symmetric jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter spreads delays between base and base*3^attempt.
	DecorrelatedJitter
)

// RetryEvent describes a retry about to be scheduled.
type RetryEvent struct {
	Message     *Message
	Attempt     int
	MaxAttempts int
	Item        *ResponseItem
	Err         error
	Delay       time.Duration
}

// RetryConfig configures the retry interceptor. Zero values take defaults;
// use WithoutRetries or WithoutJitter for an explicit zero.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	Jitter     float64
	// MaxDelay caps a single backoff; zero means uncapped.
	MaxDelay time.Duration
	Strategy BackoffStrategy
	// ShouldRetry replaces the default classification. item is the final
	// item of the attempt (nil when the attempt failed with err).
	ShouldRetry func(item *ResponseItem, err error) bool
	// BeforeRetry may veto a retry (ok=false) or return an explicit delay
	// (delay >= 0). A negative delay keeps the computed one.
	BeforeRetry func(ctx context.Context, ev RetryEvent) (delay time.Duration, ok bool)
	// Budget bounds retries across all calls.
	Budget  *RetryBudget
	Logger  Logger
	Metrics *MetricsCollector

	// retriesSet and jitterSet distinguish explicit zeros from defaults.
	retriesSet bool
	jitterSet  bool
}

// WithoutRetries returns a copy of cfg that makes a single attempt.
func (cfg RetryConfig) WithoutRetries() RetryConfig {
	cfg.MaxRetries = 0
	cfg.retriesSet = true
	return cfg
}

// WithoutJitter returns a copy of cfg with jitter disabled.
func (cfg RetryConfig) WithoutJitter() RetryConfig {
	cfg.Jitter = 0
	cfg.jitterSet = true
	return cfg
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries == 0 && !cfg.retriesSet {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Jitter == 0 && !cfg.jitterSet {
		cfg.Jitter = 0.1
	}
	return cfg
}

// Validate reports configuration errors.
func (cfg RetryConfig) Validate() error {
	var problems []string
	if cfg.MaxRetries < 0 {
		problems = append(problems, "maxRetries must be non-negative")
	}
	if cfg.MaxRetries > 100 {
		problems = append(problems, "maxRetries > 100 may cause excessive resource usage")
	}
	if cfg.RetryDelay < 0 {
		problems = append(problems, "retryDelay must be non-negative")
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		problems = append(problems, "jitter must be between 0 and 1")
	}
	if cfg.MaxDelay < 0 {
		problems = append(problems, "maxDelay must be non-negative")
	}
	return validationError("retry", problems)
}

// Retry re-runs the inner chain while the outcome is a retryable failure.
type Retry struct {
	config     RetryConfig
	calculator *internalbackoff.Calculator
	logger     Logger
}

// NewRetry builds a retry interceptor.
func NewRetry(cfg RetryConfig) *Retry {
	cfg = cfg.withDefaults()
	var calc *internalbackoff.Calculator
	switch cfg.Strategy {
	case DecorrelatedJitter:
		calc = internalbackoff.Decorrelated()
	default:
		calc = internalbackoff.Exponential()
	}
	return &Retry{
		config:     cfg,
		calculator: calc,
		logger:     loggerOrNop(cfg.Logger),
	}
}

// Backoff returns the computed delay before the retry following attempt.
func (r *Retry) Backoff(attempt int) time.Duration {
	return r.calculator.Calculate(attempt, r.config.RetryDelay, r.config.MaxDelay, r.config.Jitter)
}

func (r *Retry) maxAttempts(msg *Message) int {
	if section, ok := msg.Metadata.Lookup(MetaRetry); ok {
		if n, ok := section.Int("maxAttempts"); ok && n >= 0 {
			return n
		}
	}
	return r.config.MaxRetries
}

// shouldRetry classifies an attempt. Caller cancellation is never retried;
// a per-attempt timeout fired inside the chain is.
func (r *Retry) shouldRetry(item *ResponseItem, err error) bool {
	if err != nil && isAbort(err) {
		return false
	}
	if r.config.ShouldRetry != nil {
		return r.config.ShouldRetry(item, err)
	}
	if err != nil {
		return true
	}
	return item != nil && item.Status.IsError() && item.Status.Retryable
}

// Wrap implements Interceptor.
func (r *Retry) Wrap(next Runner) Runner {
	return func(ctx context.Context, msg *Message) Stream {
		return func(yield func(*ResponseItem, error) bool) {
			if msg.Metadata == nil {
				msg.Metadata = Metadata{}
			}
			maxAttempts := r.maxAttempts(msg)

			for attempt := 0; attempt <= maxAttempts; attempt++ {
				if ctx.Err() != nil {
					yield(nil, abortedError(ctx, msg))
					return
				}

				section := msg.Metadata.Section(MetaRetry)
				section["attempt"] = attempt
				section["maxAttempts"] = maxAttempts
				if attempt > 0 {
					r.config.Metrics.RecordRetry(msg.Method, attempt)
				}

				res := r.runAttempt(ctx, msg, next, yield)
				if res.stopped {
					return
				}
				if res.delivered || ctx.Err() != nil || attempt >= maxAttempts || !r.shouldRetry(res.final, res.err) {
					r.finish(res, yield)
					return
				}

				delay := r.Backoff(attempt)
				if r.config.BeforeRetry != nil {
					d, ok := r.config.BeforeRetry(ctx, RetryEvent{
						Message: msg, Attempt: attempt, MaxAttempts: maxAttempts,
						Item: res.final, Err: res.err, Delay: delay,
					})
					if !ok {
						r.finish(res, yield)
						return
					}
					if d >= 0 {
						delay = d
					}
				}

				if r.config.Budget != nil && !r.config.Budget.Allow() {
					r.config.Metrics.RecordRetryBudgetExceeded(msg.Method)
					r.logger.Warn("Retry budget exceeded", "requestID", msg.ID, "method", msg.Method.String())
					cause := res.err
					if cause == nil && res.final != nil {
						cause = &ErrorStatus{ResponseID: res.final.ID, Status: res.final.Status}
					}
					yield(nil, newClientError(ErrorTypeRetryBudgetExceeded, "retry budget exceeded", cause, msg))
					return
				}

				r.logger.Info("Scheduling retry", "requestID", msg.ID, "method", msg.Method.String(),
					"attempt", attempt+1, "maxAttempts", maxAttempts, "backoff", delay)

				if err := sleepContext(ctx, delay); err != nil {
					yield(nil, abortedError(ctx, msg))
					return
				}
			}

			yield(nil, newClientError(ErrorTypeMaxRetries, "max retries exceeded", nil, msg))
		}
	}
}

type attemptResult struct {
	final     *ResponseItem
	err       error
	delivered bool
	stopped   bool
}

// runAttempt forwards all but the last item of the attempt as they arrive,
// holding the last one back so it can be classified.
func (r *Retry) runAttempt(ctx context.Context, msg *Message, next Runner, yield func(*ResponseItem, error) bool) attemptResult {
	var res attemptResult
	for item, err := range next(ctx, msg) {
		if err != nil {
			res.err = err
			break
		}
		if res.final != nil {
			res.delivered = true
			if !yield(res.final, nil) {
				res.stopped = true
				return res
			}
		}
		res.final = item
	}
	return res
}

func (r *Retry) finish(res attemptResult, yield func(*ResponseItem, error) bool) {
	if res.err != nil {
		if res.final != nil && !yield(res.final, nil) {
			return
		}
		yield(nil, res.err)
		return
	}
	if res.final != nil {
		yield(res.final, nil)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryBudget bounds the number of retries allowed per time window across
// all calls sharing it.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a new retry budget tracker.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow checks if a retry is allowed under the current budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}

	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// GetStats returns current retry budget statistics.
func (rb *RetryBudget) GetStats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
