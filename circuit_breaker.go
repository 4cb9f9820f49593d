package sambung

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState is the breaker state. The numeric values are exported as the
// breaker state gauge.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker. Zero values take
// defaults.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	FailureWindow    time.Duration
	ResetTimeout     time.Duration
	SuccessThreshold int
	// IsFailure decides whether an error counts toward the window. Error
	// status items are presented as *ErrorStatus. Default: every error
	// except caller cancellation.
	IsFailure     func(err error) bool
	OnStateChange func(from, to CircuitState)
	Logger        Logger
	Metrics       *MetricsCollector
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow == 0 {
		cfg.FailureWindow = 10 * time.Second
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	return cfg
}

// Validate reports configuration errors.
func (cfg CircuitBreakerConfig) Validate() error {
	var problems []string
	if cfg.FailureThreshold < 0 {
		problems = append(problems, "circuitBreaker FailureThreshold must be positive")
	}
	if cfg.FailureWindow < 0 {
		problems = append(problems, "circuitBreaker FailureWindow must be positive")
	}
	if cfg.ResetTimeout < 0 {
		problems = append(problems, "circuitBreaker ResetTimeout must be positive")
	}
	if cfg.SuccessThreshold < 0 {
		problems = append(problems, "circuitBreaker SuccessThreshold must be positive")
	}
	return validationError("circuitBreaker", problems)
}

// CircuitBreakerStats is a point-in-time snapshot of a breaker.
type CircuitBreakerStats struct {
	State       CircuitState
	Failures    int
	Successes   int
	LastFailure time.Time
	LastError   error
	OpenedAt    time.Time
	// TimeToReset is the time left before an open breaker half-opens.
	TimeToReset time.Duration
}

// CircuitBreaker fails calls fast after repeated failures and probes for
// recovery after a cool-down.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger Logger

	mu          sync.Mutex
	state       CircuitState
	failures    []time.Time
	successes   int
	lastFailure time.Time
	lastErr     error
	openedAt    time.Time
	timer       *time.Timer
	generation  uint64
	closed      bool
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config = config.withDefaults()
	return &CircuitBreaker{
		config: config,
		logger: loggerOrNop(config.Logger),
		state:  StateClosed,
	}
}

// Name returns the breaker name used in logs and metrics.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := CircuitBreakerStats{
		State:       cb.state,
		Failures:    len(cb.pruneLocked(time.Now())),
		Successes:   cb.successes,
		LastFailure: cb.lastFailure,
		LastError:   cb.lastErr,
		OpenedAt:    cb.openedAt,
	}
	if cb.state == StateOpen {
		if left := cb.config.ResetTimeout - time.Since(cb.openedAt); left > 0 {
			stats.TimeToReset = left
		}
	}
	return stats
}

// Allow reports if a request is permitted under current breaker state.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != StateOpen
}

// RecordSuccess records a success in the circuit breaker
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var notify func()
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(StateClosed)
		}
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// RecordFailure records a failure in the circuit breaker. Errors rejected by
// IsFailure are ignored.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.isFailure(err) {
		return
	}

	now := time.Now()
	cb.mu.Lock()
	cb.lastFailure = now
	cb.lastErr = err

	var notify func()
	switch cb.state {
	case StateClosed:
		cb.failures = append(cb.pruneLocked(now), now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			notify = cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		notify = cb.transitionLocked(StateOpen)
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Reset forces the breaker closed and clears its history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(StateClosed)
	cb.lastErr = nil
	cb.lastFailure = time.Time{}
	cb.mu.Unlock()

	notify()
}

// Close stops the pending reset timer. The breaker keeps its state but will
// no longer half-open on its own.
func (cb *CircuitBreaker) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	cb.stopTimerLocked()
	return nil
}

func (cb *CircuitBreaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if cb.config.IsFailure != nil {
		return cb.config.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrAborted)
}

// pruneLocked drops failures that fell out of the window.
func (cb *CircuitBreaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-cb.config.FailureWindow)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	cb.failures = cb.failures[i:]
	return cb.failures
}

// transitionLocked moves to state and returns the notifications to run once
// the lock is released. Entering OPEN clears the failure window so failures
// seen while half-open start a new one.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) func() {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.stopTimerLocked()

	switch to {
	case StateOpen:
		cb.failures = nil
		cb.openedAt = time.Now()
		if !cb.closed {
			gen := cb.generation
			cb.timer = time.AfterFunc(cb.config.ResetTimeout, func() { cb.halfOpen(gen) })
		}
	case StateClosed:
		cb.failures = nil
		cb.openedAt = time.Time{}
	}

	lastErr := cb.lastErr
	return func() {
		cb.config.Metrics.RecordCircuitBreakerState(cb.config.Name, to)
		if from == to {
			return
		}
		switch to {
		case StateOpen:
			cb.logger.Warn("Circuit breaker opened", "name", cb.config.Name, "from", from.String(), "lastError", lastErr)
		default:
			cb.logger.Info("Circuit breaker state changed", "name", cb.config.Name, "from", from.String(), "to", to.String())
		}
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(from, to)
		}
	}
}

func (cb *CircuitBreaker) stopTimerLocked() {
	cb.generation++
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}
}

func (cb *CircuitBreaker) halfOpen(gen uint64) {
	cb.mu.Lock()
	if cb.closed || cb.state != StateOpen || cb.generation != gen {
		cb.mu.Unlock()
		return
	}
	notify := cb.transitionLocked(StateHalfOpen)
	cb.mu.Unlock()

	notify()
}

func (cb *CircuitBreaker) openError(msg *Message) *ClientError {
	cb.mu.Lock()
	lastErr := cb.lastErr
	cb.mu.Unlock()
	return newClientError(ErrorTypeCircuitOpen, "circuit breaker is open", lastErr, msg)
}

// Wrap implements Interceptor. While open the inner runner is never invoked.
func (cb *CircuitBreaker) Wrap(next Runner) Runner {
	return func(ctx context.Context, msg *Message) Stream {
		return func(yield func(*ResponseItem, error) bool) {
			if !cb.Allow() {
				yield(nil, cb.openError(msg))
				return
			}
			if msg.Metadata == nil {
				msg.Metadata = Metadata{}
			}
			msg.Metadata.Section(MetaCircuitBreaker)["state"] = cb.State().String()

			var failure error
			observed := false
			for item, err := range next(ctx, msg) {
				if err != nil {
					failure = err
					yield(nil, err)
					break
				}
				observed = true
				if failure == nil && item.Status.IsError() {
					failure = &ErrorStatus{ResponseID: item.ID, Status: item.Status}
				}
				if !yield(item, nil) {
					break
				}
			}

			switch {
			case failure != nil:
				cb.RecordFailure(failure)
			case observed:
				cb.RecordSuccess()
			}
		}
	}
}
