package sambung

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutScope names where a Timeout sits in the chain.
type TimeoutScope string

const (
	// ScopeOverall spans every attempt; place it outermost.
	ScopeOverall TimeoutScope = "overall"
	// ScopePerAttempt restarts for each attempt; place it innermost.
	ScopePerAttempt TimeoutScope = "perAttempt"
)

// TimeoutConfig holds both timeout flavours. Zero durations disable them.
type TimeoutConfig struct {
	Overall    time.Duration
	PerAttempt time.Duration
	Logger     Logger
	Metrics    *MetricsCollector
}

// Interceptors returns the overall and per-attempt interceptors. Either is
// nil when its duration is zero; Compose and WithInterceptors skip nil
// entries.
func (cfg TimeoutConfig) Interceptors() (overall, perAttempt Interceptor) {
	if cfg.Overall > 0 {
		t := NewTimeout(cfg.Overall, ScopeOverall)
		t.logger, t.metrics = loggerOrNop(cfg.Logger), cfg.Metrics
		overall = t
	}
	if cfg.PerAttempt > 0 {
		t := NewTimeout(cfg.PerAttempt, ScopePerAttempt)
		t.logger, t.metrics = loggerOrNop(cfg.Logger), cfg.Metrics
		perAttempt = t
	}
	return overall, perAttempt
}

// Validate reports configuration errors.
func (cfg TimeoutConfig) Validate() error {
	var problems []string
	if cfg.Overall < 0 {
		problems = append(problems, "timeout overall must be non-negative")
	}
	if cfg.PerAttempt < 0 {
		problems = append(problems, "timeout perAttempt must be non-negative")
	}
	if cfg.Overall > 10*time.Minute {
		problems = append(problems, "timeout overall > 10m may cause requests to hang for too long")
	}
	if cfg.Overall > 0 && cfg.PerAttempt > cfg.Overall {
		problems = append(problems, "timeout perAttempt exceeds overall")
	}
	return validationError("timeout", problems)
}

// Timeout bounds the whole inner sequence by a single timer.
type Timeout struct {
	duration time.Duration
	scope    TimeoutScope
	logger   Logger
	metrics  *MetricsCollector
}

// NewTimeout creates a timeout interceptor for scope.
func NewTimeout(d time.Duration, scope TimeoutScope) *Timeout {
	return &Timeout{duration: d, scope: scope, logger: NopLogger()}
}

// OverallTimeout spans all attempts.
func OverallTimeout(d time.Duration) *Timeout {
	return NewTimeout(d, ScopeOverall)
}

// PerAttemptTimeout bounds a single attempt.
func PerAttemptTimeout(d time.Duration) *Timeout {
	return NewTimeout(d, ScopePerAttempt)
}

// Duration returns the configured limit.
func (t *Timeout) Duration() time.Duration { return t.duration }

// Scope returns the configured scope.
func (t *Timeout) Scope() TimeoutScope { return t.scope }

type streamResult struct {
	item *ResponseItem
	err  error
}

// Wrap implements Interceptor. The inner sequence is produced on its own
// goroutine so the timer can interrupt a blocked producer.
func (t *Timeout) Wrap(next Runner) Runner {
	return func(ctx context.Context, msg *Message) Stream {
		if t.duration <= 0 {
			return next(ctx, msg)
		}
		return func(yield func(*ResponseItem, error) bool) {
			if msg.Metadata == nil {
				msg.Metadata = Metadata{}
			}
			msg.Metadata.Section(MetaTimeout)[string(t.scope)] = t.duration.Milliseconds()

			timeoutErr := newClientError(ErrorTypeTimeout,
				fmt.Sprintf("%s timeout after %v", t.scope, t.duration), nil, msg)
			timeoutErr.Duration = t.duration

			cctx, cancel := context.WithTimeoutCause(ctx, t.duration, timeoutErr)
			defer cancel()

			// An expired attempt may keep running, so it works on a copy
			// that callers outside never touch.
			attempt := msg.Clone()
			results := make(chan streamResult)
			stop := make(chan struct{})
			defer close(stop)

			go func() {
				defer close(results)
				for item, err := range next(cctx, attempt) {
					select {
					case results <- streamResult{item, err}:
					case <-stop:
						return
					}
					if err != nil {
						return
					}
				}
			}()

			for {
				select {
				case r, ok := <-results:
					if !ok {
						adoptMetadata(msg, attempt)
						return
					}
					if r.err != nil {
						yield(nil, t.translate(ctx, cctx, msg, r.err))
						return
					}
					if !yield(r.item, nil) {
						return
					}
				case <-cctx.Done():
					yield(nil, t.expired(ctx, cctx, msg))
					return
				}
			}
		}
	}
}

// expired builds the error for a done derived context: parent cancellation
// wins over our own timer.
func (t *Timeout) expired(parent, cctx context.Context, msg *Message) error {
	if parent.Err() != nil {
		return abortedError(parent, msg)
	}
	t.metrics.RecordTimeout(msg.Method, t.scope)
	t.logger.Warn("Call timed out", "requestID", msg.ID, "method", msg.Method.String(),
		"scope", string(t.scope), "timeout", t.duration)
	return context.Cause(cctx)
}

// translate maps a raw context error surfaced by the inner chain onto the
// timeout or abort error it stands for.
func (t *Timeout) translate(parent, cctx context.Context, msg *Message, err error) error {
	var ce *ClientError
	if errors.As(err, &ce) {
		if ce.Type == ErrorTypeTimeout && cctx.Err() != nil && parent.Err() == nil {
			t.metrics.RecordTimeout(msg.Method, t.scope)
		}
		return err
	}
	if cctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return t.expired(parent, cctx, msg)
	}
	return err
}
