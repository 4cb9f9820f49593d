package sambung

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitStrategy decides what happens to a call when no token is free.
type RateLimitStrategy string

const (
	// RateLimitReject fails the call immediately.
	RateLimitReject RateLimitStrategy = "reject"
	// RateLimitQueue parks the call until a token frees up.
	RateLimitQueue RateLimitStrategy = "queue"
)

// RateLimitConfig configures a RateLimiter. Zero values take defaults.
type RateLimitConfig struct {
	Name         string
	MaxRequests  int
	Window       time.Duration
	Strategy     RateLimitStrategy
	MaxQueueSize int
	// DrainInterval is the tick of the queue drain loop. Defaults to
	// Window/MaxRequests clamped to [1ms, 100ms].
	DrainInterval time.Duration
	Logger        Logger
	Metrics       *MetricsCollector
}

func (cfg RateLimitConfig) withDefaults() RateLimitConfig {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 100
	}
	if cfg.Window == 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Strategy == "" {
		cfg.Strategy = RateLimitReject
	}
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.DrainInterval == 0 && cfg.MaxRequests > 0 {
		d := cfg.Window / time.Duration(cfg.MaxRequests)
		d = max(d, time.Millisecond)
		d = min(d, 100*time.Millisecond)
		cfg.DrainInterval = d
	}
	return cfg
}

// Validate reports configuration errors.
func (cfg RateLimitConfig) Validate() error {
	var problems []string
	if cfg.MaxRequests < 0 {
		problems = append(problems, "rateLimit maxRequests must be positive")
	}
	if cfg.MaxRequests > 1000000 {
		problems = append(problems, "rateLimit maxRequests > 1M may cause memory issues")
	}
	if cfg.Window < 0 {
		problems = append(problems, "rateLimit window must be positive")
	}
	if cfg.Strategy != "" && cfg.Strategy != RateLimitReject && cfg.Strategy != RateLimitQueue {
		problems = append(problems, fmt.Sprintf("rateLimit strategy %q is not one of reject, queue", cfg.Strategy))
	}
	if cfg.MaxQueueSize < 0 {
		problems = append(problems, "rateLimit maxQueueSize must be non-negative")
	}
	return validationError("rateLimit", problems)
}

// RateLimiterStats is a snapshot of a limiter.
type RateLimiterStats struct {
	Name         string
	Tokens       float64
	MaxRequests  int
	Window       time.Duration
	Strategy     RateLimitStrategy
	QueueLength  int
	MaxQueueSize int
}

// RateLimitExceededError is the cause carried by a rejected call.
type RateLimitExceededError struct {
	Stats RateLimiterStats
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %.2f tokens available, %d/%d queued",
		e.Stats.Name, e.Stats.Tokens, e.Stats.QueueLength, e.Stats.MaxQueueSize)
}

type rateWaiter struct {
	ready chan error
	// reservation holds the admitted token; set before ready receives nil.
	reservation *rate.Reservation
}

// RateLimiter is a token bucket holding MaxRequests tokens that refill
// continuously over Window. Refill is computed lazily on acquisition.
type RateLimiter struct {
	config  RateLimitConfig
	logger  Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	queue    []*rateWaiter
	draining bool
	closed   bool
	done     chan struct{}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	config = config.withDefaults()
	perSecond := rate.Limit(float64(config.MaxRequests) / config.Window.Seconds())
	return &RateLimiter{
		config:  config,
		logger:  loggerOrNop(config.Logger),
		limiter: rate.NewLimiter(perSecond, config.MaxRequests),
		done:    make(chan struct{}),
	}
}

// Stats returns a snapshot of the limiter.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.statsLocked()
}

func (rl *RateLimiter) statsLocked() RateLimiterStats {
	return RateLimiterStats{
		Name:         rl.config.Name,
		Tokens:       rl.limiter.Tokens(),
		MaxRequests:  rl.config.MaxRequests,
		Window:       rl.config.Window,
		Strategy:     rl.config.Strategy,
		QueueLength:  len(rl.queue),
		MaxQueueSize: rl.config.MaxQueueSize,
	}
}

// Allow takes a token if one is free and nobody is queued ahead.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return !rl.closed && len(rl.queue) == 0 && rl.limiter.Allow()
}

// Acquire takes a token, waiting in FIFO order under the queue strategy.
// Rejections match ErrRateLimited and wrap *RateLimitExceededError.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	return rl.acquire(ctx, nil)
}

func (rl *RateLimiter) acquire(ctx context.Context, msg *Message) error {
	if ctx.Err() != nil {
		return abortedError(ctx, msg)
	}

	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return newClientError(ErrorTypeAborted, "rate limiter closed", nil, msg)
	}
	if len(rl.queue) == 0 && rl.limiter.Allow() {
		tokens := rl.limiter.Tokens()
		rl.mu.Unlock()
		rl.config.Metrics.RecordRateLimiterTokens(rl.config.Name, tokens)
		return nil
	}
	if rl.config.Strategy != RateLimitQueue || len(rl.queue) >= rl.config.MaxQueueSize {
		stats := rl.statsLocked()
		rl.mu.Unlock()
		rl.logger.Warn("Rate limit exceeded", "name", rl.config.Name, "tokens", stats.Tokens, "queued", stats.QueueLength)
		return newClientError(ErrorTypeRateLimit, "rate limit exceeded", &RateLimitExceededError{Stats: stats}, msg)
	}

	w := &rateWaiter{ready: make(chan error, 1)}
	rl.queue = append(rl.queue, w)
	depth := len(rl.queue)
	if !rl.draining {
		rl.draining = true
		go rl.drain()
	}
	rl.mu.Unlock()
	rl.config.Metrics.RecordRateLimiterQueue(rl.config.Name, depth)

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
		rl.abandon(w)
		return abortedError(ctx, msg)
	}
}

// abandon takes w out of the queue. A waiter admitted in the meantime
// returns its token.
func (rl *RateLimiter) abandon(w *rateWaiter) {
	if rl.dequeue(w) {
		return
	}
	if err := <-w.ready; err == nil && w.reservation != nil {
		w.reservation.Cancel()
	}
}

// dequeue removes w from the queue, reporting false when drain or Close
// already handed it a result.
func (rl *RateLimiter) dequeue(w *rateWaiter) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i, q := range rl.queue {
		if q == w {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			return true
		}
	}
	return false
}

// drain admits queued callers in arrival order as tokens appear and exits
// once the queue is empty.
func (rl *RateLimiter) drain() {
	ticker := time.NewTicker(rl.config.DrainInterval)
	defer ticker.Stop()

	for {
		rl.mu.Lock()
		for len(rl.queue) > 0 {
			r := rl.limiter.Reserve()
			if !r.OK() || r.Delay() > 0 {
				r.Cancel()
				break
			}
			w := rl.queue[0]
			rl.queue = rl.queue[1:]
			w.reservation = r
			w.ready <- nil
		}
		depth := len(rl.queue)
		if depth == 0 || rl.closed {
			rl.draining = false
			rl.mu.Unlock()
			rl.config.Metrics.RecordRateLimiterQueue(rl.config.Name, depth)
			return
		}
		rl.mu.Unlock()
		rl.config.Metrics.RecordRateLimiterQueue(rl.config.Name, depth)

		select {
		case <-ticker.C:
		case <-rl.done:
			return
		}
	}
}

// Close rejects every queued caller and stops the drain loop.
func (rl *RateLimiter) Close() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return nil
	}
	rl.closed = true
	for _, w := range rl.queue {
		w.ready <- newClientError(ErrorTypeAborted, "rate limiter closed", nil, nil)
	}
	rl.queue = nil
	close(rl.done)
	return nil
}

// Wrap implements Interceptor.
func (rl *RateLimiter) Wrap(next Runner) Runner {
	return func(ctx context.Context, msg *Message) Stream {
		return func(yield func(*ResponseItem, error) bool) {
			if err := rl.acquire(ctx, msg); err != nil {
				yield(nil, err)
				return
			}
			if msg.Metadata == nil {
				msg.Metadata = Metadata{}
			}
			msg.Metadata.Section(MetaRateLimit)["tokens"] = rl.limiter.Tokens()

			for item, err := range next(ctx, msg) {
				if !yield(item, err) {
					return
				}
			}
		}
	}
}
