package sambung

import (
	"context"
	"errors"
	"sync"
)

// KeyFunc derives the limiter key of a message.
type KeyFunc func(msg *Message) string

// ServiceKey keys limiters by the method's service.
func ServiceKey(msg *Message) string {
	return msg.Method.Service
}

// MethodKey keys limiters by service and operation.
func MethodKey(msg *Message) string {
	return msg.Method.Service + "." + msg.Method.Operation
}

// ServiceRateLimiter dispatches each call to an independent limiter chosen
// by key, falling back to a default limiter or to no limiting at all.
type ServiceRateLimiter struct {
	mutex    sync.RWMutex
	limiters map[string]*RateLimiter
	keyFunc  KeyFunc
	fallback *RateLimiter
}

// NewServiceRateLimiter creates a limiter registry keyed by service name.
// fallback may be nil.
func NewServiceRateLimiter(fallback *RateLimiter) *ServiceRateLimiter {
	return NewRateLimiterRegistry(ServiceKey, fallback)
}

// NewRateLimiterRegistry creates a new rate limiter registry with the given key function and fallback limiter.
func NewRateLimiterRegistry(keyFunc KeyFunc, fallback *RateLimiter) *ServiceRateLimiter {
	if keyFunc == nil {
		keyFunc = ServiceKey
	}
	return &ServiceRateLimiter{
		limiters: make(map[string]*RateLimiter),
		keyFunc:  keyFunc,
		fallback: fallback,
	}
}

// Register adds a limiter for the given key.
func (r *ServiceRateLimiter) Register(key string, limiter *RateLimiter) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.limiters[key] = limiter
}

// Limiter returns the limiter for msg and the key it was chosen by. A nil
// limiter means the call is not limited.
func (r *ServiceRateLimiter) Limiter(msg *Message) (*RateLimiter, string) {
	key := r.keyFunc(msg)

	r.mutex.RLock()
	limiter, exists := r.limiters[key]
	r.mutex.RUnlock()

	if exists {
		return limiter, key
	}
	return r.fallback, "default"
}

// Close closes every registered limiter and the fallback.
func (r *ServiceRateLimiter) Close() error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var errs []error
	for _, l := range r.limiters {
		errs = append(errs, l.Close())
	}
	if r.fallback != nil {
		errs = append(errs, r.fallback.Close())
	}
	return errors.Join(errs...)
}

// Wrap implements Interceptor.
func (r *ServiceRateLimiter) Wrap(next Runner) Runner {
	return func(ctx context.Context, msg *Message) Stream {
		limiter, _ := r.Limiter(msg)
		if limiter == nil {
			return next(ctx, msg)
		}
		return limiter.Wrap(next)(ctx, msg)
	}
}
