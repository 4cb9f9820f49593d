package backoff

import (
	"math/rand/v2"
	"time"
)

// Strategy defines the interface for backoff calculation algorithms.
type Strategy interface {
	// Calculate returns the delay before retry number attempt+1. A zero
	// maxDelay means unbounded.
	Calculate(attempt int, baseDelay, maxDelay time.Duration, jitter float64) time.Duration
}

// ExponentialJitterStrategy doubles the delay every attempt and spreads it
// symmetrically: d = base*2^attempt, d += jitter*d*U(-1,1), d >= 0.
type ExponentialJitterStrategy struct {
	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// Calculate implements the Strategy interface for exponential backoff with jitter.
func (s ExponentialJitterStrategy) Calculate(attempt int, baseDelay, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Prevent overflow by limiting attempt
	if attempt > 30 {
		attempt = 30
	}

	delay := float64(baseDelay) * pow(2, attempt)

	jitter = clampJitter(jitter)
	if jitter > 0 {
		delay += jitter * delay * (2*random(s.Rand) - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return capDelay(time.Duration(delay), maxDelay)
}

// DecorrelatedJitterStrategy implements decorrelated jitter as per AWS paper.
// This provides smoother tail latencies compared to exponential jitter.
type DecorrelatedJitterStrategy struct {
	Rand func() float64
}

// Calculate implements the Strategy interface for decorrelated jitter.
func (s DecorrelatedJitterStrategy) Calculate(attempt int, baseDelay, maxDelay time.Duration, jitter float64) time.Duration {
	// random_between(base, min(cap, base * 3^attempt)); stateless variant of
	// https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
	if attempt <= 0 {
		return baseDelay
	}

	if attempt > 10 {
		attempt = 10
	}

	base := float64(baseDelay)
	upper := base * pow(3.0, attempt)

	if maxDelay > 0 && upper > float64(maxDelay) {
		upper = float64(maxDelay)
	}
	if upper < base {
		upper = base
	}

	delay := base + random(s.Rand)*(upper-base)
	return capDelay(time.Duration(delay), maxDelay)
}

func random(fn func() float64) float64 {
	if fn != nil {
		return fn()
	}
	return rand.Float64()
}

func capDelay(d, maxDelay time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// clampJitter ensures jitter is within valid bounds [0, 1].
func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// pow calculates base^exponent using integer exponentiation.
func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
