package backoff

import (
	"time"
)

// Calculator provides backoff calculation using a configurable strategy.
type Calculator struct {
	strategy Strategy
}

// NewCalculator creates a new backoff calculator with the specified strategy.
func NewCalculator(strategy Strategy) *Calculator {
	if strategy == nil {
		strategy = ExponentialJitterStrategy{}
	}
	return &Calculator{
		strategy: strategy,
	}
}

// Calculate computes the backoff duration for the given attempt.
func (c *Calculator) Calculate(attempt int, baseDelay, maxDelay time.Duration, jitter float64) time.Duration {
	return c.strategy.Calculate(attempt, baseDelay, maxDelay, jitter)
}

// Strategy returns the strategy in use.
func (c *Calculator) Strategy() Strategy {
	return c.strategy
}

// Exponential returns a calculator configured with exponential jitter.
func Exponential() *Calculator {
	return NewCalculator(ExponentialJitterStrategy{})
}

// Decorrelated returns a calculator configured with decorrelated jitter.
func Decorrelated() *Calculator {
	return NewCalculator(DecorrelatedJitterStrategy{})
}
