// Package retry defines retry policies and failure classification for
// step execution.
package retry

import (
	"time"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Policy configures retry behavior for a step. The zero value performs
// no retries.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the
	// first. Values below 1 are read as 1.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// Strategy controls delay growth. Defaults to StrategyFixed.
	Strategy Strategy

	// RetryIf decides whether a failure is retryable. When nil,
	// IsRecoverable is used.
	RetryIf func(error) bool
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(maxAttempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: delay, Strategy: StrategyFixed}
}

// Linear returns a policy whose delay grows by BaseDelay each attempt.
func Linear(maxAttempts int, base time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: base, Strategy: StrategyLinear}
}

// Exponential returns a policy whose delay doubles each attempt, capped
// at max (no cap when max is zero).
func Exponential(maxAttempts int, base, max time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: max, Strategy: StrategyExponential}
}

// Attempts returns the effective invocation budget.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay computes the wait before retry number attempt (1-based: attempt 1
// is the delay after the first failure).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	var delay time.Duration
	switch p.Strategy {
	case StrategyLinear:
		delay = p.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		delay = p.BaseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				delay = p.MaxDelay
				break
			}
		}
	default:
		delay = p.BaseDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether err warrants another attempt under this
// policy.
func (p Policy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if p.RetryIf != nil {
		return p.RetryIf(err)
	}
	return IsRecoverable(err)
}
