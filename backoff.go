package resilix

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy determines the delay between retry attempts.
type BackoffStrategy interface {
	// Delay returns the duration to wait before the given retry
	// (0-indexed: attempt 0 is the delay before the first retry).
	Delay(attempt int) time.Duration
}

// BackoffFunc adapts an ordinary function into a [BackoffStrategy].
type BackoffFunc func(attempt int) time.Duration

// Delay calls the underlying function.
func (f BackoffFunc) Delay(attempt int) time.Duration { return f(attempt) }

// ConstantBackoff returns a [BackoffStrategy] with a fixed delay d.
func ConstantBackoff(d time.Duration) BackoffStrategy {
	return BackoffFunc(func(int) time.Duration { return d })
}

// ---------------------------------------------------------------------------
// Jittered exponential backoff
// ---------------------------------------------------------------------------

// Jitter returns a uniform sample in [0,1). It must be safe for concurrent
// use.
type Jitter func() float64

// DefaultJitter draws from the runtime's concurrent-safe generator.
func DefaultJitter() float64 { return rand.Float64() }

// Interval returns the wait after the i-th failed attempt (1-based):
//
//	min(InitialInterval * BackoffCoefficient^(i-1) * j, MaxInterval)
//
// where j = 1 - JitterFraction + 2*JitterFraction*u spans
// [1-JitterFraction, 1+JitterFraction] as u spans [0,1).
func (p *RetryPolicy) Interval(i int, u float64) time.Duration {
	if i < 1 {
		i = 1
	}

	j := 1 - p.JitterFraction + 2*p.JitterFraction*u
	d := float64(p.InitialInterval) *
		math.Pow(p.BackoffCoefficient, float64(i-1)) * j

	switch {
	case math.IsNaN(d) || d < 0:
		return 0
	case d >= float64(p.MaxInterval):
		return p.MaxInterval
	default:
		return time.Duration(d)
	}
}

// Backoff adapts the policy into a [BackoffStrategy] drawing one jitter
// sample per retry. A nil jitter uses [DefaultJitter].
func (p *RetryPolicy) Backoff(jitter Jitter) BackoffStrategy {
	if jitter == nil {
		jitter = DefaultJitter
	}

	return BackoffFunc(func(attempt int) time.Duration {
		return p.Interval(attempt+1, jitter())
	})
}
