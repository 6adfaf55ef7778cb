package resilix

import "time"

// Each preset returns a fresh policy, so callers may modify the result.

// DefaultRetry returns 5 attempts starting at 1s, doubling up to 30s with
// 10% jitter.
func DefaultRetry() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:        5,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        30 * time.Second,
		JitterFraction:     0.1,
	}
}

// AggressiveRetry returns 10 attempts starting at 500ms, growing by 1.5
// up to 60s.
func AggressiveRetry() *RetryPolicy {
	p := DefaultRetry()
	p.MaxAttempts = 10
	p.InitialInterval = 500 * time.Millisecond
	p.BackoffCoefficient = 1.5
	p.MaxInterval = time.Minute

	return p
}

// ConservativeRetry returns 3 attempts starting at 2s, doubling up to 10s.
func ConservativeRetry() *RetryPolicy {
	p := DefaultRetry()
	p.MaxAttempts = 3
	p.InitialInterval = 2 * time.Second
	p.MaxInterval = 10 * time.Second

	return p
}

// NoRetry returns a policy that makes a single attempt.
func NoRetry() *RetryPolicy {
	p := DefaultRetry()
	p.MaxAttempts = 1

	return p
}

// DefaultCircuitBreaker opens after 5 consecutive failures for 30s and
// closes after one successful trial.
func DefaultCircuitBreaker() *CircuitBreakerPolicy {
	return &CircuitBreakerPolicy{
		FailureThreshold:          5,
		OpenDuration:              30 * time.Second,
		HalfOpenMaxTrials:         1,
		RequiredHalfOpenSuccesses: 1,
	}
}

// StandardTarget returns a target named name guarded by DefaultRetry,
// DefaultCircuitBreaker and a 5s attempt timeout.
func StandardTarget(name string) *Target {
	return &Target{
		Name:           name,
		Retry:          DefaultRetry(),
		CircuitBreaker: DefaultCircuitBreaker(),
		Timeout:        &TimeoutPolicy{Duration: 5 * time.Second},
	}
}
