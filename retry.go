package resilix

import (
	"context"
	"time"
)

// ExecutionOutcome records one attempt.
type ExecutionOutcome struct {
	Attempt   int           `json:"attempt"`
	Succeeded bool          `json:"succeeded"`
	Kind      ErrorKind     `json:"kind"`
	Latency   time.Duration `json:"latency"`
	Err       error         `json:"-"`
}

// RetryParams configures a single Retry run. Zero fields take defaults:
// one attempt, no wait, [DefaultRetryable], unbounded attempts and
// [RealClock].
type RetryParams struct {
	// Target names the call in hook events.
	Target         string
	MaxAttempts    int
	Strategy       BackoffStrategy
	Retryable      Classifier
	AttemptTimeout time.Duration
	Hooks          *Hooks
	Clock          Clock
}

// RetryParamsFor derives params from a target's retry and timeout policies.
func RetryParamsFor(t *Target, jitter Jitter) RetryParams {
	p := RetryParams{Target: t.Name, MaxAttempts: 1, Retryable: RetryOn()}

	if t.Retry != nil {
		p.MaxAttempts = t.Retry.MaxAttempts
		p.Strategy = t.Retry.Backoff(jitter)
		p.Retryable = t.Retry.Classify
	}

	if t.Timeout != nil {
		p.AttemptTimeout = t.Timeout.Duration
	}

	return p
}

// Retry runs op up to MaxAttempts times, each attempt bounded by
// AttemptTimeout. It stops on the first success, on a failure the
// classifier rejects (returning that error unchanged) or on caller
// cancellation (an error matching ErrCancelled). When every attempt fails
// with a retryable error it returns a *RetriesExhaustedError. The outcome
// slice lists every executed attempt.
//
//nolint:ireturn // generic type parameter T, not an interface
func Retry[T any](
	ctx context.Context,
	op func(context.Context) (T, error),
	p RetryParams,
) (T, []ExecutionOutcome, error) {
	var zero T

	maxAttempts := max(p.MaxAttempts, 1)
	strategy := p.Strategy
	if strategy == nil {
		strategy = ConstantBackoff(0)
	}

	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	clock := p.Clock
	if clock == nil {
		clock = RealClock{}
	}

	outcomes := make([]ExecutionOutcome, 0, maxAttempts)

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, outcomes, cancelled(ctx)
		}

		start := clock.Now()
		v, err := RunWithTimeout(ctx, p.AttemptTimeout, op)
		kind := KindOf(err)

		outcomes = append(outcomes, ExecutionOutcome{
			Attempt:   attempt,
			Succeeded: err == nil,
			Kind:      kind,
			Latency:   clock.Since(start),
			Err:       err,
		})

		if err == nil {
			return v, outcomes, nil
		}

		lastErr = err

		if kind == KindTimeout {
			p.Hooks.emitTimeout(p.Target, attempt)
		}

		if !mayRetry(kind, retryable) {
			return zero, outcomes, err
		}

		if attempt == maxAttempts {
			break
		}

		delay := strategy.Delay(attempt - 1)
		p.Hooks.emitRetry(p.Target, attempt, err, delay)

		if err := sleep(ctx, clock, delay); err != nil {
			return zero, outcomes, err
		}
	}

	return zero, outcomes, &RetriesExhaustedError{
		Last:     lastErr,
		Outcomes: outcomes,
	}
}

// mayRetry applies the classifier; permanent, cancelled and breaker
// rejections always stop.
func mayRetry(kind ErrorKind, retryable Classifier) bool {
	switch kind {
	case KindPermanent, KindCancelled, KindCircuitOpen:
		return false
	default:
		return retryable(kind)
	}
}
