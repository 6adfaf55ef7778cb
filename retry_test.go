package resilix_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/byte4ever/resilix"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// failing returns an operation that always fails with err and counts calls.
func failing(err error, calls *atomic.Int64) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return "", err
	}
}

// ---------------------------------------------------------------------------
// Success paths
// ---------------------------------------------------------------------------

func TestRetrySuccessOnFirstAttempt(t *testing.T) {
	clk := resilix.NewAutoClock(epoch)

	got, outcomes, err := resilix.Retry(
		context.Background(),
		func(context.Context) (string, error) { return "ok", nil },
		resilix.RetryParams{
			MaxAttempts: 3,
			Strategy:    resilix.ConstantBackoff(100 * time.Millisecond),
			Clock:       clk,
		},
	)
	if err != nil || got != "ok" {
		t.Fatalf("Retry() = (%q, %v), want (ok, nil)", got, err)
	}
	if len(outcomes) != 1 || !outcomes[0].Succeeded {
		t.Fatalf("outcomes = %+v, want one success", outcomes)
	}
	if clk.Since(epoch) != 0 {
		t.Fatalf("clock advanced %v, want no wait", clk.Since(epoch))
	}
}

func TestRetrySuccessOnThirdAttempt(t *testing.T) {
	var calls atomic.Int64

	got, outcomes, err := resilix.Retry(
		context.Background(),
		func(context.Context) (int, error) {
			if calls.Add(1) < 3 {
				return 0, resilix.Transient(errors.New("flaky"))
			}

			return 42, nil
		},
		resilix.RetryParams{MaxAttempts: 5, Clock: resilix.NewAutoClock(epoch)},
	)
	if err != nil || got != 42 {
		t.Fatalf("Retry() = (%d, %v), want (42, nil)", got, err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(outcomes))
	}
	if outcomes[0].Kind != resilix.KindTransient || outcomes[2].Kind != resilix.KindNone {
		t.Fatalf("outcome kinds = %v, %v", outcomes[0].Kind, outcomes[2].Kind)
	}
}

// ---------------------------------------------------------------------------
// Scenario A: exhaustion with exact waits
// ---------------------------------------------------------------------------

func TestRetryScenarioExhaustion(t *testing.T) {
	clk := resilix.NewAutoClock(epoch)
	policy := &resilix.RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    100 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaxInterval:        1000 * time.Millisecond,
		JitterFraction:     0,
	}

	var (
		calls  atomic.Int64
		delays []time.Duration
	)

	hooks := &resilix.Hooks{
		OnRetry: func(_ string, _ int, _ error, d time.Duration) {
			delays = append(delays, d)
		},
	}

	_, outcomes, err := resilix.Retry(
		context.Background(),
		failing(resilix.Transient(errors.New("down")), &calls),
		resilix.RetryParams{
			MaxAttempts: policy.MaxAttempts,
			Strategy:    policy.Backoff(nil),
			Hooks:       hooks,
			Clock:       clk,
		},
	)

	var exhausted *resilix.RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Retry() error = %v, want *RetriesExhaustedError", err)
	}
	if calls.Load() != 3 || len(outcomes) != 3 || len(exhausted.Outcomes) != 3 {
		t.Fatalf("attempts = %d, outcomes = %d, want 3", calls.Load(), len(outcomes))
	}
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Fatalf("delays = %v, want [100ms 200ms]", delays)
	}
	if got := clk.Since(epoch); got != 300*time.Millisecond {
		t.Fatalf("total wait = %v, want 300ms", got)
	}
}

// ---------------------------------------------------------------------------
// Stop conditions
// ---------------------------------------------------------------------------

func TestRetryPermanentStopsWithOriginalError(t *testing.T) {
	var calls atomic.Int64

	cause := resilix.Permanent(errors.New("bad request"))

	_, outcomes, err := resilix.Retry(
		context.Background(),
		failing(cause, &calls),
		resilix.RetryParams{MaxAttempts: 5, Clock: resilix.NewAutoClock(epoch)},
	)

	if !errors.Is(err, cause) || errors.Is(err, resilix.ErrRetriesExhausted) {
		t.Fatalf("Retry() error = %v, want original permanent error", err)
	}
	if calls.Load() != 1 || len(outcomes) != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryClassifierStopsUnlistedKind(t *testing.T) {
	var calls atomic.Int64

	_, _, err := resilix.Retry(
		context.Background(),
		failing(errors.New("transient"), &calls),
		resilix.RetryParams{
			MaxAttempts: 4,
			Retryable:   resilix.RetryOn(resilix.KindTimeout),
			Clock:       resilix.NewAutoClock(epoch),
		},
	)

	if err == nil || errors.Is(err, resilix.ErrRetriesExhausted) {
		t.Fatalf("Retry() error = %v, want original error", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryTimeoutIsRetried(t *testing.T) {
	var timeouts atomic.Int64

	_, outcomes, err := resilix.Retry(
		context.Background(),
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
		resilix.RetryParams{
			Target:         "slow",
			MaxAttempts:    2,
			AttemptTimeout: 5 * time.Millisecond,
			Hooks: &resilix.Hooks{
				OnTimeout: func(string, int) { timeouts.Add(1) },
			},
		},
	)

	if !errors.Is(err, resilix.ErrRetriesExhausted) || !errors.Is(err, resilix.ErrTimeout) {
		t.Fatalf("Retry() error = %v, want exhausted timeout", err)
	}
	if len(outcomes) != 2 || outcomes[1].Kind != resilix.KindTimeout {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if timeouts.Load() != 2 {
		t.Fatalf("OnTimeout calls = %d, want 2", timeouts.Load())
	}
}

func TestRetryCancellationDuringWait(t *testing.T) {
	clk := resilix.NewManualClock(epoch)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int64

	done := make(chan error, 1)

	go func() {
		_, _, err := resilix.Retry(
			ctx,
			failing(errors.New("fail"), &calls),
			resilix.RetryParams{
				MaxAttempts: 5,
				Strategy:    resilix.ConstantBackoff(time.Hour),
				Clock:       clk,
			},
		)
		done <- err
	}()

	for clk.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, resilix.ErrCancelled) {
			t.Fatalf("Retry() error = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Retry did not return after cancellation")
	}

	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	var calls atomic.Int64

	_, _, err := resilix.Retry(
		context.Background(),
		failing(errors.New("x"), &calls),
		resilix.RetryParams{},
	)

	if !errors.Is(err, resilix.ErrRetriesExhausted) {
		t.Fatalf("Retry() error = %v, want ErrRetriesExhausted", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryParamsFor(t *testing.T) {
	p := resilix.RetryParamsFor(&resilix.Target{
		Name:    "svc",
		Retry:   validRetry(),
		Timeout: &resilix.TimeoutPolicy{Duration: time.Second},
	}, nil)

	if p.Target != "svc" || p.MaxAttempts != 3 || p.AttemptTimeout != time.Second {
		t.Fatalf("RetryParamsFor() = %+v", p)
	}

	bare := resilix.RetryParamsFor(&resilix.Target{Name: "bare"}, nil)
	if bare.MaxAttempts != 1 || bare.AttemptTimeout != 0 || bare.Retryable(resilix.KindTransient) {
		t.Fatalf("RetryParamsFor(bare) = %+v", bare)
	}
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func TestRetryAttemptProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("attempts never exceed max_attempts", prop.ForAll(
		func(maxAttempts, succeedAt int) bool {
			var calls atomic.Int64

			_, outcomes, _ := resilix.Retry(
				context.Background(),
				func(context.Context) (int, error) {
					if int(calls.Add(1)) == succeedAt {
						return 1, nil
					}

					return 0, errors.New("fail")
				},
				resilix.RetryParams{
					MaxAttempts: maxAttempts,
					Strategy:    resilix.ConstantBackoff(time.Second),
					Clock:       resilix.NewAutoClock(epoch),
				},
			)

			return int(calls.Load()) <= maxAttempts &&
				len(outcomes) == int(calls.Load())
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 25),
	))

	properties.Property("always-failing op uses every attempt", prop.ForAll(
		func(maxAttempts int) bool {
			var calls atomic.Int64

			_, _, err := resilix.Retry(
				context.Background(),
				failing(errors.New("fail"), &calls),
				resilix.RetryParams{
					MaxAttempts: maxAttempts,
					Clock:       resilix.NewAutoClock(epoch),
				},
			)

			return int(calls.Load()) == maxAttempts &&
				errors.Is(err, resilix.ErrRetriesExhausted)
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
