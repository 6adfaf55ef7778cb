package resilix

import (
	"context"
	"fmt"
	"time"
)

// RunWithTimeout runs op under a deadline of d. When the deadline passes
// first, the attempt's context is cancelled and an error matching
// ErrTimeout is returned; the operation's late result is dropped. When the
// caller's ctx ends first, the error matches ErrCancelled. A non-positive d
// runs op unbounded.
//
// The operation must honor its context: once cancelled it is expected to
// return promptly so its goroutine exits. A panic in op is raised again on
// the caller's goroutine; one that happens after the deadline is dropped
// with the late result.
//
//nolint:ireturn // generic type parameter T, not an interface
func RunWithTimeout[T any](
	ctx context.Context,
	d time.Duration,
	op func(context.Context) (T, error),
) (T, error) {
	var zero T

	if ctx.Err() != nil {
		return zero, cancelled(ctx)
	}

	if d <= 0 {
		v, err := op(ctx)
		if err != nil && ctx.Err() != nil {
			return zero, cancelled(ctx)
		}

		return v, err
	}

	attemptCtx, cancel := context.WithTimeoutCause(ctx, d, ErrTimeout)
	defer cancel()

	type result struct {
		val      T
		err      error
		panicked any
	}

	// Buffered so a late sender never blocks after we stop listening.
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{panicked: p}
			}
		}()

		v, err := op(attemptCtx)
		ch <- result{val: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.panicked != nil {
			panic(r.panicked)
		}

		if r.err == nil || attemptCtx.Err() == nil {
			return r.val, r.err
		}
		// The operation gave up because its context ended.
		if ctx.Err() != nil {
			return zero, cancelled(ctx)
		}

		return zero, timedOut(d)
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, cancelled(ctx)
		}

		return zero, timedOut(d)
	}
}

func timedOut(d time.Duration) error {
	return fmt.Errorf("resilix: attempt exceeded %v: %w", d, ErrTimeout)
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}
