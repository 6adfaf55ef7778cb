package resilix

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errOperationPanicked = errors.New("resilix: operation panicked")

// ExecuteGuarded is the untyped form of [Do].
func (e *Engine) ExecuteGuarded(
	ctx context.Context,
	target string,
	op func(context.Context) (any, error),
) (any, error) {
	return Do(ctx, e, target, op)
}

// Do runs op as a guarded call against target: the target's breaker
// admits it, the retry policy drives attempts, the timeout policy bounds
// each attempt and the final outcome is reported back to the breaker.
// Every failure is returned as a *GuardedError. A panic in op propagates
// to the caller after the breaker has recorded the call as failed.
//
//nolint:ireturn // generic type parameter T, not an interface
func Do[T any](
	ctx context.Context,
	e *Engine,
	target string,
	op func(context.Context) (T, error),
) (T, error) {
	ctx, span := e.tracer.Start(ctx, "resilix.guarded_call",
		trace.WithAttributes(attribute.String("resilix.target", target)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	v, err := guarded(ctx, e, target, op)

	var ge *GuardedError
	if errors.As(err, &ge) {
		span.SetAttributes(
			attribute.String("resilix.layer", string(ge.Layer)),
			attribute.String("resilix.kind", ge.Kind().String()),
			attribute.Int("resilix.attempts", len(ge.Outcomes)),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return v, err
	}

	span.SetStatus(codes.Ok, "")

	return v, nil
}

//nolint:ireturn // generic type parameter T, not an interface
func guarded[T any](
	ctx context.Context,
	e *Engine,
	target string,
	op func(context.Context) (T, error),
) (T, error) {
	var zero T

	t, err := e.registry.resolve(target)
	if err != nil {
		return zero, &GuardedError{Target: target, Layer: LayerRegistry, Err: err}
	}

	var permit *Permit

	if t.CircuitBreaker != nil {
		cb := e.breakers.get(e.namespace+target, t.CircuitBreaker)

		permit, err = cb.Admit()
		if err != nil {
			rejected := ExecutionOutcome{Kind: KindCircuitOpen, Err: err}
			e.hooks.emitCallComplete(target, rejected)

			return zero, &GuardedError{
				Target:   target,
				Layer:    LayerBreaker,
				Err:      err,
				Outcomes: []ExecutionOutcome{rejected},
			}
		}
	}

	params := RetryParamsFor(t, e.jitter)
	params.Target = target
	params.Hooks = e.hooks
	params.Clock = e.clock

	// A panicking op still settles its permit as a failure before the
	// panic continues to the caller.
	settled := false

	defer func() {
		if settled {
			return
		}

		failed := ExecutionOutcome{Kind: KindPermanent, Err: errOperationPanicked}
		permit.Report(failed)
		e.hooks.emitCallComplete(target, failed)
	}()

	v, outcomes, err := Retry(ctx, op, params)

	final := finalOutcome(outcomes, err)
	settled = true

	permit.Report(final)
	e.hooks.emitCallComplete(target, final)

	if err != nil {
		return zero, &GuardedError{
			Target:   target,
			Layer:    layerOf(err),
			Err:      err,
			Outcomes: outcomes,
		}
	}

	return v, nil
}

// finalOutcome folds the attempt trail into the single outcome the breaker
// sees.
func finalOutcome(outcomes []ExecutionOutcome, err error) ExecutionOutcome {
	var latency time.Duration
	for _, o := range outcomes {
		latency += o.Latency
	}

	return ExecutionOutcome{
		Attempt:   len(outcomes),
		Succeeded: err == nil,
		Kind:      KindOf(err),
		Latency:   latency,
		Err:       err,
	}
}
