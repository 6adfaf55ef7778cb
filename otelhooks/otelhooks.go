// Package otelhooks records resilix engine events as OpenTelemetry metrics
// and structured log lines.
package otelhooks

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/byte4ever/resilix"
)

// ScopeName is the instrumentation scope callers should pass to
// MeterProvider.Meter.
const ScopeName = "github.com/byte4ever/resilix/otelhooks"

// Metric names.
const (
	MetricCalls       = "resilix.calls"
	MetricCallLatency = "resilix.call.duration_ms"
	MetricRetries     = "resilix.retries"
	MetricRejections  = "resilix.rejections"
	MetricTimeouts    = "resilix.timeouts"
	MetricChaos       = "resilix.chaos.injected"
	MetricTransitions = "resilix.breaker.transitions"
)

type (
	// Recorder turns engine hooks into metrics.
	Recorder struct {
		calls       metric.Int64Counter
		latency     metric.Float64Histogram
		retries     metric.Int64Counter
		rejections  metric.Int64Counter
		timeouts    metric.Int64Counter
		chaos       metric.Int64Counter
		transitions metric.Int64Counter
		logger      *slog.Logger
	}

	// Option configures a Recorder.
	Option func(*Recorder)
)

// WithLogger logs breaker transitions and rejections through l.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// New creates every instrument on meter.
func New(meter metric.Meter, opts ...Option) (*Recorder, error) {
	r := &Recorder{logger: slog.New(slog.DiscardHandler)}

	for _, opt := range opts {
		opt(r)
	}

	var err error

	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}

		var c metric.Int64Counter

		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))

		return c
	}

	r.calls = counter(MetricCalls, "Guarded calls by final outcome", "{call}")
	r.retries = counter(MetricRetries, "Retry attempts scheduled", "{attempt}")
	r.rejections = counter(MetricRejections, "Calls rejected by an open breaker", "{call}")
	r.timeouts = counter(MetricTimeouts, "Attempts that exceeded their timeout", "{attempt}")
	r.chaos = counter(MetricChaos, "Faults injected by chaos runs", "{fault}")
	r.transitions = counter(MetricTransitions, "Circuit breaker state transitions", "{transition}")

	if err != nil {
		return nil, err
	}

	r.latency, err = meter.Float64Histogram(
		MetricCallLatency,
		metric.WithDescription("Guarded call latency summed over attempts"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

func targetAttr(target string) attribute.KeyValue {
	return attribute.String("resilix.target", target)
}

// Hooks returns engine hooks feeding the recorder. Pass them to
// resilix.WithHooks.
func (r *Recorder) Hooks() resilix.Hooks {
	ctx := context.Background()

	return resilix.Hooks{
		OnCallComplete: func(target string, o resilix.ExecutionOutcome) {
			outcome := "success"
			if !o.Succeeded {
				outcome = o.Kind.String()
			}

			opt := metric.WithAttributes(targetAttr(target), attribute.String("resilix.outcome", outcome))
			r.calls.Add(ctx, 1, opt)
			r.latency.Record(ctx, float64(o.Latency)/float64(time.Millisecond), opt)
		},
		OnRetry: func(target string, _ int, err error, _ time.Duration) {
			r.retries.Add(ctx, 1, metric.WithAttributes(
				targetAttr(target),
				attribute.String("resilix.kind", resilix.KindOf(err).String()),
			))
		},
		OnRejected: func(target string) {
			r.rejections.Add(ctx, 1, metric.WithAttributes(targetAttr(target)))
			r.logger.Debug("call rejected", slog.String("target", target))
		},
		OnTimeout: func(target string, _ int) {
			r.timeouts.Add(ctx, 1, metric.WithAttributes(targetAttr(target)))
		},
		OnChaosInjected: func(target string, kind resilix.ErrorKind) {
			r.chaos.Add(ctx, 1, metric.WithAttributes(
				targetAttr(target),
				attribute.String("resilix.kind", kind.String()),
			))
		},
		OnStateChange: func(target string, from, to resilix.BreakerState) {
			r.transitions.Add(ctx, 1, metric.WithAttributes(
				targetAttr(target),
				attribute.String("resilix.from", from.String()),
				attribute.String("resilix.to", to.String()),
			))

			level := slog.LevelInfo
			if to == resilix.StateOpen {
				level = slog.LevelWarn
			}

			r.logger.Log(ctx, level, "breaker state change",
				slog.String("target", target),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
}
