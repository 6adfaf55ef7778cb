package otelhooks_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/byte4ever/resilix"
	"github.com/byte4ever/resilix/otelhooks"
)

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}

	return nil
}

// sumBy returns the counter's value for the data point carrying attr.
func sumBy(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()

	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("%s metric not found", name)
	}

	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
	}

	var total int64

	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			total += dp.Value
		}
	}

	return total
}

func TestRecorderCountsEngineEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	var logs bytes.Buffer

	rec, err := otelhooks.New(mp.Meter(otelhooks.ScopeName),
		otelhooks.WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reg := resilix.NewRegistry()
	if err := reg.Register(&resilix.Target{
		Name: "billing",
		Retry: &resilix.RetryPolicy{
			MaxAttempts: 2, InitialInterval: time.Millisecond,
			BackoffCoefficient: 1, MaxInterval: time.Millisecond,
		},
		CircuitBreaker: &resilix.CircuitBreakerPolicy{
			FailureThreshold: 1, OpenDuration: time.Minute,
			HalfOpenMaxTrials: 1, RequiredHalfOpenSuccesses: 1,
		},
	}); err != nil {
		t.Fatal(err)
	}

	eng := resilix.NewEngine(reg,
		resilix.WithClock(resilix.NewAutoClock(time.Unix(0, 0))),
		resilix.WithHooks(rec.Hooks()),
	)

	op := func(context.Context) (int, error) { return 0, errors.New("flaky") }

	_, _ = resilix.Do(context.Background(), eng, "billing", op)
	_, _ = resilix.Do(context.Background(), eng, "billing", op)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	target := attribute.String("resilix.target", "billing")

	for name, want := range map[string]int64{
		otelhooks.MetricCalls:       2,
		otelhooks.MetricRetries:     1,
		otelhooks.MetricRejections:  1,
		otelhooks.MetricTransitions: 1,
	} {
		if got := sumBy(t, rm, name, target); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	if got := sumBy(t, rm, otelhooks.MetricCalls, attribute.String("resilix.outcome", "circuit_open")); got != 1 {
		t.Errorf("circuit_open calls = %d, want 1", got)
	}

	if findMetric(rm, otelhooks.MetricCallLatency) == nil {
		t.Error("latency histogram not recorded")
	}

	if !strings.Contains(logs.String(), `"level":"WARN","msg":"breaker state change"`) {
		t.Errorf("logs = %s, want a WARN breaker state change", logs.String())
	}
}
