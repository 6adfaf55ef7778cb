package resilix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Category names one group of chaos assertions.
type Category string

// Assertion categories, in report order.
const (
	CategoryRetryBounds     Category = "retry_bounds"
	CategoryBreakerOpens    Category = "breaker_opens"
	CategoryBreakerReopens  Category = "breaker_reopens"
	CategoryBreakerCloses   Category = "breaker_closes"
	CategoryTimeoutEnforced Category = "timeout_enforced"
)

// Categories lists every assertion category.
func Categories() []Category {
	return []Category{
		CategoryRetryBounds,
		CategoryBreakerOpens,
		CategoryBreakerReopens,
		CategoryBreakerCloses,
		CategoryTimeoutEnforced,
	}
}

// AssertionResult is the verdict of one category.
type AssertionResult struct {
	Category Category       `json:"category"`
	Passed   bool           `json:"passed"`
	Skipped  bool           `json:"skipped,omitempty"`
	Message  string         `json:"message"`
	Evidence map[string]any `json:"evidence,omitempty"`
	Elapsed  time.Duration  `json:"elapsed"`
}

// TestReport is the outcome of one chaos run.
type TestReport struct {
	Target   string            `json:"target"`
	RunID    string            `json:"run_id"`
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"duration"`
	Results  []AssertionResult `json:"results"`
	Chaos    ChaosSummary      `json:"chaos"`
}

// Passed reports whether no category failed. Skipped categories pass.
func (r TestReport) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}

	return true
}

// Result returns the verdict of category c.
func (r TestReport) Result(c Category) (AssertionResult, bool) {
	for _, res := range r.Results {
		if res.Category == c {
			return res, true
		}
	}

	return AssertionResult{}, false
}

// Probe is the real operation exercised under chaos.
type Probe func(ctx context.Context) (any, error)

type (
	// PolicyTester drives chaos against a target's real policies and checks
	// the engine behaves as the policies promise. Every category runs in
	// its own sandboxed engine whose breaker keys live under a per-run
	// namespace, so production breaker state is never touched.
	PolicyTester struct {
		registry     *Registry
		probe        Probe
		tolerance    time.Duration
		maxSoakCalls int
		logger       *slog.Logger
		seed         *uint64
	}

	// TesterOption configures a PolicyTester.
	TesterOption func(*PolicyTester)
)

// WithProbe sets the real operation; the default succeeds immediately.
func WithProbe(p Probe) TesterOption {
	return func(pt *PolicyTester) { pt.probe = p }
}

// WithTimeoutTolerance sets how late a timeout may fire and still pass.
func WithTimeoutTolerance(d time.Duration) TesterOption {
	return func(pt *PolicyTester) { pt.tolerance = d }
}

// WithMaxSoakCalls bounds the guarded calls made by the retry category.
func WithMaxSoakCalls(n int) TesterOption {
	return func(pt *PolicyTester) { pt.maxSoakCalls = n }
}

// WithTesterLogger sets the tester's logger.
func WithTesterLogger(l *slog.Logger) TesterOption {
	return func(pt *PolicyTester) { pt.logger = l }
}

// WithTesterSeed makes every chaos draw of a run reproducible.
func WithTesterSeed(seed uint64) TesterOption {
	return func(pt *PolicyTester) { pt.seed = &seed }
}

// NewPolicyTester seals reg and returns a tester over it.
func NewPolicyTester(reg *Registry, opts ...TesterOption) *PolicyTester {
	reg.Seal()

	pt := &PolicyTester{
		registry:     reg,
		probe:        func(context.Context) (any, error) { return nil, nil },
		tolerance:    20 * time.Millisecond,
		maxSoakCalls: 200,
		logger:       discardLogger(),
	}

	for _, opt := range opts {
		opt(pt)
	}

	return pt
}

// RunChaosTest runs a PolicyTester over the engine's registry.
func (e *Engine) RunChaosTest(
	ctx context.Context,
	target string,
	d time.Duration,
	cfg ChaosConfig,
	opts ...TesterOption,
) (TestReport, error) {
	opts = append([]TesterOption{WithTesterLogger(e.logger)}, opts...)

	return NewPolicyTester(e.registry, opts...).Test(ctx, target, d, cfg)
}

// run carries the per-run state shared by every category.
type run struct {
	pt       *PolicyTester
	id       string
	target   string
	policy   *Target
	duration time.Duration
	cfg      ChaosConfig
	recorder *ChaosRecorder
}

// Test resolves target and runs every category concurrently for at most d
// of soak time. The error is non-nil only when the run could not start or
// ctx ended; failed assertions are reported in the TestReport.
func (pt *PolicyTester) Test(
	ctx context.Context,
	target string,
	d time.Duration,
	cfg ChaosConfig,
) (TestReport, error) {
	policy, err := pt.registry.Resolve(target)
	if err != nil {
		return TestReport{}, fmt.Errorf("resilix: chaos test: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return TestReport{}, fmt.Errorf("resilix: chaos test: %w", err)
	}

	r := &run{
		pt:       pt,
		id:       uuid.NewString(),
		target:   target,
		policy:   policy,
		duration: d,
		cfg:      cfg,
		recorder: NewChaosRecorder(),
	}

	report := TestReport{Target: target, RunID: r.id, Started: time.Now()}

	checks := map[Category]func(context.Context, *AssertionResult){
		CategoryRetryBounds:     r.retryBounds,
		CategoryBreakerOpens:    r.breakerOpens,
		CategoryBreakerReopens:  r.breakerReopens,
		CategoryBreakerCloses:   r.breakerCloses,
		CategoryTimeoutEnforced: r.timeoutEnforced,
	}

	cats := Categories()
	report.Results = make([]AssertionResult, len(cats))

	g, gctx := errgroup.WithContext(ctx)

	for i, c := range cats {
		g.Go(func() error {
			res := &report.Results[i]
			res.Category = c
			res.Evidence = map[string]any{}

			start := time.Now()
			checks[c](gctx, res)
			res.Elapsed = time.Since(start)

			return nil
		})
	}

	_ = g.Wait()

	report.Duration = time.Since(report.Started)
	report.Chaos = r.recorder.Summary()

	pt.logger.Info("chaos test finished",
		slog.String("target", target),
		slog.String("run_id", r.id),
		slog.Bool("passed", report.Passed()),
		slog.Duration("duration", report.Duration),
	)

	if ctx.Err() != nil {
		return report, cancelled(ctx)
	}

	return report, nil
}

// sandbox returns an engine whose breakers are private to one category.
func (r *run) sandbox(c Category, clock Clock) *Engine {
	return NewEngine(r.pt.registry,
		WithClock(clock),
		WithLogger(r.pt.logger),
		withNamespace(fmt.Sprintf("chaos/%s/%s/", r.id, c)),
	)
}

// injector returns a chaos wrapper around the probe. A non-nil rate
// overrides the configured failure rate.
func (r *run) injector(
	clock Clock,
	rate *float64,
) (func(context.Context) (any, error), *ChaosInjector) {
	cfg := r.cfg
	cfg.Targets, cfg.Exclude, cfg.BlastRadius = nil, nil, 0

	if rate != nil {
		cfg.FailureRate = *rate
		cfg.TimeoutRate = 0
	}

	opts := []ChaosOption{WithChaosClock(clock), WithRecorder(r.recorder)}
	if r.pt.seed != nil {
		opts = append(opts, WithSeed(*r.pt.seed))
	}

	inj, err := NewChaosInjector(cfg, opts...)
	if err != nil {
		// cfg was validated in Test; only the rate changed.
		panic(err)
	}

	return InjectChaos(inj, r.target, r.pt.probe), inj
}

func ptr[T any](v T) *T { return &v }

func skip(res *AssertionResult, msg string) {
	res.Passed = true
	res.Skipped = true
	res.Message = msg
}

func verdict(res *AssertionResult, ok bool, pass, fail string) {
	res.Passed = ok
	if ok {
		res.Message = pass
	} else {
		res.Message = fail
	}
}

// ---------------------------------------------------------------------------
// Categories
// ---------------------------------------------------------------------------

func (r *run) retryBounds(ctx context.Context, res *AssertionResult) {
	clock := NewAutoClock(time.Now())
	eng := r.sandbox(CategoryRetryBounds, clock)
	wrapped, _ := r.injector(clock, nil)

	maxAttempts := 1
	if r.policy.Retry != nil {
		maxAttempts = r.policy.Retry.MaxAttempts
	}

	var (
		attempts                            atomic.Int64
		calls, exhausted, rejected, mostSeen int
		violation                           string
	)

	deadline := time.Now().Add(r.duration)

	counted := func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return wrapped(ctx)
	}

	for calls < r.pt.maxSoakCalls && time.Now().Before(deadline) && ctx.Err() == nil {
		attempts.Store(0)
		calls++

		_, err := Do(ctx, eng, r.target, counted)
		n := int(attempts.Load())
		mostSeen = max(mostSeen, n)

		switch {
		case errors.Is(err, ErrCircuitOpen):
			rejected++
		case errors.Is(err, ErrRetriesExhausted):
			exhausted++

			if n != maxAttempts && violation == "" {
				violation = fmt.Sprintf("call %d exhausted after %d attempts, policy allows %d", calls, n, maxAttempts)
			}
		}

		if n > maxAttempts && violation == "" {
			violation = fmt.Sprintf("call %d made %d attempts, policy allows %d", calls, n, maxAttempts)
		}
	}

	res.Evidence["calls"] = calls
	res.Evidence["max_attempts"] = maxAttempts
	res.Evidence["most_attempts_seen"] = mostSeen
	res.Evidence["exhausted"] = exhausted
	res.Evidence["rejected"] = rejected

	verdict(res, violation == "" && calls > 0,
		fmt.Sprintf("%d calls stayed within %d attempts", calls, maxAttempts),
		violation+fmt.Sprintf(" (calls=%d)", calls),
	)
}

// openBreaker drives threshold failing calls and returns the breaker.
func (r *run) openBreaker(
	ctx context.Context,
	eng *Engine,
	failing func(context.Context) (any, error),
	res *AssertionResult,
) (*CircuitBreaker, bool) {
	threshold := r.policy.CircuitBreaker.FailureThreshold

	for i := 1; i <= threshold; i++ {
		if _, err := Do(ctx, eng, r.target, failing); err == nil {
			res.Message = fmt.Sprintf("failing call %d succeeded", i)
			return nil, false
		}

		cb, _ := eng.Breaker(r.target)
		state := cb.State()

		if i < threshold && state != StateClosed {
			res.Message = fmt.Sprintf("breaker %s after %d of %d failures", state, i, threshold)
			return nil, false
		}

		if i == threshold && state != StateOpen {
			res.Message = fmt.Sprintf("breaker %s after %d failures, want open", state, threshold)
			return nil, false
		}
	}

	cb, _ := eng.Breaker(r.target)

	return cb, true
}

func (r *run) breakerOpens(ctx context.Context, res *AssertionResult) {
	if r.policy.CircuitBreaker == nil {
		skip(res, "target has no circuit breaker")
		return
	}

	clock := NewAutoClock(time.Now())
	eng := r.sandbox(CategoryBreakerOpens, clock)
	failing, inj := r.injector(clock, ptr(1.0))

	cb, ok := r.openBreaker(ctx, eng, failing, res)
	if !ok {
		return
	}

	before := inj.Calls()
	_, err := Do(ctx, eng, r.target, failing)
	invoked := inj.Calls() - before

	res.Evidence["failure_threshold"] = r.policy.CircuitBreaker.FailureThreshold
	res.Evidence["opened_at"] = cb.Snapshot().OpenedAt
	res.Evidence["invoked_while_open"] = invoked

	verdict(res, errors.Is(err, ErrCircuitOpen) && invoked == 0,
		fmt.Sprintf("opened after exactly %d failures and failed fast", r.policy.CircuitBreaker.FailureThreshold),
		fmt.Sprintf("call while open returned %v and invoked the operation %d times", err, invoked),
	)
}

func (r *run) breakerReopens(ctx context.Context, res *AssertionResult) {
	if r.policy.CircuitBreaker == nil {
		skip(res, "target has no circuit breaker")
		return
	}

	clock := NewAutoClock(time.Now())
	eng := r.sandbox(CategoryBreakerReopens, clock)
	failing, inj := r.injector(clock, ptr(1.0))

	cb, ok := r.openBreaker(ctx, eng, failing, res)
	if !ok {
		return
	}

	first := cb.Snapshot().OpenedAt
	clock.Advance(r.policy.CircuitBreaker.OpenDuration)

	before := inj.Calls()
	_, _ = Do(ctx, eng, r.target, failing)
	failedAt := clock.Now()
	snap := cb.Snapshot()

	res.Evidence["first_opened_at"] = first
	res.Evidence["reopened_at"] = snap.OpenedAt
	res.Evidence["trial_invoked"] = inj.Calls() - before

	verdict(res,
		inj.Calls() > before && snap.State == StateOpen && snap.OpenedAt.Equal(failedAt),
		"a single half-open failure reopened the breaker",
		fmt.Sprintf("after half-open failure: state=%s opened_at=%v, want open at %v",
			snap.State, snap.OpenedAt, failedAt),
	)
}

func (r *run) breakerCloses(ctx context.Context, res *AssertionResult) {
	if r.policy.CircuitBreaker == nil {
		skip(res, "target has no circuit breaker")
		return
	}

	clock := NewAutoClock(time.Now())
	eng := r.sandbox(CategoryBreakerCloses, clock)
	failing, _ := r.injector(clock, ptr(1.0))
	passing, _ := r.injector(clock, ptr(0.0))

	cb, ok := r.openBreaker(ctx, eng, failing, res)
	if !ok {
		return
	}

	clock.Advance(r.policy.CircuitBreaker.OpenDuration)

	required := r.policy.CircuitBreaker.RequiredHalfOpenSuccesses

	for j := 1; j <= required; j++ {
		if _, err := Do(ctx, eng, r.target, passing); err != nil {
			res.Message = fmt.Sprintf("half-open trial %d failed: %v", j, err)
			return
		}

		if state := cb.State(); j < required && state != StateHalfOpen {
			res.Message = fmt.Sprintf("breaker %s after %d of %d trial successes", state, j, required)
			return
		}
	}

	snap := cb.Snapshot()
	res.Evidence["required_successes"] = required
	res.Evidence["consecutive_failures"] = snap.ConsecutiveFailures

	verdict(res, snap.State == StateClosed && snap.ConsecutiveFailures == 0,
		fmt.Sprintf("closed after %d half-open successes", required),
		fmt.Sprintf("after %d successes: state=%s failures=%d", required, snap.State, snap.ConsecutiveFailures),
	)
}

func (r *run) timeoutEnforced(ctx context.Context, res *AssertionResult) {
	if r.policy.Timeout == nil {
		skip(res, "target has no timeout")
		return
	}

	limit := r.policy.Timeout.Duration
	if limit > r.duration {
		skip(res, fmt.Sprintf("timeout %v exceeds test duration %v", limit, r.duration))
		return
	}

	slow := r.cfg
	slow.Latency = &LatencyRange{Min: 4 * limit, Max: 4 * limit}
	slow.FailureRate, slow.TimeoutRate = 0, 0
	slow.Targets, slow.Exclude, slow.BlastRadius = nil, nil, 0

	inj, err := NewChaosInjector(slow, WithRecorder(r.recorder))
	if err != nil {
		res.Message = err.Error()
		return
	}

	start := time.Now()
	_, err = RunWithTimeout(ctx, limit, InjectChaos(inj, r.target, r.pt.probe))
	elapsed := time.Since(start)

	res.Evidence["timeout"] = limit
	res.Evidence["elapsed"] = elapsed
	res.Evidence["tolerance"] = r.pt.tolerance

	verdict(res, errors.Is(err, ErrTimeout) && elapsed <= limit+r.pt.tolerance,
		fmt.Sprintf("timed out after %v (limit %v)", elapsed, limit),
		fmt.Sprintf("returned %v after %v, want ErrTimeout within %v", err, elapsed, limit+r.pt.tolerance),
	)
}
