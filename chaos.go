package resilix

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// LatencyRange bounds injected latency; samples are uniform in [Min, Max].
type LatencyRange struct {
	Min time.Duration `json:"min" yaml:"min"`
	Max time.Duration `json:"max" yaml:"max"`
}

// ChaosConfig drives a ChaosInjector. Name patterns in Targets and Exclude
// accept a trailing "*".
type ChaosConfig struct {
	// FailureRate is the probability that a call fails without running.
	FailureRate float64
	// Latency, when set, delays every affected call.
	Latency *LatencyRange
	// InjectedKind is the kind of injected failures; zero means
	// KindChaosInjected.
	InjectedKind ErrorKind
	// TimeoutRate is the probability that a call sleeps TimeoutAfter and
	// then fails as a timeout.
	TimeoutRate  float64
	TimeoutAfter time.Duration
	// Targets limits injection to matching names; empty means all.
	Targets []string
	// Exclude removes matching names from injection.
	Exclude []string
	// BlastRadius is the fraction of eligible calls affected; zero means
	// every call.
	BlastRadius float64
}

// Validate checks rates and ranges.
func (c ChaosConfig) Validate() error {
	var errs []error

	bad := func(field, reason string) {
		errs = append(errs, &ConfigurationError{Field: "chaos." + field, Reason: reason})
	}

	rate := func(field string, v float64) {
		if v < 0 || v > 1 {
			bad(field, fmt.Sprintf("%g must be within [0,1]", v))
		}
	}

	rate("failure_rate", c.FailureRate)
	rate("timeout_rate", c.TimeoutRate)
	rate("blast_radius", c.BlastRadius)

	if c.Latency != nil && (c.Latency.Min < 0 || c.Latency.Max < c.Latency.Min) {
		bad("latency", fmt.Sprintf("[%v, %v] is not a valid range", c.Latency.Min, c.Latency.Max))
	}

	if c.TimeoutRate > 0 && c.TimeoutAfter <= 0 {
		bad("timeout_after", "must be > 0 when timeout_rate is set")
	}

	if c.InjectedKind == KindCancelled || c.InjectedKind == KindCircuitOpen {
		bad("injected_kind", c.InjectedKind.String()+" cannot be injected")
	}

	return errors.Join(errs...)
}

func (c ChaosConfig) kind() ErrorKind {
	if c.InjectedKind == KindNone {
		return KindChaosInjected
	}

	return c.InjectedKind
}

// applies reports whether target is selected by Targets and Exclude.
func (c ChaosConfig) applies(target string) bool {
	matches := func(pattern string) bool { return matchName(pattern, target) }

	if len(c.Targets) > 0 && !slices.ContainsFunc(c.Targets, matches) {
		return false
	}

	return !slices.ContainsFunc(c.Exclude, matches)
}

func matchName(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}

	return pattern == name
}

// ChaosError is the failure returned by an injected fault.
type ChaosError struct {
	Kind   ErrorKind
	Target string
}

func (e *ChaosError) Error() string {
	return fmt.Sprintf("resilix: chaos injected %s into %q", e.Kind, e.Target)
}

// Unwrap lets injected timeouts match ErrTimeout.
func (e *ChaosError) Unwrap() error {
	if e.Kind == KindTimeout {
		return ErrTimeout
	}

	return nil
}

// ---------------------------------------------------------------------------
// ChaosInjector
// ---------------------------------------------------------------------------

type (
	// ChaosInjector wraps operations with probabilistic faults. It is
	// meant for test and chaos runs only; the engine never installs one on
	// its own.
	ChaosInjector struct {
		cfg      ChaosConfig
		clock    Clock
		recorder *ChaosRecorder
		hooks    *Hooks
		calls    atomic.Int64

		mu  sync.Mutex
		rng *rand.Rand
	}

	// ChaosOption configures a ChaosInjector.
	ChaosOption func(*ChaosInjector)
)

// WithSeed makes the injector's draws reproducible.
func WithSeed(seed uint64) ChaosOption {
	return func(c *ChaosInjector) {
		c.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithChaosClock sets the clock used for injected latency.
func WithChaosClock(clock Clock) ChaosOption {
	return func(c *ChaosInjector) { c.clock = clock }
}

// WithRecorder records every injected fault.
func WithRecorder(r *ChaosRecorder) ChaosOption {
	return func(c *ChaosInjector) { c.recorder = r }
}

// WithChaosHooks reports injected failures through h.
func WithChaosHooks(h *Hooks) ChaosOption {
	return func(c *ChaosInjector) { c.hooks = h }
}

// NewChaosInjector validates cfg and builds an injector.
func NewChaosInjector(cfg ChaosConfig, opts ...ChaosOption) (*ChaosInjector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &ChaosInjector{cfg: cfg, clock: RealClock{}}

	for _, opt := range opts {
		opt(c)
	}

	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return c, nil
}

// Calls returns how many wrapped calls reached the injector.
func (c *ChaosInjector) Calls() int64 { return c.calls.Load() }

// Wrap is the untyped form of [InjectChaos].
func (c *ChaosInjector) Wrap(
	target string,
	op func(context.Context) (any, error),
) func(context.Context) (any, error) {
	return InjectChaos(c, target, op)
}

// InjectChaos returns op wrapped with c's faults. For each call, in order:
// injected latency, then the timeout draw, then the failure draw; the real
// operation only runs when no fault fired.
func InjectChaos[T any](
	c *ChaosInjector,
	target string,
	op func(context.Context) (T, error),
) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var zero T

		c.calls.Add(1)

		if !c.cfg.applies(target) || !c.draw(c.cfg.BlastRadius, true) {
			return op(ctx)
		}

		if lr := c.cfg.Latency; lr != nil {
			d := lr.Min + time.Duration(c.uniform()*float64(lr.Max-lr.Min))
			c.record(ChaosLatency, target, KindNone, d)

			if err := sleep(ctx, c.clock, d); err != nil {
				return zero, err
			}
		}

		if c.cfg.TimeoutRate > 0 && c.draw(c.cfg.TimeoutRate, false) {
			if err := sleep(ctx, c.clock, c.cfg.TimeoutAfter); err != nil {
				return zero, err
			}

			c.record(ChaosTimeout, target, KindTimeout, c.cfg.TimeoutAfter)
			c.hooks.emitChaosInjected(target, KindTimeout)

			return zero, &ChaosError{Kind: KindTimeout, Target: target}
		}

		if c.draw(c.cfg.FailureRate, false) {
			kind := c.cfg.kind()
			c.record(ChaosFailure, target, kind, 0)
			c.hooks.emitChaosInjected(target, kind)

			return zero, &ChaosError{Kind: kind, Target: target}
		}

		return op(ctx)
	}
}

func (c *ChaosInjector) uniform() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64()
}

// draw returns true with probability p. When zeroIsOne is set a zero p
// means always.
func (c *ChaosInjector) draw(p float64, zeroIsOne bool) bool {
	if p == 0 && zeroIsOne {
		return true
	}

	return c.uniform() < p
}

func (c *ChaosInjector) record(typ ChaosEventType, target string, kind ErrorKind, d time.Duration) {
	if c.recorder == nil {
		return
	}

	c.recorder.Record(ChaosEvent{
		Type:   typ,
		Target: target,
		Kind:   kind,
		Delay:  d,
		At:     c.clock.Now(),
	})
}

// ---------------------------------------------------------------------------
// ChaosRecorder
// ---------------------------------------------------------------------------

// ChaosEventType names a kind of injected fault.
type ChaosEventType string

// Chaos event types.
const (
	ChaosLatency ChaosEventType = "latency"
	ChaosFailure ChaosEventType = "failure"
	ChaosTimeout ChaosEventType = "timeout"
)

// ChaosEvent is one injected fault.
type ChaosEvent struct {
	Type   ChaosEventType `json:"type"`
	Target string         `json:"target"`
	Kind   ErrorKind      `json:"kind"`
	Delay  time.Duration  `json:"delay,omitempty"`
	At     time.Time      `json:"at"`
}

// ChaosSummary aggregates recorded events.
type ChaosSummary struct {
	Total  int                    `json:"total"`
	ByType map[ChaosEventType]int `json:"by_type"`
	First  time.Time              `json:"first,omitzero"`
	Last   time.Time              `json:"last,omitzero"`
}

// ChaosRecorder collects injected faults. It is safe for concurrent use.
type ChaosRecorder struct {
	mu     sync.Mutex
	events []ChaosEvent
}

// NewChaosRecorder returns an empty recorder.
func NewChaosRecorder() *ChaosRecorder { return &ChaosRecorder{} }

// Record appends e.
func (r *ChaosRecorder) Record(e ChaosEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

// Events returns a copy of every recorded event.
func (r *ChaosRecorder) Events() []ChaosEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.events)
}

// Summary counts events per type.
func (r *ChaosRecorder) Summary() ChaosSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := ChaosSummary{Total: len(r.events), ByType: map[ChaosEventType]int{}}

	for i, e := range r.events {
		s.ByType[e.Type]++

		if i == 0 || e.At.Before(s.First) {
			s.First = e.At
		}

		if e.At.After(s.Last) {
			s.Last = e.At
		}
	}

	return s
}

// Reset drops every recorded event.
func (r *ChaosRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = nil
}
