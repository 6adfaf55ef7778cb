package resilix

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Breaker state
// ---------------------------------------------------------------------------

// BreakerState is the position of a circuit breaker's state machine.
type BreakerState int

const (
	// StateClosed admits every call.
	StateClosed BreakerState = iota
	// StateOpen rejects every call until the open duration elapses.
	StateOpen
	// StateHalfOpen admits sequential trial calls.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("BreakerState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *BreakerState) UnmarshalText(b []byte) error {
	for _, c := range []BreakerState{StateClosed, StateOpen, StateHalfOpen} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}

	return fmt.Errorf("resilix: unknown breaker state %q", b)
}

// BreakerSnapshot is a point-in-time copy of a breaker's counters.
type BreakerSnapshot struct {
	Target               string       `json:"target"`
	State                BreakerState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	OpenedAt             time.Time    `json:"opened_at,omitzero"`
	HalfOpenTrialsIssued int          `json:"half_open_trials_issued"`
	HalfOpenSuccesses    int          `json:"half_open_successes"`
}

// ---------------------------------------------------------------------------
// CircuitBreaker
// ---------------------------------------------------------------------------

type (
	// CircuitBreaker is the state machine guarding one concrete target.
	// Every admission and report runs under the breaker's mutex, so
	// concurrent callers never observe a half-applied transition.
	//
	// Half-open trials are sequential: one trial is outstanding at a time
	// and at most HalfOpenMaxTrials are issued per half-open period.
	CircuitBreaker struct {
		name   string
		policy CircuitBreakerPolicy
		clock  Clock
		hooks  *Hooks
		logger *slog.Logger

		mu               sync.Mutex
		state            BreakerState
		failures         int
		openedAt         time.Time
		trialsIssued     int
		successes        int
		trialOutstanding bool
		// generation changes on every transition; permits from an older
		// generation report into nothing.
		generation uint64
	}

	// BreakerOption configures a CircuitBreaker.
	BreakerOption func(*CircuitBreaker)

	// Permit is an admission ticket. Report must be called exactly once;
	// later calls are no-ops.
	Permit struct {
		cb         *CircuitBreaker
		generation uint64
		trial      bool
		reported   atomic.Bool
	}

	transition struct {
		from, to BreakerState
	}
)

// WithBreakerClock sets the breaker's time source.
func WithBreakerClock(c Clock) BreakerOption {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithBreakerHooks sets the breaker's event hooks.
func WithBreakerHooks(h *Hooks) BreakerOption {
	return func(cb *CircuitBreaker) { cb.hooks = h }
}

// WithBreakerLogger sets the breaker's logger.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = l }
}

// NewCircuitBreaker creates a closed breaker for the named target.
func NewCircuitBreaker(
	name string,
	policy CircuitBreakerPolicy,
	opts ...BreakerOption,
) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		policy: policy,
		clock:  RealClock{},
		logger: discardLogger(),
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// Name returns the concrete target the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Admit asks to run one call. It returns ErrCircuitOpen while open, and
// while half-open when a trial is outstanding or the trial budget is
// spent. The first admission after the open duration moves the breaker to
// half-open and is let through as the first trial.
func (cb *CircuitBreaker) Admit() (*Permit, error) {
	var moved []transition

	cb.mu.Lock()

	permit, ok := cb.admitLocked(&moved)

	cb.mu.Unlock()

	cb.announce(moved)

	if !ok {
		cb.hooks.emitRejected(cb.name)

		return nil, ErrCircuitOpen
	}

	return permit, nil
}

func (cb *CircuitBreaker) admitLocked(moved *[]transition) (*Permit, bool) {
	switch cb.state {
	case StateClosed:
		return &Permit{cb: cb, generation: cb.generation}, true

	case StateOpen:
		if cb.clock.Now().Before(cb.openedAt.Add(cb.policy.OpenDuration)) {
			return nil, false
		}

		cb.moveLocked(StateHalfOpen, moved)

		return cb.issueTrialLocked(), true

	default:
		if cb.trialOutstanding || cb.trialsIssued >= cb.policy.HalfOpenMaxTrials {
			return nil, false
		}

		return cb.issueTrialLocked(), true
	}
}

func (cb *CircuitBreaker) issueTrialLocked() *Permit {
	cb.trialsIssued++
	cb.trialOutstanding = true

	return &Permit{cb: cb, generation: cb.generation, trial: true}
}

// Report records the final outcome of the admitted call.
func (p *Permit) Report(outcome ExecutionOutcome) {
	if p == nil || !p.reported.CompareAndSwap(false, true) {
		return
	}

	p.cb.record(p, outcome)
}

// Trial reports whether the permit was issued as a half-open trial.
func (p *Permit) Trial() bool { return p != nil && p.trial }

func (cb *CircuitBreaker) record(p *Permit, o ExecutionOutcome) {
	var moved []transition

	cb.mu.Lock()

	if p.generation == cb.generation {
		cb.recordLocked(p, o, &moved)
	}

	cb.mu.Unlock()

	cb.announce(moved)
}

func (cb *CircuitBreaker) recordLocked(
	p *Permit,
	o ExecutionOutcome,
	moved *[]transition,
) {
	neutral := !o.Succeeded &&
		(o.Kind == KindCancelled || o.Kind == KindCircuitOpen)

	if cb.state == StateClosed {
		switch {
		case o.Succeeded:
			cb.failures = 0
		case neutral:
		default:
			cb.failures++
			if cb.failures >= cb.policy.FailureThreshold {
				cb.moveLocked(StateOpen, moved)
			}
		}

		return
	}

	if cb.state != StateHalfOpen || !p.trial {
		return
	}

	cb.trialOutstanding = false

	switch {
	case neutral:
		cb.trialsIssued--
	case o.Succeeded:
		cb.successes++
		if cb.successes >= cb.policy.RequiredHalfOpenSuccesses {
			cb.moveLocked(StateClosed, moved)
		}
	default:
		cb.moveLocked(StateOpen, moved)
	}
}

// moveLocked performs a transition and resets the counters it owns.
func (cb *CircuitBreaker) moveLocked(to BreakerState, moved *[]transition) {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.trialsIssued = 0
	cb.successes = 0
	cb.trialOutstanding = false

	switch to {
	case StateOpen:
		cb.openedAt = cb.clock.Now()
	case StateClosed:
		cb.failures = 0
		cb.openedAt = time.Time{}
	case StateHalfOpen:
	}

	*moved = append(*moved, transition{from: from, to: to})
}

func (cb *CircuitBreaker) announce(moved []transition) {
	for _, t := range moved {
		cb.logger.Info("circuit breaker state change",
			slog.String("target", cb.name),
			slog.String("from", t.from.String()),
			slog.String("to", t.to.String()),
		)
		cb.hooks.emitStateChange(cb.name, t.from, t.to)
	}
}

// State returns the current state without side effects. An open breaker
// whose duration has elapsed still reports open until the next Admit.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// Snapshot returns a copy of the breaker's counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerSnapshot{
		Target:               cb.name,
		State:                cb.state,
		ConsecutiveFailures:  cb.failures,
		OpenedAt:             cb.openedAt,
		HalfOpenTrialsIssued: cb.trialsIssued,
		HalfOpenSuccesses:    cb.successes,
	}
}

// Reset forces the breaker closed with zero counters. Outstanding permits
// are invalidated.
func (cb *CircuitBreaker) Reset() {
	var moved []transition

	cb.mu.Lock()

	if cb.state != StateClosed {
		cb.moveLocked(StateClosed, &moved)
	} else {
		cb.generation++
		cb.failures = 0
	}

	cb.mu.Unlock()

	cb.announce(moved)
}

// ---------------------------------------------------------------------------
// Breaker set
// ---------------------------------------------------------------------------

// breakerSet holds lazily created breakers keyed by concrete target name.
type breakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	opts     []BreakerOption
}

func newBreakerSet(opts ...BreakerOption) *breakerSet {
	return &breakerSet{
		breakers: make(map[string]*CircuitBreaker),
		opts:     opts,
	}
}

// get returns the breaker for key, creating it from policy on first use.
func (s *breakerSet) get(key string, policy *CircuitBreakerPolicy) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[key]
	s.mu.RUnlock()

	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[key]; ok {
		return cb
	}

	cb = NewCircuitBreaker(key, *policy, s.opts...)
	s.breakers[key] = cb

	return cb
}

func (s *breakerSet) lookup(key string) (*CircuitBreaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cb, ok := s.breakers[key]

	return cb, ok
}

// snapshots returns every breaker's snapshot sorted by target.
func (s *breakerSet) snapshots() []BreakerSnapshot {
	s.mu.RLock()
	all := make([]*CircuitBreaker, 0, len(s.breakers))

	for _, cb := range s.breakers {
		all = append(all, cb)
	}
	s.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(all))
	for _, cb := range all {
		out = append(out, cb.Snapshot())
	}

	slices.SortFunc(out, func(a, b BreakerSnapshot) int {
		return cmp.Compare(a.Target, b.Target)
	})

	return out
}
