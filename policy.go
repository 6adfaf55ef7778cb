package resilix

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Policy kinds
// ---------------------------------------------------------------------------

// PolicyKind discriminates the policy records attached to a Target.
type PolicyKind int

const (
	// PolicyRetry identifies a RetryPolicy.
	PolicyRetry PolicyKind = iota + 1
	// PolicyCircuitBreaker identifies a CircuitBreakerPolicy.
	PolicyCircuitBreaker
	// PolicyTimeout identifies a TimeoutPolicy.
	PolicyTimeout
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyRetry:
		return "retry"
	case PolicyCircuitBreaker:
		return "circuit_breaker"
	case PolicyTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("PolicyKind(%d)", int(k))
	}
}

// Policy is implemented by every policy record.
type Policy interface {
	// Kind returns the policy discriminator.
	Kind() PolicyKind
	// Validate reports every constraint violation for the named target.
	Validate(target string) error
}

// ---------------------------------------------------------------------------
// RetryPolicy
// ---------------------------------------------------------------------------

// RetryPolicy drives repeated attempts of an operation. The zero Retryable
// classifier means [DefaultRetryable].
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
	JitterFraction     float64
	Retryable          Classifier
}

// Kind returns PolicyRetry.
func (*RetryPolicy) Kind() PolicyKind { return PolicyRetry }

// Validate checks every RetryPolicy constraint.
func (p *RetryPolicy) Validate(target string) error {
	var errs []error

	bad := func(field, reason string) {
		errs = append(errs, &ConfigurationError{
			Target: target,
			Field:  "retry." + field,
			Reason: reason,
		})
	}

	if p.MaxAttempts < 1 {
		bad("max_attempts", fmt.Sprintf("%d must be >= 1", p.MaxAttempts))
	}

	if p.InitialInterval <= 0 {
		bad("initial_interval", fmt.Sprintf("%v must be > 0", p.InitialInterval))
	}

	if p.BackoffCoefficient < 1.0 {
		bad(
			"backoff_coefficient",
			fmt.Sprintf("%g must be >= 1.0", p.BackoffCoefficient),
		)
	}

	if p.MaxInterval < p.InitialInterval {
		bad(
			"max_interval",
			fmt.Sprintf(
				"%v must be >= initial_interval %v",
				p.MaxInterval, p.InitialInterval,
			),
		)
	}

	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		bad(
			"jitter_fraction",
			fmt.Sprintf("%g must be within [0,1]", p.JitterFraction),
		)
	}

	return errors.Join(errs...)
}

// Classify reports whether a failure of kind may be retried.
func (p *RetryPolicy) Classify(kind ErrorKind) bool {
	if p.Retryable == nil {
		return DefaultRetryable(kind)
	}

	return p.Retryable(kind)
}

// ---------------------------------------------------------------------------
// CircuitBreakerPolicy
// ---------------------------------------------------------------------------

// CircuitBreakerPolicy configures the per-target breaker.
type CircuitBreakerPolicy struct {
	FailureThreshold          int
	OpenDuration              time.Duration
	HalfOpenMaxTrials         int
	RequiredHalfOpenSuccesses int
}

// Kind returns PolicyCircuitBreaker.
func (*CircuitBreakerPolicy) Kind() PolicyKind { return PolicyCircuitBreaker }

// Validate checks every CircuitBreakerPolicy constraint.
func (p *CircuitBreakerPolicy) Validate(target string) error {
	var errs []error

	bad := func(field, reason string) {
		errs = append(errs, &ConfigurationError{
			Target: target,
			Field:  "circuit_breaker." + field,
			Reason: reason,
		})
	}

	if p.FailureThreshold < 1 {
		bad(
			"failure_threshold",
			fmt.Sprintf("%d must be >= 1", p.FailureThreshold),
		)
	}

	if p.OpenDuration <= 0 {
		bad("open_duration", fmt.Sprintf("%v must be > 0", p.OpenDuration))
	}

	if p.HalfOpenMaxTrials < 1 {
		bad(
			"half_open_max_trials",
			fmt.Sprintf("%d must be >= 1", p.HalfOpenMaxTrials),
		)
	}

	if p.RequiredHalfOpenSuccesses < 1 {
		bad(
			"required_half_open_successes",
			fmt.Sprintf("%d must be >= 1", p.RequiredHalfOpenSuccesses),
		)
	} else if p.RequiredHalfOpenSuccesses > p.HalfOpenMaxTrials {
		bad(
			"required_half_open_successes",
			fmt.Sprintf(
				"%d must be <= half_open_max_trials %d",
				p.RequiredHalfOpenSuccesses, p.HalfOpenMaxTrials,
			),
		)
	}

	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// TimeoutPolicy
// ---------------------------------------------------------------------------

// TimeoutPolicy bounds a single attempt.
type TimeoutPolicy struct {
	Duration time.Duration
}

// Kind returns PolicyTimeout.
func (*TimeoutPolicy) Kind() PolicyKind { return PolicyTimeout }

// Validate checks the TimeoutPolicy constraint.
func (p *TimeoutPolicy) Validate(target string) error {
	if p.Duration <= 0 {
		return &ConfigurationError{
			Target: target,
			Field:  "timeout.duration",
			Reason: fmt.Sprintf("%v must be > 0", p.Duration),
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Target
// ---------------------------------------------------------------------------

// Target is a named dependency with its optional policies. A name ending
// in "*" is a wildcard pattern matching every name with that prefix.
type Target struct {
	Name           string
	Retry          *RetryPolicy
	CircuitBreaker *CircuitBreakerPolicy
	Timeout        *TimeoutPolicy
	// DependsOn and External feed the analyzer only.
	DependsOn []string
	External  bool
}

// IsPattern reports whether the target name is a wildcard.
func (t *Target) IsPattern() bool { return strings.HasSuffix(t.Name, "*") }

// Policies returns the attached policies in kind order.
func (t *Target) Policies() []Policy {
	var out []Policy

	if t.Retry != nil {
		out = append(out, t.Retry)
	}

	if t.CircuitBreaker != nil {
		out = append(out, t.CircuitBreaker)
	}

	if t.Timeout != nil {
		out = append(out, t.Timeout)
	}

	return out
}

// Validate checks the name and every attached policy.
func (t *Target) Validate() error {
	var errs []error

	switch {
	case t.Name == "":
		errs = append(errs, &ConfigurationError{
			Field:  "name",
			Reason: "must not be empty",
		})
	case strings.Count(t.Name, "*") > 1 ||
		(strings.Contains(t.Name, "*") && !t.IsPattern()):
		errs = append(errs, &ConfigurationError{
			Target: t.Name,
			Field:  "name",
			Reason: "wildcard '*' is only allowed as the last character",
		})
	}

	for _, p := range t.Policies() {
		errs = append(errs, p.Validate(t.Name))
	}

	return errors.Join(errs...)
}

// Matches reports whether name is selected by this target.
func (t *Target) Matches(name string) bool {
	if t.IsPattern() {
		return strings.HasPrefix(name, strings.TrimSuffix(t.Name, "*"))
	}

	return t.Name == name
}

// Clone returns a deep copy, so registered records stay immutable.
func (t *Target) Clone() *Target {
	c := *t

	if t.Retry != nil {
		r := *t.Retry
		c.Retry = &r
	}

	if t.CircuitBreaker != nil {
		cb := *t.CircuitBreaker
		c.CircuitBreaker = &cb
	}

	if t.Timeout != nil {
		to := *t.Timeout
		c.Timeout = &to
	}

	c.DependsOn = slices.Clone(t.DependsOn)

	return &c
}

// prefix returns the literal part of a pattern name.
func (t *Target) prefix() string { return strings.TrimSuffix(t.Name, "*") }
