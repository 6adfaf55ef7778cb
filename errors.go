package resilix

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Error classification wrappers
// ---------------------------------------------------------------------------

type (
	// ResilienceError identifies errors produced by the engine itself,
	// as opposed to errors from the wrapped operation.
	//nolint:iface // exported for consumer error classification.
	ResilienceError interface {
		error
		// IsResilience reports whether this error originates from the
		// engine.
		IsResilience() bool
	}

	// transientError marks a wrapped error as transient (retriable).
	transientError struct {
		err error
	}

	// permanentError marks a wrapped error as permanent (non-retriable).
	permanentError struct {
		err error
	}

	// resilienceError is the concrete type backing all sentinel errors.
	resilienceError string
)

// Sentinel engine errors.
var (
	// ErrCircuitOpen is returned when a breaker rejects a call.
	ErrCircuitOpen error = resilienceError("circuit breaker is open")
	// ErrTimeout is returned when an attempt exceeds its deadline.
	ErrTimeout error = resilienceError("timeout")
	// ErrRetriesExhausted is returned when all retry attempts have been used.
	ErrRetriesExhausted error = resilienceError("retries exhausted")
	// ErrCancelled is returned when the caller cancels the call.
	ErrCancelled error = resilienceError("cancelled")
	// ErrNotFound is returned when no target and no default match a name.
	ErrNotFound error = resilienceError("target not found")
	// ErrRegistrySealed is returned by Register after Seal.
	ErrRegistrySealed error = resilienceError("registry sealed")
	// ErrInvalidConfig is the sentinel behind every ConfigurationError.
	ErrInvalidConfig error = resilienceError("invalid configuration")
)

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (e resilienceError) Error() string { return string(e) }

// IsResilience reports whether the error is an engine error.
func (resilienceError) IsResilience() bool { return true }

// Transient wraps err to mark it as a transient (retriable) error.
// Returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &transientError{err: err}
}

// Permanent wraps err to mark it as a permanent (non-retriable) error.
// Returns nil if err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsTransient reports whether err is transient. Unclassified (unwrapped)
// errors are treated as transient. Returns false for nil.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	return !IsPermanent(err)
}

// IsPermanent reports whether err was explicitly marked as permanent.
// Returns false for nil and for unclassified errors.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var pe *permanentError

	return errors.As(err, &pe)
}

// ---------------------------------------------------------------------------
// Error kinds
// ---------------------------------------------------------------------------

// ErrorKind classifies the outcome of a single attempt.
type ErrorKind int

const (
	// KindNone is the kind of a successful attempt.
	KindNone ErrorKind = iota
	// KindTransient is a retriable failure of the operation.
	KindTransient
	// KindPermanent is a non-retriable failure of the operation.
	KindPermanent
	// KindTimeout is an attempt that exceeded its deadline.
	KindTimeout
	// KindCircuitOpen is a call rejected by the breaker.
	KindCircuitOpen
	// KindChaosInjected is a failure produced by a ChaosInjector.
	KindChaosInjected
	// KindCancelled is a call aborted by the caller.
	KindCancelled
)

var kindNames = [...]string{
	KindNone:          "none",
	KindTransient:     "transient",
	KindPermanent:     "permanent",
	KindTimeout:       "timeout",
	KindCircuitOpen:   "circuit_open",
	KindChaosInjected: "chaos_injected",
	KindCancelled:     "cancelled",
}

// String returns the snake_case name of the kind.
func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}

	return kindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ErrorKind) UnmarshalText(b []byte) error {
	parsed, err := ParseErrorKind(string(b))
	if err != nil {
		return err
	}

	*k = parsed

	return nil
}

// ParseErrorKind parses a kind name such as "transient" or "timeout".
func ParseErrorKind(s string) (ErrorKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == name {
			return ErrorKind(i), nil
		}
	}

	return KindNone, fmt.Errorf("resilix: unknown error kind %q", s)
}

// KindOf classifies err. Nil is KindNone; unclassified errors are
// transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var ce *ChaosError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case IsPermanent(err):
		return KindPermanent
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindTransient
	}
}

// Classifier decides whether a failure of the given kind may be retried.
type Classifier func(kind ErrorKind) bool

// RetryOn returns a Classifier that retries exactly the listed kinds.
// Cancelled and circuit_open failures are never retried regardless.
func RetryOn(kinds ...ErrorKind) Classifier {
	set := make(map[ErrorKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}

	return func(kind ErrorKind) bool {
		if kind == KindCancelled || kind == KindCircuitOpen {
			return false
		}

		_, ok := set[kind]

		return ok
	}
}

// DefaultRetryable retries transient, timeout and chaos-injected failures.
var DefaultRetryable = RetryOn(KindTransient, KindTimeout, KindChaosInjected)

// ---------------------------------------------------------------------------
// Structured errors
// ---------------------------------------------------------------------------

// ConfigurationError reports a policy parameter that violates its
// constraint. It unwraps to ErrInvalidConfig.
type ConfigurationError struct {
	Target string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("resilix: invalid %s: %s", e.Field, e.Reason)
	}

	return fmt.Sprintf(
		"resilix: target %q: invalid %s: %s",
		e.Target, e.Field, e.Reason,
	)
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalidConfig }

// RetriesExhaustedError is returned when every attempt failed with a
// retryable error. It matches both ErrRetriesExhausted and the last error.
type RetriesExhaustedError struct {
	Last     error
	Outcomes []ExecutionOutcome
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf(
		"%s after %d attempts: %v",
		ErrRetriesExhausted, len(e.Outcomes), e.Last,
	)
}

func (e *RetriesExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}

// Layer names the component that produced a guarded call's final error.
type Layer string

// Guarded call layers.
const (
	LayerRegistry  Layer = "registry"
	LayerBreaker   Layer = "breaker"
	LayerRetry     Layer = "retry"
	LayerTimeout   Layer = "timeout"
	LayerOperation Layer = "operation"
	LayerCancel    Layer = "cancel"
)

// GuardedError is the single error returned by a failed guarded call.
type GuardedError struct {
	Target   string
	Layer    Layer
	Err      error
	Outcomes []ExecutionOutcome
}

func (e *GuardedError) Error() string {
	return fmt.Sprintf(
		"resilix: %s [%s, %d attempts]: %v",
		e.Target, e.Layer, len(e.Outcomes), e.Err,
	)
}

func (e *GuardedError) Unwrap() error { return e.Err }

// Kind classifies the final cause.
func (e *GuardedError) Kind() ErrorKind { return KindOf(e.Err) }

// layerOf maps a final error to the layer that produced it.
func layerOf(err error) Layer {
	switch {
	case errors.Is(err, ErrRetriesExhausted):
		return LayerRetry
	case errors.Is(err, ErrCircuitOpen):
		return LayerBreaker
	}

	switch KindOf(err) {
	case KindCancelled:
		return LayerCancel
	case KindTimeout:
		return LayerTimeout
	default:
		return LayerOperation
	}
}
