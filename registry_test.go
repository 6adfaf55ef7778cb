package resilix_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/byte4ever/resilix"
)

func validRetry() *resilix.RetryPolicy {
	return &resilix.RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    100 * time.Millisecond,
		BackoffCoefficient: 2,
		MaxInterval:        time.Second,
	}
}

func validBreaker() *resilix.CircuitBreakerPolicy {
	return &resilix.CircuitBreakerPolicy{
		FailureThreshold:          5,
		OpenDuration:              time.Minute,
		HalfOpenMaxTrials:         1,
		RequiredHalfOpenSuccesses: 1,
	}
}

func mustRegister(t *testing.T, reg *resilix.Registry, targets ...*resilix.Target) {
	t.Helper()

	for _, tg := range targets {
		if err := reg.Register(tg); err != nil {
			t.Fatalf("Register(%q) error = %v", tg.Name, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Register validation
// ---------------------------------------------------------------------------

func TestRegisterRejectsInvalidPolicies(t *testing.T) {
	cases := map[string]*resilix.Target{
		"max attempts": {Name: "a", Retry: &resilix.RetryPolicy{
			MaxAttempts: 0, InitialInterval: time.Second,
			BackoffCoefficient: 1, MaxInterval: time.Second,
		}},
		"coefficient": {Name: "a", Retry: &resilix.RetryPolicy{
			MaxAttempts: 1, InitialInterval: time.Second,
			BackoffCoefficient: 0.5, MaxInterval: time.Second,
		}},
		"max below initial": {Name: "a", Retry: &resilix.RetryPolicy{
			MaxAttempts: 1, InitialInterval: time.Second,
			BackoffCoefficient: 1, MaxInterval: time.Millisecond,
		}},
		"jitter": {Name: "a", Retry: &resilix.RetryPolicy{
			MaxAttempts: 1, InitialInterval: time.Second,
			BackoffCoefficient: 1, MaxInterval: time.Second, JitterFraction: 1.5,
		}},
		"successes above trials": {Name: "a", CircuitBreaker: &resilix.CircuitBreakerPolicy{
			FailureThreshold: 1, OpenDuration: time.Second,
			HalfOpenMaxTrials: 1, RequiredHalfOpenSuccesses: 2,
		}},
		"open duration": {Name: "a", CircuitBreaker: &resilix.CircuitBreakerPolicy{
			FailureThreshold: 1, HalfOpenMaxTrials: 1, RequiredHalfOpenSuccesses: 1,
		}},
		"timeout": {Name: "a", Timeout: &resilix.TimeoutPolicy{}},
		"empty name": {Name: ""},
		"inner wildcard": {Name: "a*b"},
	}

	for name, tg := range cases {
		t.Run(name, func(t *testing.T) {
			err := resilix.NewRegistry().Register(tg)

			var ce *resilix.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("Register() error = %v, want *ConfigurationError", err)
			}
			if !errors.Is(err, resilix.ErrInvalidConfig) {
				t.Fatal("error does not match ErrInvalidConfig")
			}
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := resilix.NewRegistry()
	mustRegister(t, reg, &resilix.Target{Name: "orders", Retry: validRetry()})

	err := reg.Register(&resilix.Target{Name: "orders"})
	if !errors.Is(err, resilix.ErrInvalidConfig) {
		t.Fatalf("Register(duplicate) error = %v, want ErrInvalidConfig", err)
	}
}

func TestRegisterAfterSeal(t *testing.T) {
	reg := resilix.NewRegistry()
	reg.Seal()

	err := reg.Register(&resilix.Target{Name: "late"})
	if !errors.Is(err, resilix.ErrRegistrySealed) {
		t.Fatalf("Register() error = %v, want ErrRegistrySealed", err)
	}

	err = reg.RegisterDefault(&resilix.Target{})
	if !errors.Is(err, resilix.ErrRegistrySealed) {
		t.Fatalf("RegisterDefault() error = %v, want ErrRegistrySealed", err)
	}
}

func TestRegisteredTargetIsImmutable(t *testing.T) {
	reg := resilix.NewRegistry()
	tg := &resilix.Target{Name: "orders", Retry: validRetry()}
	mustRegister(t, reg, tg)

	tg.Retry.MaxAttempts = 99

	got, err := reg.Resolve("orders")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Retry.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d, want 3", got.Retry.MaxAttempts)
	}

	got.Retry.MaxAttempts = 42

	again, _ := reg.Resolve("orders")
	if again.Retry.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts after mutating result = %d, want 3", again.Retry.MaxAttempts)
	}
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

func TestResolvePrecedence(t *testing.T) {
	reg := resilix.NewRegistry()
	mustRegister(t, reg,
		&resilix.Target{Name: "svc-*", Timeout: &resilix.TimeoutPolicy{Duration: time.Second}},
		&resilix.Target{Name: "svc-pay*", Timeout: &resilix.TimeoutPolicy{Duration: 2 * time.Second}},
		&resilix.Target{Name: "svc-payments", Timeout: &resilix.TimeoutPolicy{Duration: 3 * time.Second}},
	)
	reg.Seal()

	for name, want := range map[string]string{
		"svc-payments": "svc-payments",
		"svc-payroll":  "svc-pay*",
		"svc-orders":   "svc-*",
	} {
		got, err := reg.Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%q) error = %v", name, err)
		}
		if got.Name != want {
			t.Fatalf("Resolve(%q) = %q, want %q", name, got.Name, want)
		}
	}
}

func TestResolveDefaultAndNotFound(t *testing.T) {
	withDefault := resilix.NewRegistry()
	if err := withDefault.RegisterDefault(&resilix.Target{Retry: validRetry()}); err != nil {
		t.Fatalf("RegisterDefault() error = %v", err)
	}
	withDefault.Seal()

	got, err := withDefault.Resolve("unknown")
	if err != nil {
		t.Fatalf("Resolve(unknown) with default error = %v, want nil", err)
	}
	if got.Name != resilix.DefaultTargetName || got.Retry == nil {
		t.Fatalf("Resolve(unknown) = %+v, want default target", got)
	}

	bare := resilix.NewRegistry()
	bare.Seal()

	if _, err := bare.Resolve("unknown"); !errors.Is(err, resilix.ErrNotFound) {
		t.Fatalf("Resolve(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestResolveBeforeSeal(t *testing.T) {
	reg := resilix.NewRegistry()
	mustRegister(t, reg, &resilix.Target{Name: "a"})

	if _, err := reg.Resolve("a"); err != nil {
		t.Fatalf("Resolve() before Seal error = %v", err)
	}
}

func TestResolveConcurrentAfterSeal(t *testing.T) {
	reg := resilix.NewRegistry(resilix.WithResolveCacheSize(16))
	mustRegister(t, reg, &resilix.Target{Name: "api-*", Retry: validRetry()})
	reg.Seal()

	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 200 {
				got, err := reg.Resolve("api-users")
				if err != nil || got.Name != "api-*" {
					t.Errorf("Resolve() = (%v, %v)", got, err)
					return
				}
			}
		}()
	}

	wg.Wait()
}

func TestCloseReleasesResolveCache(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	for range 20 {
		reg := resilix.NewRegistry()
		mustRegister(t, reg, &resilix.Target{Name: "api-*", Retry: validRetry()})
		reg.Seal()

		if _, err := reg.Resolve("api-users"); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}

		reg.Close()
		reg.Close()

		got, err := reg.Resolve("api-orders")
		if err != nil || got.Name != "api-*" {
			t.Fatalf("Resolve() after Close = (%v, %v)", got, err)
		}
	}
}

func TestUncachedRegistry(t *testing.T) {
	reg := resilix.NewRegistry(resilix.WithResolveCacheSize(0))
	mustRegister(t, reg, &resilix.Target{Name: "api-*", Retry: validRetry()})
	reg.Seal()
	defer reg.Close()

	if err := reg.CacheErr(); err != nil {
		t.Fatalf("CacheErr() = %v", err)
	}

	for range 3 {
		if got, err := reg.Resolve("api-x"); err != nil || got.Name != "api-*" {
			t.Fatalf("Resolve() = (%v, %v)", got, err)
		}
	}
}

func TestEngineCloseReleasesRegistry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := resilix.NewRegistry()
	mustRegister(t, reg, &resilix.Target{Name: "a", Retry: validRetry()})

	eng := resilix.NewEngine(reg)
	eng.Close()

	if _, err := eng.ExecuteGuarded(t.Context(), "a", func(context.Context) (any, error) {
		return 1, nil
	}); err != nil {
		t.Fatalf("ExecuteGuarded() after Close error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// ValidateAll
// ---------------------------------------------------------------------------

func TestValidateAll(t *testing.T) {
	reg := resilix.NewRegistry()
	mustRegister(t, reg,
		&resilix.Target{Name: "loop", Retry: validRetry(), DependsOn: []string{"loop"}},
		&resilix.Target{Name: "bare"},
		&resilix.Target{Name: "ok", CircuitBreaker: validBreaker()},
	)

	codes := map[string]string{}
	for _, is := range reg.ValidateAll() {
		codes[is.Target] = is.Code
	}

	if codes["loop"] != resilix.CodeSelfDependency {
		t.Fatalf("loop issue = %q, want %q", codes["loop"], resilix.CodeSelfDependency)
	}
	if codes["bare"] != resilix.CodeEmptyTarget {
		t.Fatalf("bare issue = %q, want %q", codes["bare"], resilix.CodeEmptyTarget)
	}
	if _, ok := codes["ok"]; ok {
		t.Fatalf("ok target reported issue %q", codes["ok"])
	}
}

func TestTargetsSortedAndCopied(t *testing.T) {
	reg := resilix.NewRegistry()
	mustRegister(t, reg,
		&resilix.Target{Name: "b"},
		&resilix.Target{Name: "a*"},
	)

	got := reg.Targets()
	if len(got) != 2 || got[0].Name != "a*" || got[1].Name != "b" {
		t.Fatalf("Targets() = %v, want [a* b]", got)
	}
	if !reg.Defined("a*") || reg.Defined("a-x") {
		t.Fatal("Defined() mismatch")
	}
}
