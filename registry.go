package resilix

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/maypok86/otter"
)

// DefaultTargetName names the default target when none is given.
const DefaultTargetName = "default"

const defaultResolveCacheSize = 1024

type (
	// Registry indexes targets by exact name and wildcard pattern. It is
	// written during loading and sealed before the first call; after
	// Seal, resolution takes no lock.
	Registry struct {
		mu        sync.RWMutex
		sealed    atomic.Bool
		exact     map[string]*Target
		patterns  []*Target
		def       *Target
		cacheSize int
		cache     atomic.Pointer[otter.Cache[string, *Target]]
		cacheErr  error
	}

	// RegistryOption configures a Registry.
	RegistryOption func(*Registry)
)

// WithResolveCacheSize bounds the resolution cache built at Seal. A size
// of zero disables it.
func WithResolveCacheSize(n int) RegistryOption {
	return func(r *Registry) { r.cacheSize = n }
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		exact:     make(map[string]*Target),
		cacheSize: defaultResolveCacheSize,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register validates t and stores a private copy of it. It fails with
// ErrRegistrySealed after Seal, and with a ConfigurationError on invalid
// parameters or a duplicate name.
func (r *Registry) Register(t *Target) error {
	if t == nil {
		return &ConfigurationError{Field: "target", Reason: "must not be nil"}
	}

	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return fmt.Errorf("resilix: register %q: %w", t.Name, ErrRegistrySealed)
	}

	if r.has(t.Name) {
		return &ConfigurationError{
			Target: t.Name,
			Field:  "name",
			Reason: "already registered",
		}
	}

	stored := t.Clone()

	if stored.IsPattern() {
		r.patterns = append(r.patterns, stored)
		// Longest prefix first so the first match is the most specific.
		slices.SortStableFunc(r.patterns, func(a, b *Target) int {
			return cmp.Compare(len(b.prefix()), len(a.prefix()))
		})

		return nil
	}

	r.exact[stored.Name] = stored

	return nil
}

// RegisterDefault stores the target used when nothing else matches.
func (r *Registry) RegisterDefault(t *Target) error {
	if t == nil {
		return &ConfigurationError{Field: "default", Reason: "must not be nil"}
	}

	stored := t.Clone()
	if stored.Name == "" {
		stored.Name = DefaultTargetName
	}

	if err := stored.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return fmt.Errorf("resilix: register default: %w", ErrRegistrySealed)
	}

	if r.def != nil {
		return &ConfigurationError{
			Target: stored.Name,
			Field:  "default",
			Reason: "already registered",
		}
	}

	r.def = stored

	return nil
}

// Seal rejects further registration and enables lock-free resolution.
// Sealing twice is a no-op.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return
	}

	if r.cacheSize > 0 {
		cache, err := otter.MustBuilder[string, *Target](r.cacheSize).Build()
		if err != nil {
			r.cacheErr = fmt.Errorf("resilix: resolve cache: %w", err)
		} else {
			r.cache.Store(&cache)
		}
	}

	r.sealed.Store(true)
}

// CacheErr returns the error that left a sealed registry without its
// resolution cache, if any. Resolution still works uncached.
func (r *Registry) CacheErr() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.cacheErr
}

// Close releases the resolution cache and its background goroutine. Call it
// once no resolution is in flight; later resolutions run uncached. Close is
// idempotent.
func (r *Registry) Close() {
	if c := r.cache.Swap(nil); c != nil {
		c.Close()
	}
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

// Resolve returns a copy of the most specific target for name: the exact
// match, else the longest matching wildcard, else the default. It returns
// ErrNotFound when none applies.
func (r *Registry) Resolve(name string) (*Target, error) {
	t, err := r.resolve(name)
	if err != nil {
		return nil, err
	}

	return t.Clone(), nil
}

// resolve returns the stored record; callers must not modify it.
func (r *Registry) resolve(name string) (*Target, error) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()

		return r.lookup(name)
	}

	cache := r.cache.Load()
	if cache != nil {
		if t, ok := cache.Get(name); ok {
			return t, nil
		}
	}

	t, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		cache.Set(name, t)
	}

	return t, nil
}

func (r *Registry) lookup(name string) (*Target, error) {
	if t, ok := r.exact[name]; ok {
		return t, nil
	}

	for _, p := range r.patterns {
		if p.Matches(name) {
			return p, nil
		}
	}

	if r.def != nil {
		return r.def, nil
	}

	return nil, fmt.Errorf("resilix: resolve %q: %w", name, ErrNotFound)
}

// Defined reports whether name was registered as an exact target or
// pattern, ignoring the default.
func (r *Registry) Defined(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.has(name)
}

func (r *Registry) has(name string) bool {
	if _, ok := r.exact[name]; ok {
		return true
	}

	return slices.ContainsFunc(r.patterns, func(p *Target) bool {
		return p.Name == name
	})
}

// Default returns a copy of the default target, if any.
func (r *Registry) Default() (*Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.def == nil {
		return nil, false
	}

	return r.def.Clone(), true
}

// Targets returns copies of every exact target and pattern, sorted by name.
// The default is not included.
func (r *Registry) Targets() []*Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Target, 0, len(r.exact)+len(r.patterns))

	for _, t := range r.exact {
		out = append(out, t.Clone())
	}

	for _, p := range r.patterns {
		out = append(out, p.Clone())
	}

	slices.SortFunc(out, func(a, b *Target) int {
		return cmp.Compare(a.Name, b.Name)
	})

	return out
}

// ValidateAll re-checks every stored target for internal consistency.
func (r *Registry) ValidateAll() []Issue {
	targets := r.Targets()
	if def, ok := r.Default(); ok {
		targets = append(targets, def)
	}

	var issues []Issue

	for _, t := range targets {
		for _, err := range flatten(t.Validate()) {
			issues = append(issues, Issue{
				Severity: SeverityCritical,
				Code:     CodeInvalidPolicy,
				Target:   t.Name,
				Message:  err.Error(),
			})
		}

		if slices.Contains(t.DependsOn, t.Name) {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Code:     CodeSelfDependency,
				Target:   t.Name,
				Message:  "target depends on itself",
				Path:     []string{t.Name, t.Name},
			})
		}

		if len(t.Policies()) == 0 {
			issues = append(issues, Issue{
				Severity: SeverityInfo,
				Code:     CodeEmptyTarget,
				Target:   t.Name,
				Message:  "target has no policies",
			})
		}
	}

	return issues
}

// flatten expands an errors.Join tree into its leaves.
func flatten(err error) []error {
	if err == nil {
		return nil
	}

	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []error{err}
	}

	var out []error
	for _, e := range joined.Unwrap() {
		out = append(out, flatten(e)...)
	}

	return out
}
