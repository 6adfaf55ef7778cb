package resilix

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Issues
// ---------------------------------------------------------------------------

// Severity ranks analyzer findings.
type Severity int

const (
	// SeverityInfo is advisory.
	SeverityInfo Severity = iota
	// SeverityWarning is a risky but working setup.
	SeverityWarning
	// SeverityCritical is a gap that leaves calls unprotected or broken.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}

	*s = v

	return nil
}

// ParseSeverity parses "info", "warning" or "critical".
func ParseSeverity(name string) (Severity, error) {
	for _, v := range []Severity{SeverityInfo, SeverityWarning, SeverityCritical} {
		if v.String() == strings.ToLower(strings.TrimSpace(name)) {
			return v, nil
		}
	}

	return 0, fmt.Errorf("resilix: unknown severity %q", name)
}

// Issue codes.
const (
	CodeInvalidPolicy          = "invalid_policy"
	CodeSelfDependency         = "self_dependency"
	CodeEmptyTarget            = "empty_target"
	CodeUncoveredTarget        = "uncovered_target"
	CodeCircularDependency     = "circular_dependency"
	CodeRetryStorm             = "retry_storm"
	CodeShortExternalTimeout   = "short_external_timeout"
	CodeExternalWithoutTimeout = "external_without_timeout"
	CodeOpenShorterThanTimeout = "open_shorter_than_timeout"
	CodeDanglingDependency     = "dangling_dependency"
	CodeUnusedPattern          = "unused_pattern"
)

// Issue is one analyzer or validation finding.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Target   string   `json:"target"`
	Message  string   `json:"message"`
	Path     []string `json:"path,omitempty"`
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", i.Severity, i.Code, i.Target, i.Message)
}

// Report is the result of Analyze, ordered most severe first.
type Report struct {
	Issues []Issue        `json:"issues"`
	Cycles [][]string     `json:"cycles,omitempty"`
	Counts map[string]int `json:"counts"`
}

// Count returns the number of issues at severity s.
func (r Report) Count(s Severity) int {
	n := 0

	for _, is := range r.Issues {
		if is.Severity == s {
			n++
		}
	}

	return n
}

// HasIssues reports whether any issue is at least as severe as floor.
func (r Report) HasIssues(floor Severity) bool {
	return slices.ContainsFunc(r.Issues, func(is Issue) bool {
		return is.Severity >= floor
	})
}

// ---------------------------------------------------------------------------
// Dependency graph
// ---------------------------------------------------------------------------

// DependencyGraph maps a target name to the names it depends on.
type DependencyGraph map[string][]string

// GraphFromRegistry builds the graph from every target's DependsOn list.
func GraphFromRegistry(reg *Registry) DependencyGraph {
	g := DependencyGraph{}

	for _, t := range reg.Targets() {
		if t.IsPattern() {
			continue
		}

		g[t.Name] = append(g[t.Name], t.DependsOn...)
	}

	return g
}

// Merge returns a new graph holding the edges of g and other.
func (g DependencyGraph) Merge(other DependencyGraph) DependencyGraph {
	out := DependencyGraph{}

	for _, src := range []DependencyGraph{g, other} {
		for from, tos := range src {
			for _, to := range tos {
				if !slices.Contains(out[from], to) {
					out[from] = append(out[from], to)
				}
			}

			if _, ok := out[from]; !ok {
				out[from] = nil
			}
		}
	}

	return out
}

// Nodes returns every name in the graph, sorted.
func (g DependencyGraph) Nodes() []string {
	seen := map[string]struct{}{}

	for from, tos := range g {
		seen[from] = struct{}{}

		for _, to := range tos {
			seen[to] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}

	slices.Sort(out)

	return out
}

// Cycles returns each elementary cycle found by depth-first search, as a
// path whose first and last names are equal. Rotations of one cycle are
// reported once.
func (g DependencyGraph) Cycles() [][]string {
	const (
		unvisited = iota
		onStack
		done
	)

	state := map[string]int{}
	seen := map[string]struct{}{}

	var (
		stack  []string
		cycles [][]string
		visit  func(n string)
	)

	visit = func(n string) {
		state[n] = onStack
		stack = append(stack, n)

		next := slices.Clone(g[n])
		slices.Sort(next)

		for _, m := range next {
			switch state[m] {
			case unvisited:
				visit(m)
			case onStack:
				start := slices.Index(stack, m)
				loop := slices.Clone(stack[start:])

				key := canonicalCycle(loop)
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					cycles = append(cycles, append(loop, m))
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[n] = done
	}

	for _, n := range g.Nodes() {
		if state[n] == unvisited {
			visit(n)
		}
	}

	return cycles
}

// canonicalCycle rotates the loop to start at its smallest name.
func canonicalCycle(loop []string) string {
	minIdx := 0

	for i, n := range loop {
		if n < loop[minIdx] {
			minIdx = i
		}
	}

	rotated := append(slices.Clone(loop[minIdx:]), loop[:minIdx]...)

	return strings.Join(rotated, "\x00")
}

// ---------------------------------------------------------------------------
// Analyzer
// ---------------------------------------------------------------------------

// AnalyzerConfig holds the analyzer's thresholds.
type AnalyzerConfig struct {
	// A retry policy is a storm risk when its initial interval is below
	// MinRetryInterval and it allows more than MaxRetryAttempts attempts.
	MinRetryInterval time.Duration
	MaxRetryAttempts int
	// MinExternalTimeout is the shortest sane timeout for external targets.
	MinExternalTimeout time.Duration
}

// DefaultAnalyzerConfig returns the stock thresholds.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		MinRetryInterval:   50 * time.Millisecond,
		MaxRetryAttempts:   10,
		MinExternalTimeout: time.Second,
	}
}

// Analyze inspects reg against graph. It only reads the registry.
func Analyze(reg *Registry, graph DependencyGraph, cfg AnalyzerConfig) Report {
	var issues []Issue

	add := func(sev Severity, code, target, msg string, path []string) {
		issues = append(issues, Issue{
			Severity: sev, Code: code, Target: target, Message: msg, Path: path,
		})
	}

	nodes := graph.Nodes()

	for _, n := range nodes {
		t, err := reg.resolve(n)

		switch {
		case err != nil:
			add(SeverityCritical, CodeUncoveredTarget, n, "no target or default resolves this name", nil)
		case t.Retry == nil && t.CircuitBreaker == nil:
			add(SeverityCritical, CodeUncoveredTarget, n,
				fmt.Sprintf("resolves to %q which has neither retry nor circuit breaker", t.Name), nil)
		}
	}

	cycles := graph.Cycles()
	for _, c := range cycles {
		add(SeverityCritical, CodeCircularDependency, c[0],
			"circular dependency: "+strings.Join(c, " -> "), c)
	}

	targets := reg.Targets()
	if def, ok := reg.Default(); ok {
		targets = append(targets, def)
	}

	for _, t := range targets {
		analyzeTarget(t, cfg, add)

		for _, dep := range t.DependsOn {
			if !reg.Defined(dep) && !slices.ContainsFunc(targets, func(o *Target) bool {
				return o.IsPattern() && o.Matches(dep)
			}) {
				add(SeverityWarning, CodeDanglingDependency, t.Name,
					fmt.Sprintf("depends on %q which has no target of its own", dep),
					[]string{t.Name, dep})
			}
		}

		if t.IsPattern() && len(nodes) > 0 && !slices.ContainsFunc(nodes, t.Matches) {
			add(SeverityInfo, CodeUnusedPattern, t.Name, "pattern matches no name in the dependency graph", nil)
		}
	}

	// A self-loop already reported as a cycle is not reported again.
	selfLoops := map[string]bool{}

	for _, c := range cycles {
		if len(c) == 2 {
			selfLoops[c[0]] = true
		}
	}

	for _, is := range reg.ValidateAll() {
		if is.Code == CodeSelfDependency && selfLoops[is.Target] {
			continue
		}

		issues = append(issues, is)
	}

	slices.SortStableFunc(issues, func(a, b Issue) int {
		if c := cmp.Compare(b.Severity, a.Severity); c != 0 {
			return c
		}

		if c := cmp.Compare(a.Code, b.Code); c != 0 {
			return c
		}

		return cmp.Compare(a.Target, b.Target)
	})

	counts := map[string]int{}
	for _, is := range issues {
		counts[is.Severity.String()]++
	}

	return Report{Issues: issues, Cycles: cycles, Counts: counts}
}

func analyzeTarget(
	t *Target,
	cfg AnalyzerConfig,
	add func(Severity, string, string, string, []string),
) {
	if r := t.Retry; r != nil &&
		r.InitialInterval < cfg.MinRetryInterval &&
		r.MaxAttempts > cfg.MaxRetryAttempts {
		add(SeverityWarning, CodeRetryStorm, t.Name, fmt.Sprintf(
			"%d attempts starting at %v (floor %v, cap %d)",
			r.MaxAttempts, r.InitialInterval,
			cfg.MinRetryInterval, cfg.MaxRetryAttempts,
		), nil)
	}

	if t.External {
		switch {
		case t.Timeout == nil:
			add(SeverityInfo, CodeExternalWithoutTimeout, t.Name,
				"external target has no timeout; attempts run unbounded", nil)
		case t.Timeout.Duration < cfg.MinExternalTimeout:
			add(SeverityWarning, CodeShortExternalTimeout, t.Name, fmt.Sprintf(
				"timeout %v is below %v for an external target",
				t.Timeout.Duration, cfg.MinExternalTimeout,
			), nil)
		}
	}

	if t.CircuitBreaker != nil && t.Timeout != nil &&
		t.CircuitBreaker.OpenDuration < t.Timeout.Duration {
		add(SeverityInfo, CodeOpenShorterThanTimeout, t.Name, fmt.Sprintf(
			"breaker reopens for trials after %v, shorter than the %v timeout",
			t.CircuitBreaker.OpenDuration, t.Timeout.Duration,
		), nil)
	}
}

// Analyze runs the analyzer over the engine's registry, using the
// registry's DependsOn graph merged with any graph given at construction.
func (e *Engine) Analyze() Report {
	graph := GraphFromRegistry(e.registry).Merge(e.graph)

	return Analyze(e.registry, graph, e.analyzer)
}
