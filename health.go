package resilix

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Criticality ranks how a target's state affects readiness.
type Criticality int

const (
	// CriticalityNone means the target is serving normally.
	CriticalityNone Criticality = iota
	// CriticalityDegraded means calls still flow but something is impaired:
	// the breaker is probing, or a dependency is down.
	CriticalityDegraded
	// CriticalityCritical means calls to the target are being rejected.
	CriticalityCritical
)

func (c Criticality) String() string {
	switch c {
	case CriticalityDegraded:
		return "degraded"
	case CriticalityCritical:
		return "critical"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Criticality) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Criticality) UnmarshalText(b []byte) error {
	for _, v := range []Criticality{CriticalityNone, CriticalityDegraded, CriticalityCritical} {
		if v.String() == string(b) {
			*c = v
			return nil
		}
	}

	return fmt.Errorf("resilix: unknown criticality %q", b)
}

// TargetStatus is the health of one concrete target with a breaker.
type TargetStatus struct {
	Target      string          `json:"target"`
	Healthy     bool            `json:"healthy"`
	Criticality Criticality     `json:"criticality"`
	Breaker     BreakerSnapshot `json:"breaker"`
	// DegradedBy lists dependencies whose breakers are open.
	DegradedBy []string `json:"degraded_by,omitempty"`
}

// HealthStatus reports every breaker the engine has created, sorted by
// target. An open breaker is critical; a half-open one is degraded but
// healthy. An open breaker whose open duration has elapsed admits a trial
// on the next call, so it reports as half-open would. A target depending
// on a critical target is at least degraded.
func (e *Engine) HealthStatus() []TargetStatus {
	snaps := e.breakers.snapshots()
	out := make([]TargetStatus, 0, len(snaps))
	byName := make(map[string]Criticality, len(snaps))
	now := e.clock.Now()

	for _, s := range snaps {
		name := strings.TrimPrefix(s.Target, e.namespace)
		st := TargetStatus{Target: name, Healthy: true, Breaker: s}

		switch s.State {
		case StateOpen:
			if e.trialDue(name, s, now) {
				st.Criticality = CriticalityDegraded
				break
			}

			st.Healthy = false
			st.Criticality = CriticalityCritical
		case StateHalfOpen:
			st.Criticality = CriticalityDegraded
		}

		byName[name] = st.Criticality
		out = append(out, st)
	}

	for i := range out {
		t, err := e.registry.resolve(out[i].Target)
		if err != nil {
			continue
		}

		for _, dep := range t.DependsOn {
			if byName[dep] != CriticalityCritical {
				continue
			}

			out[i].DegradedBy = append(out[i].DegradedBy, dep)
			out[i].Criticality = max(out[i].Criticality, CriticalityDegraded)
		}
	}

	return out
}

func (e *Engine) trialDue(name string, s BreakerSnapshot, now time.Time) bool {
	t, err := e.registry.resolve(name)
	if err != nil || t.CircuitBreaker == nil {
		return false
	}

	return !now.Before(s.OpenedAt.Add(t.CircuitBreaker.OpenDuration))
}

// ReadinessStatus is the body served by ReadinessHandler.
type ReadinessStatus struct {
	Ready   bool           `json:"ready"`
	Targets []TargetStatus `json:"targets"`
}

// CheckReadiness reports ready unless some breaker is open and still
// inside its open duration.
func (e *Engine) CheckReadiness() ReadinessStatus {
	targets := e.HealthStatus()

	return ReadinessStatus{
		Ready: !slices.ContainsFunc(targets, func(s TargetStatus) bool {
			return s.Criticality == CriticalityCritical
		}),
		Targets: targets,
	}
}
