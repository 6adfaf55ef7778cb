package resilix

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Format names a configuration encoding.
type Format string

// Supported configuration formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from a file extension; anything other than
// .yaml or .yml is JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

type (
	// FileConfig is the top-level structure of a configuration file.
	FileConfig struct {
		// Default applies to names no target or pattern matches.
		// Optional.
		Default *TargetConfig `json:"default,omitempty" yaml:"default,omitempty"`
		// Targets maps a name or trailing-"*" pattern to its policies.
		Targets map[string]TargetConfig `json:"targets" yaml:"targets"`
	}

	// TargetConfig holds the decoded configuration of one target. Embed
	// it in your own config structs and call [BuildTarget].
	TargetConfig struct {
		// Retry configures the retry policy. Optional; missing fields
		// take their DefaultRetry values.
		Retry *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
		// CircuitBreaker configures the breaker. Optional; missing fields
		// take their DefaultCircuitBreaker values.
		CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
		// Timeout bounds each attempt. Optional. Example: "2s".
		Timeout *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
		// DependsOn lists the names this target calls.
		DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
		// External marks a dependency outside the operator's control.
		External bool `json:"external,omitempty" yaml:"external,omitempty"`
	}

	// RetryConfig holds retry values. Durations use time.ParseDuration.
	RetryConfig struct {
		MaxAttempts        *int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
		InitialInterval    *string  `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
		BackoffCoefficient *float64 `json:"backoff_coefficient,omitempty" yaml:"backoff_coefficient,omitempty"`
		MaxInterval        *string  `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
		JitterFraction     *float64 `json:"jitter_fraction,omitempty" yaml:"jitter_fraction,omitempty"`
		// RetryOn lists retryable error kinds by name, e.g. "transient".
		// Empty keeps DefaultRetryable.
		RetryOn []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
	}

	// CircuitBreakerConfig holds breaker values.
	CircuitBreakerConfig struct {
		FailureThreshold          *int    `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
		OpenDuration              *string `json:"open_duration,omitempty" yaml:"open_duration,omitempty"`
		HalfOpenMaxTrials         *int    `json:"half_open_max_trials,omitempty" yaml:"half_open_max_trials,omitempty"`
		RequiredHalfOpenSuccesses *int    `json:"required_half_open_successes,omitempty" yaml:"required_half_open_successes,omitempty"`
	}
)

// LoadConfig reads a JSON or YAML file (chosen by extension), registers
// every target it declares and returns the sealed registry. All target
// errors are reported together.
func LoadConfig(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resilix: read config: %w", err)
	}

	return ParseConfig(data, FormatFor(path))
}

// ParseConfig decodes data in format and builds a sealed registry.
func ParseConfig(data []byte, format Format) (*Registry, error) {
	fc, err := DecodeConfig(data, format)
	if err != nil {
		return nil, err
	}

	reg, err := fc.Registry()
	if err != nil {
		return nil, err
	}

	reg.Seal()

	return reg, nil
}

// DecodeConfig only decodes data; nothing is validated.
func DecodeConfig(data []byte, format Format) (*FileConfig, error) {
	var fc FileConfig

	var err error

	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &fc)
	case FormatJSON:
		err = json.Unmarshal(data, &fc)
	default:
		return nil, fmt.Errorf("resilix: unknown config format %q", format)
	}

	if err != nil {
		return nil, fmt.Errorf("resilix: parse config: %w", err)
	}

	return &fc, nil
}

// Registry builds an unsealed registry holding every target of fc.
func (fc *FileConfig) Registry() (*Registry, error) {
	reg := NewRegistry()

	var errs []error

	names := make([]string, 0, len(fc.Targets))
	for name := range fc.Targets {
		names = append(names, name)
	}

	slices.Sort(names)

	for _, name := range names {
		tc := fc.Targets[name]

		t, err := BuildTarget(name, &tc)
		if err == nil {
			err = reg.Register(t)
		}

		if err != nil {
			errs = append(errs, err)
		}
	}

	if fc.Default != nil {
		t, err := BuildTarget(DefaultTargetName, fc.Default)
		if err == nil {
			err = reg.RegisterDefault(t)
		}

		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return reg, nil
}

// BuildTarget converts tc into a validated Target named name.
func BuildTarget(name string, tc *TargetConfig) (*Target, error) {
	t := &Target{
		Name:      name,
		DependsOn: slices.Clone(tc.DependsOn),
		External:  tc.External,
	}

	var errs []error

	dur := func(field string, s *string, into *time.Duration) {
		if s == nil {
			return
		}

		d, err := time.ParseDuration(*s)
		if err != nil {
			errs = append(errs, &ConfigurationError{Target: name, Field: field, Reason: err.Error()})
			return
		}

		*into = d
	}

	if rc := tc.Retry; rc != nil {
		p := DefaultRetry()
		setIf(&p.MaxAttempts, rc.MaxAttempts)
		setIf(&p.BackoffCoefficient, rc.BackoffCoefficient)
		setIf(&p.JitterFraction, rc.JitterFraction)
		dur("retry.initial_interval", rc.InitialInterval, &p.InitialInterval)
		dur("retry.max_interval", rc.MaxInterval, &p.MaxInterval)

		if len(rc.RetryOn) > 0 {
			kinds := make([]ErrorKind, 0, len(rc.RetryOn))

			for _, s := range rc.RetryOn {
				k, err := ParseErrorKind(s)
				if err != nil {
					errs = append(errs, &ConfigurationError{Target: name, Field: "retry.retry_on", Reason: err.Error()})
					continue
				}

				kinds = append(kinds, k)
			}

			p.Retryable = RetryOn(kinds...)
		}

		t.Retry = p
	}

	if cc := tc.CircuitBreaker; cc != nil {
		p := DefaultCircuitBreaker()
		setIf(&p.FailureThreshold, cc.FailureThreshold)
		setIf(&p.HalfOpenMaxTrials, cc.HalfOpenMaxTrials)
		setIf(&p.RequiredHalfOpenSuccesses, cc.RequiredHalfOpenSuccesses)
		dur("circuit_breaker.open_duration", cc.OpenDuration, &p.OpenDuration)

		t.CircuitBreaker = p
	}

	if tc.Timeout != nil {
		t.Timeout = &TimeoutPolicy{}
		dur("timeout.duration", tc.Timeout, &t.Timeout.Duration)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return t, nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// LoadGraph reads a dependency graph file, a JSON or YAML mapping from each
// name to the names it calls.
func LoadGraph(path string) (DependencyGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resilix: read graph: %w", err)
	}

	var g DependencyGraph

	if FormatFor(path) == FormatYAML {
		err = yaml.Unmarshal(data, &g)
	} else {
		err = json.Unmarshal(data, &g)
	}

	if err != nil {
		return nil, fmt.Errorf("resilix: parse graph: %w", err)
	}

	return g, nil
}
