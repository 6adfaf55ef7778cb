// Package cliconfig resolves resilixctl settings from flags, RESILIX_*
// environment variables and an optional settings file, in that order of
// precedence.
package cliconfig

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RESILIX_LOG_LEVEL or
// RESILIX_CHAOS_FAILURE_RATE.
const EnvPrefix = "RESILIX"

// Settings holds everything resilixctl needs.
type Settings struct {
	// Config is the policy file (JSON or YAML).
	Config string `mapstructure:"config"`
	// Graph is an optional dependency graph file mapping names to the
	// names they call.
	Graph     string        `mapstructure:"graph"`
	LogLevel  string        `mapstructure:"log_level"`
	LogFormat string        `mapstructure:"log_format"`
	Output    string        `mapstructure:"output"`
	FailOn    string        `mapstructure:"fail_on"`
	Analyzer  AnalyzerFlags `mapstructure:"analyzer"`
	Chaos     ChaosFlags    `mapstructure:"chaos"`
}

// AnalyzerFlags overrides the analyzer thresholds.
type AnalyzerFlags struct {
	MinRetryInterval   time.Duration `mapstructure:"min_retry_interval"`
	MaxRetryAttempts   int           `mapstructure:"max_retry_attempts"`
	MinExternalTimeout time.Duration `mapstructure:"min_external_timeout"`
}

// ChaosFlags drives the chaos command.
type ChaosFlags struct {
	Target      string        `mapstructure:"target"`
	Duration    time.Duration `mapstructure:"duration"`
	FailureRate float64       `mapstructure:"failure_rate"`
	LatencyMin  time.Duration `mapstructure:"latency_min"`
	LatencyMax  time.Duration `mapstructure:"latency_max"`
	Kind        string        `mapstructure:"kind"`
	Seed        uint64        `mapstructure:"seed"`
	Tolerance   time.Duration `mapstructure:"tolerance"`
	MaxCalls    int           `mapstructure:"max_calls"`
}

// flagKeys maps flag names to settings keys where they differ.
var flagKeys = map[string]string{
	"log-level":            "log_level",
	"log-format":           "log_format",
	"fail-on":              "fail_on",
	"min-retry-interval":   "analyzer.min_retry_interval",
	"max-retry-attempts":   "analyzer.max_retry_attempts",
	"min-external-timeout": "analyzer.min_external_timeout",
	"target":               "chaos.target",
	"duration":             "chaos.duration",
	"failure-rate":         "chaos.failure_rate",
	"latency-min":          "chaos.latency_min",
	"latency-max":          "chaos.latency_max",
	"kind":                 "chaos.kind",
	"seed":                 "chaos.seed",
	"tolerance":            "chaos.tolerance",
	"max-calls":            "chaos.max_calls",
}

// FlagSet returns the flags understood by every command.
func FlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringP("config", "c", "", "policy file (.json, .yaml)")
	fs.StringP("graph", "g", "", "dependency graph file")
	fs.String("settings", "", "resilixctl settings file")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "text", "text or json")
	fs.StringP("output", "o", "text", "report format: text or json")
	fs.String("fail-on", "critical", "lowest analyzer severity that fails the run")

	fs.Duration("min-retry-interval", 50*time.Millisecond, "retry storm interval floor")
	fs.Int("max-retry-attempts", 10, "retry storm attempt cap")
	fs.Duration("min-external-timeout", time.Second, "shortest sane external timeout")

	fs.StringP("target", "t", "", "chaos target name")
	fs.DurationP("duration", "d", 5*time.Second, "chaos soak duration")
	fs.Float64("failure-rate", 0.3, "injected failure probability")
	fs.Duration("latency-min", 0, "injected latency lower bound")
	fs.Duration("latency-max", 0, "injected latency upper bound")
	fs.String("kind", "chaos_injected", "kind of injected failures")
	fs.Uint64("seed", 0, "chaos seed; 0 draws a random one")
	fs.Duration("tolerance", 20*time.Millisecond, "timeout enforcement tolerance")
	fs.Int("max-calls", 200, "retry soak call cap")

	return fs
}

// Load parses args and resolves the settings.
func Load(args []string) (*Settings, error) {
	fs := FlagSet("resilixctl")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var errs []error

	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "settings" {
			return
		}

		key := f.Name
		if k, ok := flagKeys[f.Name]; ok {
			key = k
		}

		errs = append(errs, v.BindPFlag(key, f))
	})

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if path, _ := fs.GetString("settings"); path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}

	return &s, s.validate()
}

func (s *Settings) validate() error {
	var errs []error

	if s.Config == "" {
		errs = append(errs, errors.New("config: a policy file is required"))
	}

	switch s.Output {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("output: %q is not text or json", s.Output))
	}

	if _, err := s.Level(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Level parses LogLevel.
func (s *Settings) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}

	return l, nil
}

// Logger builds the CLI logger writing to w.
func (s *Settings) Logger(w io.Writer) *slog.Logger {
	level, _ := s.Level()
	opts := &slog.HandlerOptions{Level: level}

	if s.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}
