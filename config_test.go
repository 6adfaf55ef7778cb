package resilix_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/byte4ever/resilix"
)

func TestLoadConfigJSONAndYAMLAgree(t *testing.T) {
	for _, path := range []string{"testdata/resilix.json", "testdata/resilix.yaml"} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			reg, err := resilix.LoadConfig(path)
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}

			if !reg.Sealed() {
				t.Fatal("LoadConfig() returned an unsealed registry")
			}

			p, err := reg.Resolve("payments")
			if err != nil {
				t.Fatalf("Resolve(payments) error = %v", err)
			}

			if p.Retry.MaxAttempts != 4 || p.Retry.InitialInterval != 100*time.Millisecond ||
				p.Retry.MaxInterval != 2*time.Second {
				t.Fatalf("payments retry = %+v", p.Retry)
			}
			if p.Retry.JitterFraction != resilix.DefaultRetry().JitterFraction {
				t.Fatalf("jitter = %g, want preset value", p.Retry.JitterFraction)
			}
			if p.Retry.Classify(resilix.KindChaosInjected) || !p.Retry.Classify(resilix.KindTimeout) {
				t.Fatal("retry_on not applied")
			}
			if p.CircuitBreaker.FailureThreshold != 3 || p.CircuitBreaker.HalfOpenMaxTrials != 1 {
				t.Fatalf("payments breaker = %+v", p.CircuitBreaker)
			}
			if p.Timeout.Duration != 2*time.Second || !p.External || p.DependsOn[0] != "ledger" {
				t.Fatalf("payments = %+v", p)
			}

			l, _ := reg.Resolve("ledger")
			if l.Retry != nil || l.CircuitBreaker.OpenDuration != 30*time.Second {
				t.Fatalf("ledger = %+v", l)
			}

			legacy, _ := reg.Resolve("legacy-billing")
			if legacy.Name != "legacy-*" || legacy.Retry.MaxAttempts != resilix.DefaultRetry().MaxAttempts {
				t.Fatalf("legacy-billing resolved to %+v", legacy)
			}

			def, _ := reg.Resolve("anything")
			if def.Name != resilix.DefaultTargetName || def.Retry.MaxAttempts != 2 {
				t.Fatalf("default = %+v", def)
			}
		})
	}
}

func TestLoadConfigReportsEveryError(t *testing.T) {
	_, err := resilix.LoadConfig("testdata/invalid.yaml")
	if !errors.Is(err, resilix.ErrInvalidConfig) {
		t.Fatalf("LoadConfig() error = %v, want ErrInvalidConfig", err)
	}

	for _, want := range []string{
		`"broken"`,
		"retry.initial_interval",
		`"half"`,
		"required_half_open_successes",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	if strings.Contains(err.Error(), `"fine"`) {
		t.Errorf("error %q blames a valid target", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := resilix.LoadConfig("testdata/nonexistent.json")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("LoadConfig() error = %v, want not-exist", err)
	}
}

func TestParseConfigRejectsGarbage(t *testing.T) {
	if _, err := resilix.ParseConfig([]byte("{not json"), resilix.FormatJSON); err == nil {
		t.Fatal("ParseConfig() error = nil for malformed JSON")
	}

	if _, err := resilix.ParseConfig([]byte("{}"), "toml"); err == nil {
		t.Fatal("ParseConfig() error = nil for unknown format")
	}
}

func TestBuildTargetUnknownKind(t *testing.T) {
	_, err := resilix.BuildTarget("svc", &resilix.TargetConfig{
		Retry: &resilix.RetryConfig{RetryOn: []string{"flaky"}},
	})

	var ce *resilix.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "retry.retry_on" {
		t.Fatalf("BuildTarget() error = %v, want retry.retry_on error", err)
	}
}

func TestFormatFor(t *testing.T) {
	cases := map[string]resilix.Format{
		"a.yaml": resilix.FormatYAML,
		"a.YML":  resilix.FormatYAML,
		"a.json": resilix.FormatJSON,
		"a":      resilix.FormatJSON,
	}

	for path, want := range cases {
		if got := resilix.FormatFor(path); got != want {
			t.Errorf("FormatFor(%q) = %q, want %q", path, got, want)
		}
	}
}
