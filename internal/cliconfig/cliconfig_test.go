package cliconfig_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byte4ever/resilix/internal/cliconfig"
)

func TestLoadDefaults(t *testing.T) {
	s, err := cliconfig.Load([]string{"--config", "p.yaml"})
	require.NoError(t, err)

	assert.Equal(t, "p.yaml", s.Config)
	assert.Equal(t, "text", s.Output)
	assert.Equal(t, "critical", s.FailOn)
	assert.Equal(t, 5*time.Second, s.Chaos.Duration)
	assert.InDelta(t, 0.3, s.Chaos.FailureRate, 1e-9)
	assert.Equal(t, 200, s.Chaos.MaxCalls)
	assert.Equal(t, 50*time.Millisecond, s.Analyzer.MinRetryInterval)

	level, err := s.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadEnvOverridesDefaultsButNotFlags(t *testing.T) {
	t.Setenv("RESILIX_CHAOS_FAILURE_RATE", "0.9")
	t.Setenv("RESILIX_LOG_LEVEL", "debug")
	t.Setenv("RESILIX_OUTPUT", "json")

	s, err := cliconfig.Load([]string{"-c", "p.json", "--output", "text", "--seed", "7"})
	require.NoError(t, err)

	assert.InDelta(t, 0.9, s.Chaos.FailureRate, 1e-9)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "text", s.Output)
	assert.Equal(t, uint64(7), s.Chaos.Seed)
}

func TestLoadSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resilixctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
config: policies.yaml
chaos:
  target: payments
  duration: 2s
`), 0o600))

	s, err := cliconfig.Load([]string{"--settings", path})
	require.NoError(t, err)

	assert.Equal(t, "policies.yaml", s.Config)
	assert.Equal(t, "payments", s.Chaos.Target)
	assert.Equal(t, 2*time.Second, s.Chaos.Duration)
}

func TestLoadValidation(t *testing.T) {
	_, err := cliconfig.Load(nil)
	require.ErrorContains(t, err, "policy file is required")

	_, err = cliconfig.Load([]string{"-c", "x", "--output", "xml"})
	require.ErrorContains(t, err, "output")

	_, err = cliconfig.Load([]string{"-c", "x", "--log-level", "loud"})
	require.ErrorContains(t, err, "log_level")

	_, err = cliconfig.Load([]string{"--nope"})
	require.ErrorContains(t, err, "parse flags")
}
