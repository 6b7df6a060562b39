package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "store:\n  path: custom.db\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "custom.db", cfg.Store.Path)
	assert.Equal(t, "fs", cfg.Blobs.Backend)
	assert.Equal(t, "deterministic", cfg.Model.Mode)
	assert.Equal(t, 60*time.Second, cfg.Model.RequestTimeout.Std())
	assert.Equal(t, 50, cfg.Validator.MinLength)
	assert.Equal(t, 10000, cfg.Validator.MaxLength)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 16, cfg.Retry.BackoffCap)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.Equal(t, 10*time.Minute, cfg.Workers.StuckTimeout.Std())
	assert.Equal(t, "docgen.audit", cfg.Audit.Subject)
	assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
	assert.Equal(t, LogFormatText, cfg.Logging.Format)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("DOCGEN_TEST_KEY", "secret-key")
	path := writeConfig(t, `
model:
  mode: http
  endpoint: https://model.example.com/v1/generate
  api_key: ${DOCGEN_TEST_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", cfg.Model.APIKey)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("http mode without endpoint", func(t *testing.T) {
		_, err := Load(writeConfig(t, "model:\n  mode: http\n"))
		assert.ErrorContains(t, err, "endpoint required")
	})

	t.Run("length bounds inverted", func(t *testing.T) {
		_, err := Load(writeConfig(t, "validator:\n  min_length: 500\n  max_length: 100\n"))
		assert.ErrorContains(t, err, "exceeds max_length")
	})

	t.Run("unknown blob backend", func(t *testing.T) {
		_, err := Load(writeConfig(t, "blobs:\n  backend: s3\n"))
		assert.ErrorContains(t, err, "unsupported backend")
	})

	t.Run("malformed duration", func(t *testing.T) {
		_, err := Load(writeConfig(t, "workers:\n  poll_interval: fast\n"))
		assert.ErrorContains(t, err, "invalid duration")
	})
}

func TestDurationUnmarshal(t *testing.T) {
	cfg, err := Load(writeConfig(t, "workers:\n  poll_interval: 1500ms\n  stuck_timeout: 2h\n"))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Workers.PollInterval.Std())
	assert.Equal(t, 2*time.Hour, cfg.Workers.StuckTimeout.Std())
}

func TestInitWritesStarterConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docgen.yaml")

	require.NoError(t, Init(path, false))

	// The starter file loads cleanly with the documented defaults.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "docgen.db", cfg.Store.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Workers.PollInterval.Std())

	// A second init refuses to clobber without force.
	err = Init(path, false)
	assert.ErrorContains(t, err, "already exists")
	assert.NoError(t, Init(path, true))
}

func TestNormalizeLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, NormalizeLogLevel(" DEBUG "))
	assert.Equal(t, LogLevelWarn, NormalizeLogLevel("warn"))
	assert.Equal(t, LogLevelError, NormalizeLogLevel("Error"))
	assert.Equal(t, LogLevelInfo, NormalizeLogLevel("verbose"))
	assert.Equal(t, LogLevelInfo, NormalizeLogLevel(""))
}
