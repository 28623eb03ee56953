package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, "filewatcher", cfg.Input)
	assert.Equal(t, "telegram", cfg.Output)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 30.0, cfg.Rate.Global.RefillRate)
	assert.Equal(t, 1.0, cfg.Rate.PerChat.Capacity)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10_000, cfg.Queue.MaxActive)
	assert.Equal(t, 64*1024, cfg.Fragment.ThresholdBytes)
	assert.Equal(t, 86_400_000, cfg.TraceRetentionMs)
}

func TestNewConfigReturnsFreshInstances(t *testing.T) {
	first := NewConfig()
	first.Workers = 99
	assert.Equal(t, 5, NewConfig().Workers)
}

func TestLoadYAML(t *testing.T) {
	content := `
workers: 3
data_dir: /var/lib/boa
rate:
  global:
    capacity: 20
    refill_rate: 20
  per_chat:
    capacity: 1
    refill_rate: 0.5
retry:
  max_attempts: 7
breaker:
  failure_threshold: 10
queue:
  max_active: 500
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := NewConfig()
	require.NoError(t, cfg.Load(path))

	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "/var/lib/boa", cfg.DataDir)
	assert.Equal(t, 20.0, cfg.Rate.Global.Capacity)
	assert.Equal(t, 0.5, cfg.Rate.PerChat.RefillRate)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 500, cfg.Queue.MaxActive)
	// Untouched values keep their defaults
	assert.Equal(t, 5, cfg.Breaker.VolumeThreshold)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WORKERS", "9")
	t.Setenv("LOGGING_LEVEL", "debug")
	t.Setenv("RATE_REDIS_ADDRESS", "localhost:6379")

	cfg := NewConfig()
	require.NoError(t, cfg.Load(""))

	assert.Equal(t, 9, cfg.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "localhost:6379", cfg.Rate.Redis.Address)
}

func TestLoadMissingFile(t *testing.T) {
	cfg := NewConfig()
	assert.Error(t, cfg.Load("/nonexistent/config.yaml"))
}
