package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "cronhook.db", cfg.Database.Path)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, time.Second, cfg.Scheduler.BackoffUnit)
	assert.Equal(t, 8, cfg.Scheduler.MaxWorkers)
	assert.False(t, cfg.Scheduler.Lock.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cronhook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  api_token: "secret"
  cors_origins:
    - "https://dash.example.com"
    - "http://localhost:5173"
scheduler:
  tick_interval: 30s
  max_workers: 2
delivery:
  rate_per_sec: 5
log:
  format: json
`), 0o644))
	t.Setenv("CRONHOOK_DATABASE_PATH", "/var/lib/cronhook/tasks.db")
	t.Setenv("CRONHOOK_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "secret", cfg.Server.APIToken)
	assert.Equal(t, []string{"https://dash.example.com", "http://localhost:5173"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 2, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 5.0, cfg.Delivery.RatePerSec)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/lib/cronhook/tasks.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Scheduler.TickInterval = 0
	bad.Scheduler.MaxWorkers = -1
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_interval")
	assert.Contains(t, err.Error(), "max_workers")

	bad = *cfg
	bad.Scheduler.Lock.Enabled = true
	bad.Scheduler.Lock.RedisURL = ""
	assert.Error(t, bad.Validate())
}
