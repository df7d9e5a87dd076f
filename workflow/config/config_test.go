package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everruns/durable/workflow/config"
)

func TestDefaultMatchesEngineDefaults(t *testing.T) {
	c := config.Default()
	assert.Equal(t, config.Duration(10*time.Second), c.Engine.ReclaimInterval)
	assert.Equal(t, config.Duration(30*time.Second), c.Engine.StaleThreshold)
	assert.Equal(t, "exponential", c.Engine.DefaultRetryPolicy.Preset)
	assert.Equal(t, uint32(5), c.Engine.CircuitBreaker.FailureThreshold)
	assert.Equal(t, uint32(2), c.Engine.CircuitBreaker.SuccessThreshold)
}

func TestRetryPolicyPresets(t *testing.T) {
	no := config.RetryPolicyConfig{Preset: "no_retry"}.RetryPolicy()
	assert.Equal(t, uint32(1), no.MaxAttempts)

	fixed := config.RetryPolicyConfig{Preset: "fixed", MaxAttempts: 3, InitialInterval: config.Duration(time.Second)}.RetryPolicy()
	assert.Equal(t, uint32(3), fixed.MaxAttempts)
	assert.Equal(t, time.Second, fixed.InitialInterval)
	assert.Equal(t, time.Second, fixed.MaxInterval)

	exp := config.RetryPolicyConfig{Preset: "exponential"}.RetryPolicy()
	assert.Equal(t, uint32(5), exp.MaxAttempts)
	assert.Equal(t, 2.0, exp.BackoffCoefficient)

	custom := config.RetryPolicyConfig{
		Preset:             "custom",
		MaxAttempts:        7,
		InitialInterval:    config.Duration(2 * time.Second),
		MaxInterval:        config.Duration(time.Minute),
		BackoffCoefficient: 1.5,
		Jitter:             0.2,
		NonRetryableErrors: []string{"invalid_workflow_input"},
	}.RetryPolicy()
	assert.Equal(t, uint32(7), custom.MaxAttempts)
	assert.False(t, custom.ShouldRetry("invalid_workflow_input"))
	assert.True(t, custom.ShouldRetry("database"))
}

func TestLoadParsesDurationsAndOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durable.yaml")
	contents := `
engine:
  reclaim_interval: 5s
  stale_threshold: 45s
  default_retry_policy:
    preset: fixed
    max_attempts: 4
    initial_interval: 2s
workers:
  default:
    worker_group: demo
    activity_types: [call_model, send_email]
    max_concurrency: 25
    heartbeat_interval: 10s
    poller:
      min_interval: 50ms
      max_interval: 2s
      batch_size: 20
    backpressure:
      high_watermark: 0.85
      low_watermark: 0.6
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, time.Duration(cfg.Engine.ReclaimInterval))
	assert.Equal(t, 45*time.Second, time.Duration(cfg.Engine.StaleThreshold))
	assert.Equal(t, "fixed", cfg.Engine.DefaultRetryPolicy.Preset)
	// Unset in YAML: default_timeouts must still carry Default()'s values.
	assert.Equal(t, 60*time.Second, time.Duration(cfg.Engine.DefaultTimeouts.ScheduleToStart))

	w, ok := cfg.Workers["default"]
	require.True(t, ok)
	assert.Equal(t, []string{"call_model", "send_email"}, w.ActivityTypes)
	assert.Equal(t, 25, w.MaxConcurrency)

	workerCfg := w.Worker("worker-1")
	assert.Equal(t, "worker-1", workerCfg.WorkerID)
	assert.Equal(t, "demo", workerCfg.WorkerGroup)
	assert.Equal(t, 25, workerCfg.MaxConcurrency)
	assert.Equal(t, 10*time.Second, workerCfg.HeartbeatEvery)
	assert.Equal(t, 50*time.Millisecond, workerCfg.Poller.MinInterval)
	assert.Equal(t, 20, workerCfg.Poller.BatchSize)
	assert.Equal(t, 0.85, workerCfg.Backpressure.HighWatermark)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durable.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  reclaim_intervalx: 5s\n"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsDegenerateBackpressure(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.DefaultTimeouts = config.TimeoutConfig{
		ScheduleToStart: config.Duration(60 * time.Second),
		StartToClose:    config.Duration(300 * time.Second),
	}
	cfg.Workers = map[string]config.WorkerConfig{
		"bad": {
			Backpressure: config.BackpressureConfig{HighWatermark: 0.5, LowWatermark: 0.8},
		},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsDefault(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.DefaultTimeouts = config.TimeoutConfig{
		ScheduleToStart: config.Duration(60 * time.Second),
		StartToClose:    config.Duration(300 * time.Second),
	}
	assert.NoError(t, cfg.Validate())
}

func TestDurationUnmarshalAcceptsBareSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durable.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  reclaim_interval: 5\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.Engine.ReclaimInterval))
}
