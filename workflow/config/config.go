// Package config loads the YAML-backed engine/worker/retry/backpressure/
// circuit-breaker configuration named in spec.md §6, mirroring how the
// teacher's own test framework (integration_tests/framework) decodes its
// scenario files with gopkg.in/yaml.v3: plain structs with `yaml` tags,
// decoded with strict unknown-field checking, then validated and converted
// into the concrete config types each package already exposes
// (retry.Policy, timeout.Config, backpressure.Config, poller.Config,
// store.CircuitBreakerConfig, reclaim.Config).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/everruns/durable/workflow/reclaim"
	"github.com/everruns/durable/workflow/retry"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/timeout"
	"github.com/everruns/durable/workflow/worker"
	"github.com/everruns/durable/workflow/worker/backpressure"
	"github.com/everruns/durable/workflow/worker/poller"
)

// Config is the root of one YAML configuration file: one engine section
// shared by the whole process, and one worker section per worker pool the
// process runs. A single-binary deployment (cmd/durable-demo) runs one
// worker; cmd/durable-bench does not read a configuration file.
type Config struct {
	Engine  EngineConfig            `yaml:"engine"`
	Workers map[string]WorkerConfig `yaml:"workers"`
}

// EngineConfig controls the reclaim loop and the defaults new workflows
// inherit unless a workflow definition overrides them.
type EngineConfig struct {
	ReclaimInterval    Duration             `yaml:"reclaim_interval"`
	StaleThreshold     Duration             `yaml:"stale_threshold"`
	DefaultRetryPolicy RetryPolicyConfig    `yaml:"default_retry_policy"`
	DefaultTimeouts    TimeoutConfig        `yaml:"default_timeouts"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// WorkerConfig controls one worker pool's claim/execute tuning.
type WorkerConfig struct {
	WorkerGroup    string             `yaml:"worker_group"`
	ActivityTypes  []string           `yaml:"activity_types"`
	MaxConcurrency int                `yaml:"max_concurrency"`
	HeartbeatEvery Duration           `yaml:"heartbeat_interval"`
	RateLimit      float64            `yaml:"rate_limit"`
	Poller         PollerConfig       `yaml:"poller"`
	Backpressure   BackpressureConfig `yaml:"backpressure"`
}

// PollerConfig mirrors poller.Config with YAML-friendly duration fields.
type PollerConfig struct {
	MinInterval       Duration `yaml:"min_interval"`
	MaxInterval       Duration `yaml:"max_interval"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	BatchSize         int      `yaml:"batch_size"`
}

// BackpressureConfig mirrors backpressure.Config. MemoryThreshold and
// CPUThreshold are pointers so "unset" (no soft memory/CPU ceiling) survives
// the YAML round trip distinctly from an explicit zero.
type BackpressureConfig struct {
	HighWatermark   float64  `yaml:"high_watermark"`
	LowWatermark    float64  `yaml:"low_watermark"`
	MemoryThreshold *uint64  `yaml:"memory_threshold,omitempty"`
	CPUThreshold    *float64 `yaml:"cpu_threshold,omitempty"`
}

// RetryPolicyConfig describes one retry schedule. Preset selects one of the
// named built-ins from spec.md §4.5 ("no_retry", "fixed", "exponential");
// "custom" (or any other value) builds the policy from the remaining
// fields directly.
type RetryPolicyConfig struct {
	Preset             string   `yaml:"preset"`
	MaxAttempts        uint32   `yaml:"max_attempts"`
	InitialInterval    Duration `yaml:"initial_interval"`
	MaxInterval        Duration `yaml:"max_interval"`
	BackoffCoefficient float64  `yaml:"backoff_coefficient"`
	Jitter             float64  `yaml:"jitter"`
	NonRetryableErrors []string `yaml:"non_retryable_errors"`
}

// TimeoutConfig mirrors timeout.Config. Heartbeat is a pointer so "no
// heartbeat timeout" survives the round trip.
type TimeoutConfig struct {
	ScheduleToStart Duration  `yaml:"schedule_to_start"`
	StartToClose    Duration  `yaml:"start_to_close"`
	Heartbeat       *Duration `yaml:"heartbeat,omitempty"`
}

// CircuitBreakerConfig mirrors store.CircuitBreakerConfig.
type CircuitBreakerConfig struct {
	FailureThreshold uint32   `yaml:"failure_threshold"`
	SuccessThreshold uint32   `yaml:"success_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
	CacheDuration    Duration `yaml:"cache_duration"`
}

// Duration wraps time.Duration so YAML carries it as a human-readable
// string ("30s", "5m") rather than a raw integer of nanoseconds — yaml.v3
// has no built-in notion of time.Duration, so every YAML-facing duration
// field in this package uses Duration instead of time.Duration directly.
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string ("1h30m") or a bare
// integer number of seconds, so a config file can write `5` instead of
// `5s` when fractional units aren't needed.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		var seconds int64
		if err := value.Decode(&seconds); err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("config: duration must be a string or integer seconds: %w", err)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// MarshalYAML renders the duration back in Go's canonical string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) std() time.Duration { return time.Duration(d) }

// Default returns the engine's built-in defaults (spec.md §4.5/§6): no
// worker pools (Workers is nil), the exponential retry preset, 60s/300s
// timeouts, and the 5-failure/2-success/30s/1s circuit breaker.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			ReclaimInterval:    Duration(10 * time.Second),
			StaleThreshold:     Duration(30 * time.Second),
			DefaultRetryPolicy: RetryPolicyConfig{Preset: "exponential"},
			DefaultTimeouts: TimeoutConfig{
				ScheduleToStart: Duration(60 * time.Second),
				StartToClose:    Duration(300 * time.Second),
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				ResetTimeout:     Duration(30 * time.Second),
				CacheDuration:    Duration(time.Second),
			},
		},
	}
}

// Load reads and parses a YAML configuration file at path. Unknown fields
// are rejected (yaml.v3's KnownFields) so a typo in a config key fails
// loudly at startup instead of silently falling back to a zero value.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	cfg := Default()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the decoded configuration for internally inconsistent
// values that would otherwise surface only once a worker pool starts
// rejecting every claim (a degenerate backpressure watermark), a task
// times out immediately (a non-positive default timeout), or a pool is
// sized with a negative max_concurrency. Retry policy fields are not
// checked.
func (c Config) Validate() error {
	if err := c.Engine.DefaultTimeouts.toTimeout().validate(); err != nil {
		return fmt.Errorf("config: engine.default_timeouts: %w", err)
	}
	for name, w := range c.Workers {
		bp := w.Backpressure.toBackpressure()
		if err := bp.Validate(); err != nil {
			return fmt.Errorf("config: workers.%s.backpressure: %w", name, err)
		}
		if w.MaxConcurrency < 0 {
			return fmt.Errorf("config: workers.%s.max_concurrency must be >= 0", name)
		}
	}
	return nil
}

func (t TimeoutConfig) toTimeout() timeoutValidator {
	return timeoutValidator{scheduleToStart: t.ScheduleToStart.std(), startToClose: t.StartToClose.std()}
}

type timeoutValidator struct {
	scheduleToStart time.Duration
	startToClose    time.Duration
}

func (v timeoutValidator) validate() error {
	if v.scheduleToStart <= 0 {
		return fmt.Errorf("schedule_to_start must be positive")
	}
	if v.startToClose <= 0 {
		return fmt.Errorf("start_to_close must be positive")
	}
	return nil
}

// RetryPolicy converts the decoded configuration into a retry.Policy,
// resolving Preset to one of the three named built-ins before falling back
// to the literal fields for a "custom" (or unrecognized) preset.
func (rc RetryPolicyConfig) RetryPolicy() retry.Policy {
	switch rc.Preset {
	case "no_retry":
		return retry.NoRetry()
	case "fixed":
		return retry.Fixed(rc.InitialInterval.std(), rc.MaxAttempts)
	case "exponential":
		return retry.Exponential()
	default:
		set := make(map[string]struct{}, len(rc.NonRetryableErrors))
		for _, k := range rc.NonRetryableErrors {
			set[k] = struct{}{}
		}
		return retry.Policy{
			MaxAttempts:        rc.MaxAttempts,
			InitialInterval:    rc.InitialInterval.std(),
			MaxInterval:        rc.MaxInterval.std(),
			BackoffCoefficient: rc.BackoffCoefficient,
			Jitter:             rc.Jitter,
			NonRetryableErrors: set,
		}
	}
}

// Timeout converts the decoded configuration into a timeout.Config.
func (t TimeoutConfig) Timeout() timeout.Config {
	cfg := timeout.Config{
		ScheduleToStart: t.ScheduleToStart.std(),
		StartToClose:    t.StartToClose.std(),
	}
	if t.Heartbeat != nil {
		d := t.Heartbeat.std()
		cfg.Heartbeat = &d
	}
	return cfg
}

// CircuitBreaker converts the decoded configuration into a
// store.CircuitBreakerConfig.
func (cb CircuitBreakerConfig) CircuitBreaker() store.CircuitBreakerConfig {
	return store.CircuitBreakerConfig{
		FailureThreshold: cb.FailureThreshold,
		SuccessThreshold: cb.SuccessThreshold,
		ResetTimeout:     cb.ResetTimeout.std(),
		CacheDuration:    cb.CacheDuration.std(),
	}
}

// Reclaim converts the decoded engine configuration into a reclaim.Config.
func (e EngineConfig) Reclaim() reclaim.Config {
	return reclaim.Config{Interval: e.ReclaimInterval.std(), StaleThreshold: e.StaleThreshold.std()}
}

func (bc BackpressureConfig) toBackpressure() backpressure.Config {
	return backpressure.Config{
		HighWatermark:   bc.HighWatermark,
		LowWatermark:    bc.LowWatermark,
		MemoryThreshold: bc.MemoryThreshold,
		CPUThreshold:    bc.CPUThreshold,
	}
}

func (pc PollerConfig) toPoller() poller.Config {
	cfg := poller.DefaultConfig()
	if pc.MinInterval > 0 {
		cfg = cfg.WithMinInterval(pc.MinInterval.std())
	}
	if pc.MaxInterval > 0 {
		cfg = cfg.WithMaxInterval(pc.MaxInterval.std())
	}
	if pc.BackoffMultiplier > 0 {
		cfg = cfg.WithBackoffMultiplier(pc.BackoffMultiplier)
	}
	if pc.BatchSize > 0 {
		cfg = cfg.WithBatchSize(pc.BatchSize)
	}
	return cfg
}

// Worker converts the decoded worker configuration into a worker.Config for
// the named worker, filling in identity fields the YAML file doesn't carry.
func (w WorkerConfig) Worker(workerID string) worker.Config {
	cfg := worker.DefaultConfig(workerID, w.ActivityTypes)
	cfg.WorkerGroup = w.WorkerGroup
	if w.MaxConcurrency > 0 {
		cfg.MaxConcurrency = w.MaxConcurrency
	}
	if w.HeartbeatEvery > 0 {
		cfg.HeartbeatEvery = w.HeartbeatEvery.std()
	}
	cfg.RateLimit = w.RateLimit
	cfg.Backpressure = w.Backpressure.toBackpressure()
	cfg.Poller = w.Poller.toPoller()
	return cfg
}
