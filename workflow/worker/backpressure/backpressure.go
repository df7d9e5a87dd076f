// Package backpressure implements the worker pool's load-aware task
// acceptance: a two-watermark hysteresis latch over current_load /
// max_concurrency, so a worker stops claiming new tasks under load and only
// resumes once it has drained back below a lower threshold.
package backpressure

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config controls when a worker starts and stops accepting new claims.
type Config struct {
	// HighWatermark stops acceptance once load ratio reaches or exceeds it.
	HighWatermark float64
	// LowWatermark resumes acceptance once load ratio drops to or below it.
	LowWatermark float64
	// MemoryThreshold, in bytes, optionally forces a pause independent of
	// the load ratio.
	MemoryThreshold *uint64
	// CPUThreshold, a fraction in [0,1], optionally forces a pause
	// independent of the load ratio.
	CPUThreshold *float64
}

// DefaultConfig matches the engine's defaults: 90% high, 70% low.
func DefaultConfig() Config {
	return Config{HighWatermark: 0.9, LowWatermark: 0.7}
}

// Validate reports a non-nil error if low >= high, which would make the
// hysteresis latch degenerate into a single unstable threshold.
func (c Config) Validate() error {
	if c.LowWatermark >= c.HighWatermark {
		return fmt.Errorf("backpressure: low_watermark (%v) must be less than high_watermark (%v)", c.LowWatermark, c.HighWatermark)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// WithHighWatermark returns a copy of c with HighWatermark clamped to [0,1].
func (c Config) WithHighWatermark(w float64) Config {
	c.HighWatermark = clamp01(w)
	return c
}

// WithLowWatermark returns a copy of c with LowWatermark clamped to [0,1].
func (c Config) WithLowWatermark(w float64) Config {
	c.LowWatermark = clamp01(w)
	return c
}

// Sampler reports current host resource usage for ShouldAccept to compare
// against Config.MemoryThreshold/CPUThreshold. Tests substitute a fake to
// simulate pressure without depending on the actual host's load.
type Sampler interface {
	// MemoryUsedBytes returns current resident memory usage in bytes.
	MemoryUsedBytes() (uint64, error)
	// CPUPercent returns current CPU utilization as a fraction in [0,1].
	CPUPercent() (float64, error)
}

// gopsutilSampler samples real host usage via gopsutil/v4.
type gopsutilSampler struct{}

func (gopsutilSampler) MemoryUsedBytes() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Used, nil
}

// CPUPercent uses a zero interval, which reports utilization since the
// previous call instead of blocking for a fresh sampling window — the
// first call after process start always reports 0.
func (gopsutilSampler) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0] / 100, nil
}

// DefaultSampler samples real host memory and CPU usage via gopsutil/v4.
var DefaultSampler Sampler = gopsutilSampler{}

// State tracks one worker's current load and latched accept/reject
// decision. Safe for concurrent use; the load counters are atomics so
// TaskStarted/TaskCompleted never block a claim loop.
type State struct {
	config         Config
	currentLoad    atomic.Int64
	maxConcurrency int64
	accepting      atomic.Bool
	mu             sync.RWMutex
	reason         string
	sampler        Sampler
}

// New constructs a State that starts out accepting tasks, sampling real
// host memory/CPU usage via DefaultSampler when Config.MemoryThreshold or
// Config.CPUThreshold is set.
func New(cfg Config, maxConcurrency int) *State {
	s := &State{config: cfg, maxConcurrency: int64(maxConcurrency), sampler: DefaultSampler}
	s.accepting.Store(true)
	return s
}

// WithSampler returns a copy of s using sampler instead of DefaultSampler.
func (s *State) WithSampler(sampler Sampler) *State {
	cp := *s
	cp.sampler = sampler
	return &cp
}

func (s *State) capacity() int64 {
	if s.maxConcurrency <= 0 {
		return 1
	}
	return s.maxConcurrency
}

// LoadRatio returns current_load / max_concurrency.
func (s *State) LoadRatio() float64 {
	return float64(s.currentLoad.Load()) / float64(s.capacity())
}

// ShouldAccept applies the hysteresis latch: once accepting, it flips to
// rejecting only at the high watermark; once rejecting, it flips back only
// at the low watermark. A ratio strictly between the two watermarks never
// changes the current latch position — this is what prevents oscillation
// under load hovering near a single threshold.
func (s *State) ShouldAccept() bool {
	if reason, over := s.overResourceThreshold(); over {
		s.accepting.Store(false)
		s.setReason(reason)
		return false
	}

	ratio := s.LoadRatio()
	if s.accepting.Load() {
		if ratio >= s.config.HighWatermark {
			s.accepting.Store(false)
			s.setReason(fmt.Sprintf("load ratio %.1f%% exceeds high watermark", ratio*100))
			return false
		}
		return true
	}
	if ratio <= s.config.LowWatermark {
		s.accepting.Store(true)
		s.setReason("")
		return true
	}
	return false
}

// overResourceThreshold checks Config.MemoryThreshold/CPUThreshold against
// s.sampler, independent of the load-ratio hysteresis latch: a worker can
// be well under max_concurrency and still need to shed load because the
// host itself is under memory or CPU pressure. A sampling error is treated
// as "not over" rather than failing claims on a transient gopsutil error.
func (s *State) overResourceThreshold() (string, bool) {
	if s.sampler == nil {
		return "", false
	}
	if s.config.MemoryThreshold != nil {
		used, err := s.sampler.MemoryUsedBytes()
		if err == nil && used >= *s.config.MemoryThreshold {
			return fmt.Sprintf("memory usage %d bytes exceeds threshold %d bytes", used, *s.config.MemoryThreshold), true
		}
	}
	if s.config.CPUThreshold != nil {
		pct, err := s.sampler.CPUPercent()
		if err == nil && pct >= *s.config.CPUThreshold {
			return fmt.Sprintf("cpu usage %.1f%% exceeds threshold %.1f%%", pct*100, *s.config.CPUThreshold*100), true
		}
	}
	return "", false
}

func (s *State) setReason(reason string) {
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
}

// CurrentLoad returns the number of tasks currently in flight.
func (s *State) CurrentLoad() int { return int(s.currentLoad.Load()) }

// MaxConcurrency returns the worker's configured slot count.
func (s *State) MaxConcurrency() int { return int(s.maxConcurrency) }

// IsAccepting reports the latch's current position without recomputing it
// from load — use ShouldAccept to evaluate and latch in one step.
func (s *State) IsAccepting() bool { return s.accepting.Load() }

// BackpressureReason returns the human-readable reason acceptance is
// currently paused, or "" if accepting.
func (s *State) BackpressureReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// TaskStarted records that one more task is in flight.
func (s *State) TaskStarted() { s.currentLoad.Add(1) }

// TaskCompleted records that one in-flight task finished.
func (s *State) TaskCompleted() { s.currentLoad.Add(-1) }

// AvailableSlots returns how many more tasks the worker could claim right
// now, ignoring the accept/reject latch.
func (s *State) AvailableSlots() int {
	remaining := s.maxConcurrency - s.currentLoad.Load()
	if remaining < 0 {
		return 0
	}
	return int(remaining)
}

// Pause forces the latch into the rejecting position regardless of load,
// e.g. for an operator-initiated drain.
func (s *State) Pause(reason string) {
	s.accepting.Store(false)
	s.setReason(reason)
}

// Resume clears a Pause, but only takes effect if load has actually fallen
// to or below the low watermark — it does not override the hysteresis
// latch while the worker is still genuinely overloaded.
func (s *State) Resume() {
	if _, over := s.overResourceThreshold(); over {
		return
	}
	if s.LoadRatio() <= s.config.LowWatermark {
		s.accepting.Store(true)
		s.setReason("")
	}
}
