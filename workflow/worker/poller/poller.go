// Package poller implements the worker pool's claim-loop pacing: a
// TaskPoller that backs off exponentially while the queue is empty and
// resets to its floor the moment a claim succeeds, plus an AdaptivePoller
// that smooths the interval from a rolling average of recent batch sizes
// instead of reacting to a single poll.
package poller

import (
	"context"
	"time"
)

// Config controls one worker's poll cadence.
type Config struct {
	// MinInterval is used immediately after a poll claims at least one task.
	MinInterval time.Duration
	// MaxInterval caps the backoff while idle.
	MaxInterval time.Duration
	// BackoffMultiplier scales the interval upward after an empty poll.
	BackoffMultiplier float64
	// BatchSize is the maximum number of tasks requested per poll.
	BatchSize int
}

// DefaultConfig matches the engine's defaults: 100ms floor, 5s ceiling,
// 1.5x backoff, batches of 10.
func DefaultConfig() Config {
	return Config{
		MinInterval:       100 * time.Millisecond,
		MaxInterval:       5 * time.Second,
		BackoffMultiplier: 1.5,
		BatchSize:         10,
	}
}

// WithMinInterval returns a copy of c with MinInterval set.
func (c Config) WithMinInterval(d time.Duration) Config { c.MinInterval = d; return c }

// WithMaxInterval returns a copy of c with MaxInterval set.
func (c Config) WithMaxInterval(d time.Duration) Config { c.MaxInterval = d; return c }

// WithBackoffMultiplier returns a copy of c with BackoffMultiplier clamped
// to be at least 1 (a multiplier below 1 would shrink the interval on an
// empty poll, the opposite of backoff).
func (c Config) WithBackoffMultiplier(m float64) Config {
	if m < 1 {
		m = 1
	}
	c.BackoffMultiplier = m
	return c
}

// WithBatchSize returns a copy of c with BatchSize clamped to be at least 1.
func (c Config) WithBatchSize(n int) Config {
	if n < 1 {
		n = 1
	}
	c.BatchSize = n
	return c
}

// ClaimFunc is the subset of store.Store a poller needs to pull work; worker
// pools pass a closure binding a worker's own ID and activity type filter.
type ClaimFunc func(ctx context.Context, maxTasks int) (claimed int, err error)

// TaskPoller drives the claim loop's wait interval: it resets to
// Config.MinInterval the moment a poll claims at least one task, and
// otherwise multiplies the interval by BackoffMultiplier up to
// Config.MaxInterval.
type TaskPoller struct {
	claim    ClaimFunc
	config   Config
	interval time.Duration
	shutdown <-chan struct{}
}

// New constructs a TaskPoller starting at Config.MinInterval. shutdown, if
// non-nil, lets Wait return early the moment it is closed.
func New(claim ClaimFunc, cfg Config, shutdown <-chan struct{}) *TaskPoller {
	return &TaskPoller{claim: claim, config: cfg, interval: cfg.MinInterval, shutdown: shutdown}
}

// Poll runs one claim attempt and updates the backoff state from its
// result. It returns early without claiming if shutdown has fired.
func (p *TaskPoller) Poll(ctx context.Context) (int, error) {
	if p.IsShutdown() {
		return 0, nil
	}
	batch := p.config.BatchSize
	claimed, err := p.claim(ctx, batch)
	if err != nil {
		return 0, err
	}
	if claimed == 0 {
		p.increaseBackoff()
	} else {
		p.resetBackoff()
	}
	return claimed, nil
}

// Wait blocks for the current interval, or until ctx is done or shutdown
// fires, whichever comes first. It returns true if shutdown fired or ctx
// is done, and false when the interval elapsed.
func (p *TaskPoller) Wait(ctx context.Context) bool {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-p.shutdown:
		return true
	case <-ctx.Done():
		return true
	}
}

// CurrentInterval returns the poller's present wait interval.
func (p *TaskPoller) CurrentInterval() time.Duration { return p.interval }

// IsShutdown reports whether the poller's shutdown channel has fired.
func (p *TaskPoller) IsShutdown() bool {
	if p.shutdown == nil {
		return false
	}
	select {
	case <-p.shutdown:
		return true
	default:
		return false
	}
}

func (p *TaskPoller) resetBackoff() { p.interval = p.config.MinInterval }

func (p *TaskPoller) increaseBackoff() {
	next := time.Duration(float64(p.interval) * p.config.BackoffMultiplier)
	if next > p.config.MaxInterval {
		next = p.config.MaxInterval
	}
	p.interval = next
}

// AdaptivePoller smooths the poll interval from a rolling window of recent
// batch sizes instead of the single-sample backoff TaskPoller uses: high
// average load polls at the floor, low average load polls at four times
// the floor (capped at the ceiling), and everything between is linearly
// interpolated (see OptimalInterval).
type AdaptivePoller struct {
	config     Config
	window     []int
	windowSize int
}

// NewAdaptive constructs an AdaptivePoller with a 10-sample rolling window.
func NewAdaptive(cfg Config) *AdaptivePoller {
	return &AdaptivePoller{config: cfg, windowSize: 10}
}

// RecordPoll appends tasksFound to the rolling window, evicting the oldest
// sample once the window is full.
func (a *AdaptivePoller) RecordPoll(tasksFound int) {
	if len(a.window) >= a.windowSize {
		a.window = a.window[1:]
	}
	a.window = append(a.window, tasksFound)
}

// OptimalInterval computes the next poll interval from the rolling
// average: above 80% of batch size polls at MinInterval, below 20% polls at
// min(MaxInterval, 4*MinInterval), and the middle band interpolates
// linearly between the two bounds.
func (a *AdaptivePoller) OptimalInterval() time.Duration {
	if len(a.window) == 0 {
		return a.config.MinInterval
	}
	avg := a.averageLocked()
	batch := float64(a.config.BatchSize)

	switch {
	case avg > 0.8*batch:
		return a.config.MinInterval
	case avg < 0.2*batch:
		capped := a.config.MinInterval * 4
		if capped > a.config.MaxInterval {
			return a.config.MaxInterval
		}
		return capped
	default:
		ratio := 1.0 - (avg / batch)
		rng := a.config.MaxInterval.Seconds() - a.config.MinInterval.Seconds()
		secs := a.config.MinInterval.Seconds() + ratio*rng*0.5
		return time.Duration(secs * float64(time.Second))
	}
}

// AverageTasksPerPoll returns the rolling window's mean batch size, or 0 if
// empty.
func (a *AdaptivePoller) AverageTasksPerPoll() float64 {
	if len(a.window) == 0 {
		return 0
	}
	return a.averageLocked()
}

func (a *AdaptivePoller) averageLocked() float64 {
	sum := 0
	for _, v := range a.window {
		sum += v
	}
	return float64(sum) / float64(len(a.window))
}
