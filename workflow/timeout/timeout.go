// Package timeout enforces the three timeout classes a task is subject to:
// schedule-to-start, start-to-close, and heartbeat.
package timeout

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

// Config controls timeout enforcement for activities of one type.
type Config struct {
	// ScheduleToStart is the maximum time from enqueue to first claim.
	ScheduleToStart time.Duration
	// StartToClose is the maximum time from claim to completion.
	StartToClose time.Duration
	// Heartbeat is the maximum time between heartbeats. Nil disables the
	// heartbeat timeout.
	Heartbeat *time.Duration
}

// DefaultConfig returns the engine's default timeout configuration: 60s to
// start, 300s to complete, no heartbeat requirement.
func DefaultConfig() Config {
	return Config{
		ScheduleToStart: 60 * time.Second,
		StartToClose:    300 * time.Second,
	}
}

// WithHeartbeat returns a copy of c with a heartbeat timeout configured.
func (c Config) WithHeartbeat(d time.Duration) Config {
	c.Heartbeat = &d
	return c
}

// TaskTiming describes the observed timestamps for one task's lifecycle,
// used to evaluate timeout conditions.
type TaskTiming struct {
	TaskID          uuid.UUID
	ScheduledAt     time.Time
	StartedAt       *time.Time
	LastHeartbeatAt *time.Time
	Config          Config
}

// Manager checks tasks for timeout violations and fails them through the
// store when one is found.
type Manager struct {
	store store.Store
	now   func() time.Time
}

// New constructs a Manager backed by the given store.
func New(s store.Store) *Manager {
	return &Manager{store: s, now: time.Now}
}

// CheckScheduleToStart reports a schedule-to-start timeout if the task has
// not yet started and has exceeded its limit. Returns nil if the task has
// already started.
func (m *Manager) CheckScheduleToStart(scheduledAt time.Time, startedAt *time.Time, cfg Config) *werrors.Timeout {
	if startedAt != nil {
		return nil
	}
	elapsed := m.now().Sub(scheduledAt)
	if elapsed > cfg.ScheduleToStart {
		return &werrors.Timeout{Which: werrors.TimeoutScheduleToStart, Elapsed: elapsed.String(), Limit: cfg.ScheduleToStart.String()}
	}
	return nil
}

// CheckStartToClose reports a start-to-close timeout. Returns nil if the
// task has not started yet.
func (m *Manager) CheckStartToClose(startedAt *time.Time, cfg Config) *werrors.Timeout {
	if startedAt == nil {
		return nil
	}
	elapsed := m.now().Sub(*startedAt)
	if elapsed > cfg.StartToClose {
		return &werrors.Timeout{Which: werrors.TimeoutStartToClose, Elapsed: elapsed.String(), Limit: cfg.StartToClose.String()}
	}
	return nil
}

// CheckHeartbeat reports a heartbeat timeout. Returns nil if no heartbeat
// timeout is configured or the task has not started.
func (m *Manager) CheckHeartbeat(startedAt, lastHeartbeatAt *time.Time, cfg Config) *werrors.Timeout {
	if cfg.Heartbeat == nil || startedAt == nil {
		return nil
	}
	lastBeat := startedAt
	if lastHeartbeatAt != nil {
		lastBeat = lastHeartbeatAt
	}
	elapsed := m.now().Sub(*lastBeat)
	if elapsed > *cfg.Heartbeat {
		return &werrors.Timeout{Which: werrors.TimeoutHeartbeat, Elapsed: elapsed.String(), Limit: cfg.Heartbeat.String()}
	}
	return nil
}

// CheckTaskTiming runs all three checks in priority order — schedule-to-start,
// then heartbeat, then start-to-close — matching the original's ordering, and
// returns the first violation found, if any.
func (m *Manager) CheckTaskTiming(t TaskTiming) *werrors.Timeout {
	if err := m.CheckScheduleToStart(t.ScheduledAt, t.StartedAt, t.Config); err != nil {
		return err
	}
	if err := m.CheckHeartbeat(t.StartedAt, t.LastHeartbeatAt, t.Config); err != nil {
		return err
	}
	if err := m.CheckStartToClose(t.StartedAt, t.Config); err != nil {
		return err
	}
	return nil
}

// HandleTimeout fails the task through the store with a message describing
// which timeout fired. The store's fail_task path applies the normal retry
// policy to the resulting failure.
func (m *Manager) HandleTimeout(ctx context.Context, taskID uuid.UUID, which werrors.TimeoutKind) error {
	var msg string
	switch which {
	case werrors.TimeoutScheduleToStart:
		msg = "task timed out waiting to start"
	case werrors.TimeoutStartToClose:
		msg = "task execution timed out"
	case werrors.TimeoutHeartbeat:
		msg = "task heartbeat timed out"
	default:
		msg = "task timed out"
	}
	_, err := m.store.FailTask(ctx, taskID, msg, string(which))
	return err
}

// RemainingTime returns how much time is left before timeout elapses,
// measured from startedAt. A nil return means the timeout has already
// elapsed.
func (m *Manager) RemainingTime(startedAt time.Time, d time.Duration) *time.Duration {
	elapsed := m.now().Sub(startedAt)
	remaining := d - elapsed
	if remaining <= 0 {
		return nil
	}
	return &remaining
}
