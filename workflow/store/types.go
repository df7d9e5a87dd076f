// Package store defines the persistence port the engine executor, worker
// pool, reclaimer, and circuit breaker all depend on, plus the data types
// that cross that boundary. Concrete implementations live in sibling
// packages: memstore (in-memory), pgstore (PostgreSQL), mongostore
// (MongoDB).
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/werrors"
)

// WorkflowStatus is the lifecycle state of a workflow instance. Transitions
// are monotonic: Pending -> Running -> {Completed | Failed | Cancelled}.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// TaskStatus is the lifecycle state of one queued activity execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskDead      TaskStatus = "dead"
	TaskCancelled TaskStatus = "cancelled"
)

// TraceContext carries distributed tracing identifiers alongside a
// workflow, so activities can continue the caller's trace.
type TraceContext struct {
	TraceID    string `json:"trace_id"`
	SpanID     string `json:"span_id"`
	TraceFlags uint8  `json:"trace_flags"`
}

// WorkflowInfo is the full persisted record for one workflow instance.
type WorkflowInfo struct {
	ID           uuid.UUID
	WorkflowType string
	Status       WorkflowStatus
	Input        json.RawMessage
	Result       json.RawMessage
	Err          *werrors.Error
}

// TaskDefinition describes a task to be enqueued, as produced by the
// executor applying a ScheduleActivity action.
type TaskDefinition struct {
	WorkflowID   uuid.UUID
	ActivityID   string
	ActivityType string
	Input        json.RawMessage
	Options      workflow.ActivityOptions
}

// ClaimedTask is a task handed to a worker by ClaimTask.
type ClaimedTask struct {
	ID           uuid.UUID
	WorkflowID   uuid.UUID
	ActivityID   string
	ActivityType string
	Input        json.RawMessage
	Options      workflow.ActivityOptions
	Attempt      uint32
	MaxAttempts  uint32
	ScheduledAt  time.Time
	StartedAt    *time.Time
}

// HeartbeatResponse is returned by HeartbeatTask.
type HeartbeatResponse struct {
	Accepted     bool
	ShouldCancel bool
}

// TaskFailureOutcome is the sum type FailTask resolves to.
type TaskFailureOutcome interface{ isTaskFailureOutcome() }

// WillRetry means the task will run again after Delay, with NextAttempt as
// its new attempt counter.
type WillRetry struct {
	NextAttempt uint32
	Delay       time.Duration
}

func (WillRetry) isTaskFailureOutcome() {}

// MovedToDlq means retries are exhausted and the task moved to the DLQ.
type MovedToDlq struct{}

func (MovedToDlq) isTaskFailureOutcome() {}

// ExhaustedRetries means the task will not run again and no DLQ entry was
// written. The bundled stores return it when FailTask finalizes a task
// flagged by CancelWorkflowTasks as Cancelled.
type ExhaustedRetries struct{}

func (ExhaustedRetries) isTaskFailureOutcome() {}

// TimerDue is one scheduled-but-not-yet-fired timer returned by
// ListDueTimers.
type TimerDue struct {
	WorkflowID uuid.UUID
	TimerID    string
	FireAt     time.Time
}

// WorkerFilter narrows ListWorkers results.
type WorkerFilter struct {
	Status      *string
	WorkerGroup *string
}

// ActiveWorkers is a convenience constructor matching the original's
// WorkerFilter::active().
func ActiveWorkers() WorkerFilter {
	status := "active"
	return WorkerFilter{Status: &status}
}

// WorkerInfo describes one registered worker's fleet-visibility state.
type WorkerInfo struct {
	ID              string
	WorkerGroup     string
	ActivityTypes   []string
	MaxConcurrency  uint32
	CurrentLoad     uint32
	Status          string
	AcceptingTasks  bool
	StartedAt       time.Time
	LastHeartbeatAt time.Time
}

// DlqFilter narrows ListDLQ results.
type DlqFilter struct {
	WorkflowID   *uuid.UUID
	ActivityType *string
}

// Pagination bounds a ListDLQ query.
type Pagination struct {
	Offset uint32
	Limit  uint32
}

// DefaultPagination matches the original's Pagination::default (offset 0,
// limit 100).
func DefaultPagination() Pagination { return Pagination{Offset: 0, Limit: 100} }

// DlqEntry is a dead-lettered task.
type DlqEntry struct {
	ID             uuid.UUID
	OriginalTaskID uuid.UUID
	WorkflowID     uuid.UUID
	ActivityID     string
	ActivityType   string
	Input          json.RawMessage
	Attempts       uint32
	LastError      string
	ErrorHistory   []string
	DeadAt         time.Time
}

// CircuitState is the three-state circuit breaker state machine's current
// phase. Defined here (rather than in the breaker package) so Store can
// expose it without the breaker package needing to depend on Store for its
// own state type — breaker depends on store, not the reverse.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig configures one circuit breaker key.
type CircuitBreakerConfig struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	ResetTimeout     time.Duration
	CacheDuration    time.Duration
}

// DefaultCircuitBreakerConfig matches the engine defaults named in
// SPEC_FULL.md §6: 5 failures to open, 2 successes to close, 30s reset,
// 1s local cache.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		CacheDuration:    time.Second,
	}
}

// CircuitBreakerState is the persisted state for one circuit breaker key.
type CircuitBreakerState struct {
	Key           string
	State         CircuitState
	FailureCount  uint32
	SuccessCount  uint32
	LastFailureAt *time.Time
	OpenedAt      *time.Time
	HalfOpenAt    *time.Time
	UpdatedAt     time.Time
}
