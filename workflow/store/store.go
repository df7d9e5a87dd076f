package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow"
)

// Store is the persistence port every engine component depends on. All
// methods are safe for concurrent use by multiple goroutines and, for
// relational implementations, multiple processes.
//
// AppendEvents and any EnqueueTask calls for the same executor step must
// commit or fail together — see SPEC_FULL.md §6.6.
type Store interface {
	// Workflow operations.

	CreateWorkflow(ctx context.Context, workflowID uuid.UUID, workflowType string, input []byte, trace *TraceContext) error
	GetWorkflowStatus(ctx context.Context, workflowID uuid.UUID) (WorkflowStatus, error)
	GetWorkflowInfo(ctx context.Context, workflowID uuid.UUID) (WorkflowInfo, error)

	// AppendEvents appends events at expectedSequence, returning the new
	// sequence number. Fails with a *werrors.ConcurrencyConflict if
	// expectedSequence does not match the workflow's current sequence.
	AppendEvents(ctx context.Context, workflowID uuid.UUID, expectedSequence int, events []workflow.Event) (newSequence int, err error)
	LoadEvents(ctx context.Context, workflowID uuid.UUID) ([]workflow.Event, error)
	UpdateWorkflowStatus(ctx context.Context, workflowID uuid.UUID, status WorkflowStatus, result []byte, errMsg string) error

	// Task queue operations.

	EnqueueTask(ctx context.Context, task TaskDefinition) (uuid.UUID, error)
	ClaimTask(ctx context.Context, workerID string, activityTypes []string, maxTasks int) ([]ClaimedTask, error)
	HeartbeatTask(ctx context.Context, taskID uuid.UUID, workerID string, details []byte) (HeartbeatResponse, error)
	CompleteTask(ctx context.Context, taskID uuid.UUID, result []byte) error
	// FailTask consults the task's retry policy using errKind against its
	// ActivityOptions.NonRetryableErrors: a non-retryable kind moves the
	// task straight to the DLQ regardless of remaining attempts.
	FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, errKind string) (TaskFailureOutcome, error)
	ReclaimStaleTasks(ctx context.Context, staleThreshold time.Duration) ([]uuid.UUID, error)

	// CancelWorkflowTasks marks every Pending task of workflowID Cancelled
	// immediately, and flags every Claimed task for cancellation: the next
	// heartbeat from its owning worker reports ShouldCancel, and that
	// worker's subsequent FailTask call finalizes the task as Cancelled
	// rather than retrying or dead-lettering it.
	CancelWorkflowTasks(ctx context.Context, workflowID uuid.UUID) error

	// Timer operations.

	// ListDueTimers returns every scheduled-but-not-fired timer, across
	// every running workflow, whose fire_at is at or before before.
	ListDueTimers(ctx context.Context, before time.Time) ([]TimerDue, error)

	// Signal operations.

	SendSignal(ctx context.Context, workflowID uuid.UUID, sig workflow.Signal) error
	GetPendingSignals(ctx context.Context, workflowID uuid.UUID) ([]workflow.Signal, error)
	MarkSignalsProcessed(ctx context.Context, workflowID uuid.UUID, count int) error
	// ListPendingSignalWorkflows returns the ID of every running workflow
	// with at least one undelivered signal queued.
	ListPendingSignalWorkflows(ctx context.Context) ([]uuid.UUID, error)

	// Worker registry operations.

	RegisterWorker(ctx context.Context, w WorkerInfo) error
	WorkerHeartbeat(ctx context.Context, workerID string, currentLoad int, acceptingTasks bool) error
	ListWorkers(ctx context.Context, filter WorkerFilter) ([]WorkerInfo, error)
	DeregisterWorker(ctx context.Context, workerID string) error

	// Dead letter queue operations.

	MoveToDLQ(ctx context.Context, taskID uuid.UUID, errorHistory []string) error
	RequeueFromDLQ(ctx context.Context, dlqID uuid.UUID) (uuid.UUID, error)
	ListDLQ(ctx context.Context, filter DlqFilter, page Pagination) ([]DlqEntry, error)

	// Circuit breaker operations.

	CreateCircuitBreaker(ctx context.Context, key string, cfg CircuitBreakerConfig) error
	GetCircuitBreaker(ctx context.Context, key string) (*CircuitBreakerState, error)
	UpdateCircuitBreaker(ctx context.Context, key string, state CircuitState, failureCount, successCount uint32) error
}
