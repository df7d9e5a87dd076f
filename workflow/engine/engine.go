// Package engine is the facade an embedding application drives: submitting
// new workflows, signalling and cancelling running ones, and inspecting
// workflow and dead-letter state. It is the only documented entry point
// external callers use — everything else in workflow/ is wiring behind it.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/telemetry"
)

// Engine wraps a Store and Executor pair behind the operations SPEC_FULL.md
// names as the embedding application's contract.
type Engine struct {
	store    store.Store
	executor *executor.Executor
	logger   telemetry.Logger
}

// New constructs an Engine bound to s and ex.
func New(s store.Store, ex *executor.Executor, logger telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{store: s, executor: ex, logger: logger}
}

// SubmitWorkflow creates a new workflow instance of workflowType and runs
// its OnStart handler, returning the generated workflow ID. trace may be
// nil when the caller has no distributed trace to propagate.
func (e *Engine) SubmitWorkflow(ctx context.Context, workflowType string, input json.RawMessage, trace *store.TraceContext) (uuid.UUID, error) {
	workflowID := uuid.New()
	if err := e.store.CreateWorkflow(ctx, workflowID, workflowType, input, trace); err != nil {
		return uuid.Nil, err
	}
	if err := e.executor.Start(ctx, workflowID, workflowType, input); err != nil {
		return uuid.Nil, err
	}
	e.logger.Info(ctx, "workflow submitted", "workflow_id", workflowID.String(), "workflow_type", workflowType)
	return workflowID, nil
}

// SignalWorkflow enqueues a signal for delivery to workflowID. Delivery
// itself happens asynchronously — a dispatcher polls the pending queue and
// delivers it as a SignalTrigger on the workflow's own goroutine-free
// replay path, so this call returns as soon as the signal is durably
// queued, not once the workflow has observed it.
func (e *Engine) SignalWorkflow(ctx context.Context, workflowID uuid.UUID, signalName string, payload json.RawMessage) error {
	sig := workflow.Signal{
		WorkflowID: workflowID.String(),
		Name:       signalName,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	return e.store.SendSignal(ctx, workflowID, sig)
}

// CancelWorkflow appends a WorkflowCancelled event to workflowID's history
// and cancels its outstanding tasks. See executor.Executor.Cancel.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	if err := e.executor.Cancel(ctx, workflowID); err != nil {
		return err
	}
	e.logger.Info(ctx, "workflow cancelled", "workflow_id", workflowID.String())
	return nil
}

// GetWorkflowInfo returns the full persisted record for workflowID.
func (e *Engine) GetWorkflowInfo(ctx context.Context, workflowID uuid.UUID) (store.WorkflowInfo, error) {
	return e.store.GetWorkflowInfo(ctx, workflowID)
}

// ListDLQ returns dead-lettered tasks matching filter, paginated by page.
func (e *Engine) ListDLQ(ctx context.Context, filter store.DlqFilter, page store.Pagination) ([]store.DlqEntry, error) {
	return e.store.ListDLQ(ctx, filter, page)
}

// RequeueFromDLQ moves a dead-lettered task back onto the queue as a fresh
// Pending task, returning its new task ID.
func (e *Engine) RequeueFromDLQ(ctx context.Context, dlqID uuid.UUID) (uuid.UUID, error) {
	return e.store.RequeueFromDLQ(ctx, dlqID)
}
