// Package temporal is an alternate binding of the engine facade onto real
// Temporal, alongside the default Store/Executor-backed engine.Engine. It
// is not a reimplementation of the event-sourced engine on Temporal's wire
// protocol: workflow history, retries, and timers are Temporal's own, and
// this package only translates between the workflow.Workflow[I,O] state
// machine contract and Temporal's deterministic workflow.Context model —
// see interpreter.go.
package temporal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/telemetry"
	"github.com/everruns/durable/workflow/werrors"
)

// signalEnvelope is the body every signal carries over the shared
// signalChannelName channel, since interpret listens on one channel for
// every signal name a workflow might receive rather than one channel per
// name (see interpreter.go).
type signalEnvelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Engine implements the same operation surface as engine.Engine
// (SubmitWorkflow/SignalWorkflow/CancelWorkflow/GetWorkflowInfo), backed by
// a Temporal client instead of a store.Store. RegisterWorkflow and
// Dispatcher.RegisterActivities, or RegisterAll (see worker.go), must be
// called against a worker.Worker before any workflow submitted here can
// make progress.
type Engine struct {
	client    client.Client
	taskQueue string
	logger    telemetry.Logger
}

// New constructs an Engine that starts workflow executions on taskQueue.
func New(c client.Client, taskQueue string, logger telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{client: c, taskQueue: taskQueue, logger: logger}
}

// SubmitWorkflow starts a new Temporal workflow execution of workflowType
// and returns the generated workflow ID. trace, if non-nil, is carried as
// a workflow memo so it survives Temporal's own retry/replay machinery
// without needing a dedicated search attribute.
func (e *Engine) SubmitWorkflow(ctx context.Context, workflowType string, input json.RawMessage, trace *store.TraceContext) (uuid.UUID, error) {
	workflowID := uuid.New()
	opts := client.StartWorkflowOptions{
		ID:        workflowID.String(),
		TaskQueue: e.taskQueue,
	}
	if trace != nil {
		opts.Memo = map[string]interface{}{"trace_id": trace.TraceID, "span_id": trace.SpanID}
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, workflowType, input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("temporal: start workflow: %w", err)
	}
	e.logger.Info(ctx, "workflow submitted", "workflow_id", run.GetID(), "run_id", run.GetRunID(), "workflow_type", workflowType)
	return workflowID, nil
}

// SignalWorkflow delivers a named signal to a running Temporal workflow
// execution. Every signal arrives on the same Temporal channel
// (signalChannelName) carrying {name, payload} as its body — our workflow
// handlers dispatch on an arbitrary signal name at runtime rather than a
// fixed set known ahead of registration, so interpret listens on one
// channel instead of one per signal name. Temporal itself durably queues
// the signal if the workflow has not yet reached the receive, mirroring
// the store-backed engine's own queue-until-delivered semantics.
func (e *Engine) SignalWorkflow(ctx context.Context, workflowID uuid.UUID, signalName string, payload json.RawMessage) error {
	envelope := signalEnvelope{Name: signalName, Payload: payload}
	if err := e.client.SignalWorkflow(ctx, workflowID.String(), "", signalChannelName, envelope); err != nil {
		return fmt.Errorf("temporal: signal workflow: %w", err)
	}
	return nil
}

// CancelWorkflow requests cancellation of a running Temporal workflow
// execution.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	if err := e.client.CancelWorkflow(ctx, workflowID.String(), ""); err != nil {
		return fmt.Errorf("temporal: cancel workflow: %w", err)
	}
	return nil
}

// GetWorkflowInfo describes a Temporal workflow execution's current status
// and, once terminal, its result or error. Unlike the store-backed
// engine, this blocks on neither: it reports whatever Temporal currently
// knows from DescribeWorkflowExecution.
func (e *Engine) GetWorkflowInfo(ctx context.Context, workflowID uuid.UUID) (store.WorkflowInfo, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID.String(), "")
	if err != nil {
		return store.WorkflowInfo{}, fmt.Errorf("temporal: describe workflow: %w", err)
	}
	info := store.WorkflowInfo{
		ID:     workflowID,
		Status: temporalStatusToStore(resp.WorkflowExecutionInfo.GetStatus()),
	}
	switch info.Status {
	case store.WorkflowCompleted:
		run := e.client.GetWorkflow(ctx, workflowID.String(), "")
		var result json.RawMessage
		if err := run.Get(ctx, &result); err == nil {
			info.Result = result
		}
	case store.WorkflowFailed, store.WorkflowCancelled:
		run := e.client.GetWorkflow(ctx, workflowID.String(), "")
		var ignored json.RawMessage
		if err := run.Get(ctx, &ignored); err != nil {
			kind := werrors.KindActivityFailed
			if info.Status == store.WorkflowCancelled {
				kind = werrors.KindCancelled
			}
			info.Err = werrors.New(kind, err.Error())
		}
	}
	return info, nil
}

func temporalStatusToStore(status enumspb.WorkflowExecutionStatus) store.WorkflowStatus {
	switch status {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return store.WorkflowRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return store.WorkflowCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return store.WorkflowFailed
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return store.WorkflowCancelled
	default:
		return store.WorkflowPending
	}
}
