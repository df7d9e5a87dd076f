// Package executor implements the engine's replay/apply loop: the only
// code path allowed to call a workflow handler, and the only code path
// that appends events to a workflow's history.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/retry"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/telemetry"
	"github.com/everruns/durable/workflow/werrors"
)

// Trigger is the single new event driving one Advance call: the activity
// outcome, timer fire, or signal delivery that was not yet part of the
// workflow's persisted history.
type Trigger interface{ isTrigger() }

// ActivityCompletedTrigger delivers a successful activity result.
type ActivityCompletedTrigger struct {
	ActivityID string
	Result     json.RawMessage
}

func (ActivityCompletedTrigger) isTrigger() {}

// ActivityFailedTrigger delivers a terminal activity failure (retries
// already exhausted upstream — see worker.Pool).
type ActivityFailedTrigger struct {
	ActivityID string
	Err        *workflow.ActivityError
}

func (ActivityFailedTrigger) isTrigger() {}

// TimerFiredTrigger delivers a timer's firing.
type TimerFiredTrigger struct {
	TimerID string
}

func (TimerFiredTrigger) isTrigger() {}

// SignalTrigger delivers a pending signal.
type SignalTrigger struct {
	Signal workflow.Signal
}

func (SignalTrigger) isTrigger() {}

// Executor replays and advances workflows. It is the only component that
// invokes workflow.AnyWorkflow methods and the only component that calls
// Store.AppendEvents.
type Executor struct {
	registry  *workflow.Registry
	store     store.Store
	telemetry telemetry.Logger
	maxRetry  int
}

// New constructs an Executor bound to registry and s.
func New(registry *workflow.Registry, s store.Store, logger telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Executor{registry: registry, store: s, telemetry: logger, maxRetry: 20}
}

// Start runs a freshly created workflow's OnStart handler and persists the
// resulting WorkflowStarted event plus whatever actions it returns. It is
// the degenerate case of Advance with no prior history and no trigger.
func (e *Executor) Start(ctx context.Context, workflowID uuid.UUID, workflowType string, input json.RawMessage) error {
	for attempt := 0; attempt < e.maxRetry; attempt++ {
		err := e.attemptStart(ctx, workflowID, workflowType, input)
		if err == nil {
			return nil
		}
		var conflict *werrors.ConcurrencyConflict
		if !errors.As(err, &conflict) {
			return err
		}
	}
	return fmt.Errorf("executor: start exceeded retry budget for workflow %s", workflowID)
}

func (e *Executor) attemptStart(ctx context.Context, workflowID uuid.UUID, workflowType string, input json.RawMessage) error {
	wf, err := e.construct(workflowType, input)
	if err != nil {
		return err
	}

	actions, err := e.invoke(func() []workflow.Action { return wf.OnStart() })
	if err != nil {
		return e.failReplayInconsistency(ctx, workflowID, err)
	}

	startedEvent := workflow.Event{
		WorkflowID: workflowID.String(),
		Kind:       workflow.EventWorkflowStarted,
		Payload:    input,
		Timestamp:  nowUTC(),
	}
	events, tasks, terminal := e.actionsToEvents(workflowID, actions)
	allEvents := append([]workflow.Event{startedEvent}, events...)

	if _, err := e.store.AppendEvents(ctx, workflowID, 0, allEvents); err != nil {
		return err
	}
	for _, t := range tasks {
		if _, err := e.store.EnqueueTask(ctx, t); err != nil {
			return err
		}
	}
	return e.applyTerminal(ctx, workflowID, terminal, store.WorkflowRunning)
}

// Advance loads a workflow's full history, replays it to reconstruct
// in-memory state, delivers trigger as the new event, and atomically
// persists whatever actions the workflow handler returns. It retries on
// ConcurrencyConflict and never surfaces one to the caller.
func (e *Executor) Advance(ctx context.Context, workflowID uuid.UUID, trigger Trigger) error {
	for attempt := 0; attempt < e.maxRetry; attempt++ {
		err := e.attemptAdvance(ctx, workflowID, trigger)
		if err == nil {
			return nil
		}
		var conflict *werrors.ConcurrencyConflict
		if !errors.As(err, &conflict) {
			return err
		}
	}
	return fmt.Errorf("executor: advance exceeded retry budget for workflow %s", workflowID)
}

func (e *Executor) attemptAdvance(ctx context.Context, workflowID uuid.UUID, trigger Trigger) error {
	info, err := e.store.GetWorkflowInfo(ctx, workflowID)
	if err != nil {
		return err
	}

	history, err := e.store.LoadEvents(ctx, workflowID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return werrors.New(werrors.KindReplayInconsistency, "advance called before start for workflow "+workflowID.String())
	}

	wf, err := e.construct(info.WorkflowType, history[0].Payload)
	if err != nil {
		return err
	}
	currentSequence := history[len(history)-1].Sequence

	if err := e.replay(wf, history); err != nil {
		return e.failReplayInconsistency(ctx, workflowID, err)
	}

	triggerEvent, actions, err := e.deliver(wf, trigger)
	if err != nil {
		return e.failReplayInconsistency(ctx, workflowID, err)
	}

	events, tasks, terminal := e.actionsToEvents(workflowID, actions)
	allEvents := append([]workflow.Event{triggerEvent}, events...)

	if _, err := e.store.AppendEvents(ctx, workflowID, currentSequence, allEvents); err != nil {
		return err
	}
	for _, t := range tasks {
		if _, err := e.store.EnqueueTask(ctx, t); err != nil {
			return err
		}
	}
	return e.applyTerminal(ctx, workflowID, terminal, store.WorkflowRunning)
}

// Cancel appends a WorkflowCancelled event to workflowID's history, cancels
// its outstanding tasks, and marks it Cancelled. Unlike Advance, it never
// invokes the workflow handler: cancellation is an external act on the
// workflow's record, not a trigger the workflow itself reacts to.
func (e *Executor) Cancel(ctx context.Context, workflowID uuid.UUID) error {
	for attempt := 0; attempt < e.maxRetry; attempt++ {
		err := e.attemptCancel(ctx, workflowID)
		if err == nil {
			return nil
		}
		var conflict *werrors.ConcurrencyConflict
		if !errors.As(err, &conflict) {
			return err
		}
	}
	return fmt.Errorf("executor: cancel exceeded retry budget for workflow %s", workflowID)
}

func (e *Executor) attemptCancel(ctx context.Context, workflowID uuid.UUID) error {
	history, err := e.store.LoadEvents(ctx, workflowID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return werrors.New(werrors.KindReplayInconsistency, "cancel called before start for workflow "+workflowID.String())
	}
	currentSequence := history[len(history)-1].Sequence

	payload, err := json.Marshal(map[string]string{"reason": "cancelled by request"})
	if err != nil {
		return err
	}
	ev := workflow.Event{Kind: workflow.EventWorkflowCancelled, Payload: payload, Timestamp: nowUTC()}
	if _, err := e.store.AppendEvents(ctx, workflowID, currentSequence, []workflow.Event{ev}); err != nil {
		return err
	}
	if err := e.store.CancelWorkflowTasks(ctx, workflowID); err != nil {
		return err
	}
	return e.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowCancelled, nil, "")
}

func (e *Executor) construct(workflowType string, input json.RawMessage) (workflow.AnyWorkflow, error) {
	wf, err := e.registry.Create(workflowType, input)
	if err != nil {
		var regErr *workflow.RegistryError
		if errors.As(err, &regErr) && regErr.Unknown {
			return nil, werrors.Wrap(werrors.KindUnknownWorkflowType, err)
		}
		return nil, werrors.Wrap(werrors.KindInvalidWorkflowInput, err)
	}
	return wf, nil
}

// replay delivers every event after WorkflowStarted to the corresponding
// handler, discarding actions: those actions were already applied the
// first time this event was the trigger.
func (e *Executor) replay(wf workflow.AnyWorkflow, history []workflow.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during replay: %v", r)
		}
	}()
	_ = wf.OnStart() // reconstructs in-memory state for WorkflowStarted; actions discarded.
	for _, ev := range history[1:] {
		switch ev.Kind {
		case workflow.EventActivityCompleted:
			var payload activityCompletedPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return err
			}
			wf.OnActivityCompleted(payload.ActivityID, payload.Result)
		case workflow.EventActivityFailed:
			var payload activityFailedPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return err
			}
			wf.OnActivityFailed(payload.ActivityID, payload.toActivityError())
		case workflow.EventTimerFired:
			var payload timerFiredPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return err
			}
			wf.OnTimerFired(payload.TimerID)
		case workflow.EventSignalReceived:
			var sig workflow.Signal
			if err := json.Unmarshal(ev.Payload, &sig); err != nil {
				return err
			}
			wf.OnSignal(&sig)
		case workflow.EventActivityScheduled, workflow.EventTimerScheduled,
			workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed, workflow.EventWorkflowCancelled:
			// Bookkeeping events, not delivered to the handler.
		}
	}
	return nil
}

// deliver applies the single new trigger to wf, retaining its actions, and
// builds the Event record for that trigger.
func (e *Executor) deliver(wf workflow.AnyWorkflow, trigger Trigger) (ev workflow.Event, actions []workflow.Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying trigger: %v", r)
		}
	}()
	now := nowUTC()
	switch t := trigger.(type) {
	case ActivityCompletedTrigger:
		payload, mErr := json.Marshal(activityCompletedPayload{ActivityID: t.ActivityID, Result: t.Result})
		if mErr != nil {
			return ev, nil, mErr
		}
		actions = wf.OnActivityCompleted(t.ActivityID, t.Result)
		ev = workflow.Event{Kind: workflow.EventActivityCompleted, Payload: payload, Timestamp: now}
	case ActivityFailedTrigger:
		payload, mErr := json.Marshal(activityFailedPayload{
			ActivityID: t.ActivityID,
			Message:    t.Err.Message,
			Kind:       t.Err.Kind,
			Retryable:  t.Err.Retryable,
		})
		if mErr != nil {
			return ev, nil, mErr
		}
		actions = wf.OnActivityFailed(t.ActivityID, t.Err)
		ev = workflow.Event{Kind: workflow.EventActivityFailed, Payload: payload, Timestamp: now}
	case TimerFiredTrigger:
		payload, mErr := json.Marshal(timerFiredPayload{TimerID: t.TimerID})
		if mErr != nil {
			return ev, nil, mErr
		}
		actions = wf.OnTimerFired(t.TimerID)
		ev = workflow.Event{Kind: workflow.EventTimerFired, Payload: payload, Timestamp: now}
	case SignalTrigger:
		payload, mErr := json.Marshal(t.Signal)
		if mErr != nil {
			return ev, nil, mErr
		}
		actions = wf.OnSignal(&t.Signal)
		ev = workflow.Event{Kind: workflow.EventSignalReceived, Payload: payload, Timestamp: now}
	default:
		return ev, nil, fmt.Errorf("executor: unknown trigger type %T", trigger)
	}
	return ev, actions, nil
}

// actionsToEvents converts a workflow's returned actions into the events to
// append and tasks to enqueue, plus any terminal outcome.
func (e *Executor) actionsToEvents(workflowID uuid.UUID, actions []workflow.Action) (events []workflow.Event, tasks []store.TaskDefinition, terminal *terminalOutcome) {
	now := nowUTC()
	for _, a := range actions {
		switch action := a.(type) {
		case workflow.ScheduleActivity:
			payload, _ := json.Marshal(scheduleActivityPayload{
				ActivityID:   action.ActivityID,
				ActivityType: action.ActivityType,
				Input:        action.Input,
				Options:      action.Options,
			})
			events = append(events, workflow.Event{Kind: workflow.EventActivityScheduled, Payload: payload, Timestamp: now})
			tasks = append(tasks, store.TaskDefinition{
				WorkflowID:   workflowID,
				ActivityID:   action.ActivityID,
				ActivityType: action.ActivityType,
				Input:        action.Input,
				Options:      action.Options,
			})
		case workflow.ScheduleTimer:
			payload, _ := json.Marshal(scheduleTimerPayload{TimerID: action.TimerID, FireAt: action.FireAt})
			events = append(events, workflow.Event{Kind: workflow.EventTimerScheduled, Payload: payload, Timestamp: now})
		case workflow.CompleteWorkflow:
			events = append(events, workflow.Event{Kind: workflow.EventWorkflowCompleted, Payload: action.Result, Timestamp: now})
			terminal = &terminalOutcome{status: store.WorkflowCompleted, result: action.Result}
		case workflow.FailWorkflow:
			payload, _ := json.Marshal(map[string]string{"error": action.Error})
			events = append(events, workflow.Event{Kind: workflow.EventWorkflowFailed, Payload: payload, Timestamp: now})
			terminal = &terminalOutcome{status: store.WorkflowFailed, errMsg: action.Error}
		}
	}
	return events, tasks, terminal
}

type terminalOutcome struct {
	status store.WorkflowStatus
	result json.RawMessage
	errMsg string
}

func (e *Executor) applyTerminal(ctx context.Context, workflowID uuid.UUID, terminal *terminalOutcome, runningStatus store.WorkflowStatus) error {
	if terminal == nil {
		return e.store.UpdateWorkflowStatus(ctx, workflowID, runningStatus, nil, "")
	}
	return e.store.UpdateWorkflowStatus(ctx, workflowID, terminal.status, terminal.result, terminal.errMsg)
}

func (e *Executor) failReplayInconsistency(ctx context.Context, workflowID uuid.UUID, cause error) error {
	wrapped := werrors.Wrap(werrors.KindReplayInconsistency, cause)
	_ = e.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowFailed, nil, wrapped.Error())
	e.telemetry.Error(ctx, "workflow replay inconsistency", "workflow_id", workflowID.String(), "cause", cause.Error())
	return wrapped
}

func (e *Executor) invoke(fn func() []workflow.Action) (actions []workflow.Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during workflow handler: %v", r)
		}
	}()
	actions = fn()
	return actions, nil
}

func nowUTC() time.Time { return time.Now().UTC() }

type activityCompletedPayload struct {
	ActivityID string          `json:"activity_id"`
	Result     json.RawMessage `json:"result"`
}

type activityFailedPayload struct {
	ActivityID string `json:"activity_id"`
	Message    string `json:"message"`
	Kind       string `json:"kind"`
	Retryable  *bool  `json:"retryable,omitempty"`
}

func (p activityFailedPayload) toActivityError() *workflow.ActivityError {
	return &workflow.ActivityError{Message: p.Message, Kind: p.Kind, Retryable: p.Retryable}
}

type timerFiredPayload struct {
	TimerID string `json:"timer_id"`
}

type scheduleActivityPayload struct {
	ActivityID   string                   `json:"activity_id"`
	ActivityType string                   `json:"activity_type"`
	Input        json.RawMessage          `json:"input"`
	Options      workflow.ActivityOptions `json:"options"`
}

type scheduleTimerPayload struct {
	TimerID string    `json:"timer_id"`
	FireAt  time.Time `json:"fire_at"`
}

// retryPolicyFor converts a task's persisted options into a retry.Policy.
// It is unexported and has no caller; worker.Pool leaves the retry
// decision to Store.FailTask.
func retryPolicyFor(opts workflow.ActivityOptions) retry.Policy { return retry.FromActivityOptions(opts) }
