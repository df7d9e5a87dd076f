package workflow

import (
	"encoding/json"
	"time"
)

// Action is one effect a workflow handler requests in response to an event.
// The executor applies the returned actions atomically against the store —
// see workflow/executor.
type Action interface {
	isAction()
}

// ScheduleActivity enqueues a task. ActivityID must be stable across
// replays of the same workflow; the executor matches re-emitted
// ScheduleActivity actions to the already-persisted task by ActivityID
// instead of creating a duplicate.
type ScheduleActivity struct {
	ActivityID   string
	ActivityType string
	Input        json.RawMessage
	Options      ActivityOptions
}

func (ScheduleActivity) isAction() {}

// ScheduleTimer requests a future TimerFired event. TimerID plays the same
// replay-correlation role as ScheduleActivity's ActivityID.
type ScheduleTimer struct {
	TimerID string
	FireAt  time.Time
}

func (ScheduleTimer) isAction() {}

// CompleteWorkflow is a terminal action: the workflow finished successfully
// with Result.
type CompleteWorkflow struct {
	Result json.RawMessage
}

func (CompleteWorkflow) isAction() {}

// FailWorkflow is a terminal action: the workflow finished with an error.
type FailWorkflow struct {
	Error string
}

func (FailWorkflow) isAction() {}

// NewScheduleActivity is a convenience constructor mirroring the original's
// WorkflowAction::schedule_activity helper.
func NewScheduleActivity(activityID, activityType string, input json.RawMessage, opts ActivityOptions) Action {
	return ScheduleActivity{ActivityID: activityID, ActivityType: activityType, Input: input, Options: opts}
}

// NewComplete is a convenience constructor for CompleteWorkflow.
func NewComplete(result json.RawMessage) Action {
	return CompleteWorkflow{Result: result}
}

// NewFail is a convenience constructor for FailWorkflow.
func NewFail(message string) Action {
	return FailWorkflow{Error: message}
}
