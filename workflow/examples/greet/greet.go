// Package greet implements a minimal two-step workflow — schedule one
// activity, complete once it reports back — used by cmd/durable-demo and
// cmd/durable-admin as a runnable, registrable example of the engine's
// public surface.
package greet

import (
	"context"
	"encoding/json"

	"github.com/everruns/durable/workflow"
)

// WorkflowType is the registered name this package's workflow runs under.
const WorkflowType = "durable_demo_greet"

// ActivityType is the registered name of the activity this workflow
// schedules.
const ActivityType = "durable_demo_format_greeting"

// Input is the workflow's JSON-deserializable start input.
type Input struct {
	Name string `json:"name"`
}

// Output is the workflow's JSON-serializable result.
type Output struct {
	Greeting string `json:"greeting"`
}

type activityInput struct {
	Name string `json:"name"`
}

type activityOutput struct {
	Greeting string `json:"greeting"`
}

// Workflow schedules ActivityType on start and completes with its result.
type Workflow struct {
	input     Input
	completed bool
	result    Output
	err       error
}

// New constructs a Workflow from its typed input — the NewFunc Register
// requires.
func New(input Input) *Workflow { return &Workflow{input: input} }

// Type implements workflow.Workflow.
func (w *Workflow) Type() string { return WorkflowType }

// OnStart implements workflow.Workflow.
func (w *Workflow) OnStart() []workflow.Action {
	input, _ := json.Marshal(activityInput{Name: w.input.Name})
	return []workflow.Action{
		workflow.NewScheduleActivity("format-greeting", ActivityType, input, workflow.ActivityOptions{MaxAttempts: 3}),
	}
}

// OnActivityCompleted implements workflow.Workflow.
func (w *Workflow) OnActivityCompleted(activityID string, result json.RawMessage) []workflow.Action {
	var out activityOutput
	_ = json.Unmarshal(result, &out)
	w.completed = true
	w.result = Output{Greeting: out.Greeting}
	payload, _ := json.Marshal(w.result)
	return []workflow.Action{workflow.NewComplete(payload)}
}

// OnActivityFailed implements workflow.Workflow.
func (w *Workflow) OnActivityFailed(activityID string, err *workflow.ActivityError) []workflow.Action {
	w.err = err
	return []workflow.Action{workflow.NewFail(err.Message)}
}

// OnTimerFired implements workflow.Workflow. This workflow schedules no
// timers.
func (w *Workflow) OnTimerFired(timerID string) []workflow.Action { return nil }

// OnSignal implements workflow.Workflow. This workflow awaits no signals.
func (w *Workflow) OnSignal(sig *workflow.Signal) []workflow.Action { return nil }

// IsCompleted implements workflow.Workflow.
func (w *Workflow) IsCompleted() bool { return w.completed || w.err != nil }

// Result implements workflow.Workflow.
func (w *Workflow) Result() (Output, bool) { return w.result, w.completed }

// Err implements workflow.Workflow.
func (w *Workflow) Err() error { return w.err }

// RegisterWorkflow registers this package's workflow type on r.
func RegisterWorkflow(r *workflow.Registry) {
	workflow.Register[Input, Output](r, WorkflowType, New)
}

// Activity implements the durable_demo_format_greeting activity: it builds
// a greeting string from the requested name. It never fails, so
// MaxAttempts above is never exercised in the happy path — only if the
// worker pool itself drops the task.
func Activity() workflow.ActivityFunc {
	return func(_ context.Context, _ *workflow.TaskContext, input json.RawMessage) (json.RawMessage, error) {
		var in activityInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		name := in.Name
		if name == "" {
			name = "there"
		}
		out := activityOutput{Greeting: "Hello, " + name + "!"}
		return json.Marshal(out)
	}
}
