package executor_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/store/memstore"
)

// greetInput/greetOutput/greetWorkflow is a minimal two-step workflow used
// to exercise the executor's replay/apply loop: it schedules one activity
// on start and completes once that activity reports back.
type greetInput struct {
	Name string `json:"name"`
}

type greetOutput struct {
	Greeting string `json:"greeting"`
}

type greetWorkflow struct {
	input     greetInput
	completed bool
	result    greetOutput
	err       error
}

func newGreetWorkflow(input greetInput) *greetWorkflow { return &greetWorkflow{input: input} }

func (w *greetWorkflow) Type() string { return "greet" }

func (w *greetWorkflow) OnStart() []workflow.Action {
	input, _ := json.Marshal(map[string]string{"name": w.input.Name})
	return []workflow.Action{
		workflow.NewScheduleActivity("format-greeting", "format_greeting", input, workflow.ActivityOptions{MaxAttempts: 1}),
	}
}

func (w *greetWorkflow) OnActivityCompleted(activityID string, result json.RawMessage) []workflow.Action {
	var out greetOutput
	_ = json.Unmarshal(result, &out)
	w.completed = true
	w.result = out
	payload, _ := json.Marshal(out)
	return []workflow.Action{workflow.NewComplete(payload)}
}

func (w *greetWorkflow) OnActivityFailed(activityID string, err *workflow.ActivityError) []workflow.Action {
	w.err = err
	return []workflow.Action{workflow.NewFail(err.Message)}
}

func (w *greetWorkflow) OnTimerFired(timerID string) []workflow.Action { return nil }
func (w *greetWorkflow) OnSignal(sig *workflow.Signal) []workflow.Action { return nil }

func (w *greetWorkflow) IsCompleted() bool { return w.completed || w.err != nil }

func (w *greetWorkflow) Result() (greetOutput, bool) { return w.result, w.completed }

func (w *greetWorkflow) Err() error { return w.err }

func newRegistry() *workflow.Registry {
	r := workflow.NewRegistry()
	workflow.Register[greetInput, greetOutput](r, "greet", newGreetWorkflow)
	return r
}

func TestStartSchedulesActivityAndRecordsEvents(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	ex := executor.New(newRegistry(), s, nil)

	workflowID := uuid.New()
	input, _ := json.Marshal(greetInput{Name: "Ada"})
	require.NoError(t, s.CreateWorkflow(ctx, workflowID, "greet", input, nil))
	require.NoError(t, ex.Start(ctx, workflowID, "greet", input))

	status, err := s.GetWorkflowStatus(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowRunning, status)

	events, err := s.LoadEvents(ctx, workflowID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, workflow.EventWorkflowStarted, events[0].Kind)
	require.Equal(t, workflow.EventActivityScheduled, events[1].Kind)
}

func TestAdvanceCompletesWorkflowOnActivityCompleted(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	ex := executor.New(newRegistry(), s, nil)

	workflowID := uuid.New()
	input, _ := json.Marshal(greetInput{Name: "Ada"})
	require.NoError(t, s.CreateWorkflow(ctx, workflowID, "greet", input, nil))
	require.NoError(t, ex.Start(ctx, workflowID, "greet", input))

	result, _ := json.Marshal(greetOutput{Greeting: "hello, Ada"})
	trigger := executor.ActivityCompletedTrigger{ActivityID: "format-greeting", Result: result}
	require.NoError(t, ex.Advance(ctx, workflowID, trigger))

	status, err := s.GetWorkflowStatus(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowCompleted, status)

	info, err := s.GetWorkflowInfo(ctx, workflowID)
	require.NoError(t, err)
	var out greetOutput
	require.NoError(t, json.Unmarshal(info.Result, &out))
	require.Equal(t, "hello, Ada", out.Greeting)
}

func TestAdvanceFailsWorkflowOnActivityFailed(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	ex := executor.New(newRegistry(), s, nil)

	workflowID := uuid.New()
	input, _ := json.Marshal(greetInput{Name: "Ada"})
	require.NoError(t, s.CreateWorkflow(ctx, workflowID, "greet", input, nil))
	require.NoError(t, ex.Start(ctx, workflowID, "greet", input))

	trigger := executor.ActivityFailedTrigger{
		ActivityID: "format-greeting",
		Err:        &workflow.ActivityError{Message: "boom", Kind: "activity_failed"},
	}
	require.NoError(t, ex.Advance(ctx, workflowID, trigger))

	status, err := s.GetWorkflowStatus(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowFailed, status)
}
