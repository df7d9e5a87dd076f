package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/engine"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/store/memstore"
)

type greetInput struct {
	Name string `json:"name"`
}

type greetOutput struct {
	Greeting string `json:"greeting"`
}

type greetWorkflow struct {
	input     greetInput
	completed bool
	cancelled bool
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

func (w *greetWorkflow) OnSignal(sig *workflow.Signal) []workflow.Action {
	w.completed = true
	payload, _ := json.Marshal(greetOutput{Greeting: "signalled: " + sig.Name})
	return []workflow.Action{workflow.NewComplete(payload)}
}

func (w *greetWorkflow) IsCompleted() bool { return w.completed || w.err != nil }

func (w *greetWorkflow) Result() (greetOutput, bool) { return w.result, w.completed }

func (w *greetWorkflow) Err() error { return w.err }

func newRegistry() *workflow.Registry {
	r := workflow.NewRegistry()
	workflow.Register[greetInput, greetOutput](r, "greet", newGreetWorkflow)
	return r
}

func newEngine(t *testing.T) (*engine.Engine, store.Store) {
	t.Helper()
	s := memstore.New()
	ex := executor.New(newRegistry(), s, nil)
	return engine.New(s, ex, nil), s
}

func TestSubmitWorkflowStartsIt(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)

	input, _ := json.Marshal(greetInput{Name: "Ada"})
	workflowID, err := e.SubmitWorkflow(ctx, "greet", input, nil)
	require.NoError(t, err)

	status, err := s.GetWorkflowStatus(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowRunning, status)
}

func TestSignalWorkflowQueuesSignalForDelivery(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)

	input, _ := json.Marshal(greetInput{Name: "Ada"})
	workflowID, err := e.SubmitWorkflow(ctx, "greet", input, nil)
	require.NoError(t, err)

	require.NoError(t, e.SignalWorkflow(ctx, workflowID, "proceed", json.RawMessage(`{}`)))

	pending, err := s.GetPendingSignals(ctx, workflowID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "proceed", pending[0].Name)
}

func TestCancelWorkflowAppendsCancelledEventAndCancelsTasks(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)

	input, _ := json.Marshal(greetInput{Name: "Ada"})
	workflowID, err := e.SubmitWorkflow(ctx, "greet", input, nil)
	require.NoError(t, err)

	require.NoError(t, e.CancelWorkflow(ctx, workflowID))

	status, err := s.GetWorkflowStatus(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowCancelled, status)

	events, err := s.LoadEvents(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, workflow.EventWorkflowCancelled, events[len(events)-1].Kind)
}

func TestGetWorkflowInfoReturnsPersistedRecord(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	input, _ := json.Marshal(greetInput{Name: "Ada"})
	workflowID, err := e.SubmitWorkflow(ctx, "greet", input, nil)
	require.NoError(t, err)

	info, err := e.GetWorkflowInfo(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, "greet", info.WorkflowType)
	require.Equal(t, store.WorkflowRunning, info.Status)
}

func TestListDLQAndRequeueFromDLQ(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)

	input, _ := json.Marshal(greetInput{Name: "Ada"})
	workflowID, err := e.SubmitWorkflow(ctx, "greet", input, nil)
	require.NoError(t, err)

	tasks, err := s.ClaimTask(ctx, "worker-1", []string{"format_greeting"}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	outcome, err := s.FailTask(ctx, tasks[0].ID, "boom", "permanent")
	require.NoError(t, err)
	require.IsType(t, store.MovedToDlq{}, outcome)

	entries, err := e.ListDLQ(ctx, store.DlqFilter{WorkflowID: &workflowID}, store.DefaultPagination())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	newTaskID, err := e.RequeueFromDLQ(ctx, entries[0].ID)
	require.NoError(t, err)
	require.NotEqual(t, tasks[0].ID, newTaskID)
}
