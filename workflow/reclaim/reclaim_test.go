package reclaim_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/reclaim"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/store/memstore"
)

type sleeperInput struct{}

type sleeperOutput struct {
	Woke     bool   `json:"woke"`
	Signaled string `json:"signaled"`
}

// sleeperWorkflow schedules a timer on start and, once fired, waits for a
// signal before completing — exercising both dispatch paths in one handler.
type sleeperWorkflow struct {
	timerFired bool
	completed  bool
	result     sleeperOutput
}

func newSleeperWorkflow(sleeperInput) *sleeperWorkflow { return &sleeperWorkflow{} }

func (w *sleeperWorkflow) Type() string { return "sleeper" }

func (w *sleeperWorkflow) OnStart() []workflow.Action {
	return []workflow.Action{workflow.ScheduleTimer{TimerID: "nap", FireAt: time.Now().Add(-time.Millisecond)}}
}

func (w *sleeperWorkflow) OnActivityCompleted(string, json.RawMessage) []workflow.Action { return nil }
func (w *sleeperWorkflow) OnActivityFailed(string, *workflow.ActivityError) []workflow.Action {
	return nil
}

func (w *sleeperWorkflow) OnTimerFired(timerID string) []workflow.Action {
	w.timerFired = true
	return nil
}

func (w *sleeperWorkflow) OnSignal(sig *workflow.Signal) []workflow.Action {
	if !w.timerFired {
		return nil
	}
	w.completed = true
	w.result = sleeperOutput{Woke: true, Signaled: sig.Name}
	payload, _ := json.Marshal(w.result)
	return []workflow.Action{workflow.NewComplete(payload)}
}

func (w *sleeperWorkflow) IsCompleted() bool { return w.completed }

func (w *sleeperWorkflow) Result() (sleeperOutput, bool) { return w.result, w.completed }

func (w *sleeperWorkflow) Err() error { return nil }

func newRegistry() *workflow.Registry {
	r := workflow.NewRegistry()
	workflow.Register[sleeperInput, sleeperOutput](r, "sleeper", newSleeperWorkflow)
	return r
}

func TestLoopFiresDueTimers(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	ex := executor.New(newRegistry(), s, nil)
	loop := reclaim.New(s, ex, reclaim.Config{Interval: time.Hour, StaleThreshold: time.Minute}, nil)

	workflowID := uuid.New()
	input, _ := json.Marshal(sleeperInput{})
	require.NoError(t, s.CreateWorkflow(ctx, workflowID, "sleeper", input, nil))
	require.NoError(t, ex.Start(ctx, workflowID, "sleeper", input))

	due, err := s.ListDueTimers(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	loop.RunOnce(ctx)

	due, err = s.ListDueTimers(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, due)

	events, err := s.LoadEvents(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, workflow.EventTimerFired, events[len(events)-1].Kind)
}

func TestLoopDeliversPendingSignals(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	ex := executor.New(newRegistry(), s, nil)
	loop := reclaim.New(s, ex, reclaim.Config{Interval: time.Hour, StaleThreshold: time.Minute}, nil)

	workflowID := uuid.New()
	input, _ := json.Marshal(sleeperInput{})
	require.NoError(t, s.CreateWorkflow(ctx, workflowID, "sleeper", input, nil))
	require.NoError(t, ex.Start(ctx, workflowID, "sleeper", input))

	loop.RunOnce(ctx) // fire the nap timer first, matching the handler's sequencing

	require.NoError(t, s.SendSignal(ctx, workflowID, workflow.Signal{Name: "go", ReceivedAt: time.Now()}))

	loop.RunOnce(ctx)

	status, err := s.GetWorkflowStatus(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowCompleted, status)

	pending, err := s.GetPendingSignals(ctx, workflowID)
	require.NoError(t, err)
	require.Empty(t, pending)
}
