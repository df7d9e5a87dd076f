package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/store/memstore"
	"github.com/everruns/durable/workflow/worker"
)

type echoInput struct {
	Text string `json:"text"`
}

type echoOutput struct {
	Text string `json:"text"`
}

type echoWorkflow struct {
	input     echoInput
	completed bool
	result    echoOutput
	err       error
}

func newEchoWorkflow(input echoInput) *echoWorkflow { return &echoWorkflow{input: input} }

func (w *echoWorkflow) Type() string { return "echo" }

func (w *echoWorkflow) OnStart() []workflow.Action {
	payload, _ := json.Marshal(w.input)
	return []workflow.Action{
		workflow.NewScheduleActivity("echo-1", "echo", payload, workflow.ActivityOptions{MaxAttempts: 2}),
	}
}

func (w *echoWorkflow) OnActivityCompleted(activityID string, result json.RawMessage) []workflow.Action {
	var out echoOutput
	_ = json.Unmarshal(result, &out)
	w.completed = true
	w.result = out
	payload, _ := json.Marshal(out)
	return []workflow.Action{workflow.NewComplete(payload)}
}

func (w *echoWorkflow) OnActivityFailed(activityID string, err *workflow.ActivityError) []workflow.Action {
	w.err = err
	return []workflow.Action{workflow.NewFail(err.Message)}
}

func (w *echoWorkflow) OnTimerFired(timerID string) []workflow.Action  { return nil }
func (w *echoWorkflow) OnSignal(sig *workflow.Signal) []workflow.Action { return nil }
func (w *echoWorkflow) IsCompleted() bool                              { return w.completed || w.err != nil }
func (w *echoWorkflow) Result() (echoOutput, bool)                     { return w.result, w.completed }
func (w *echoWorkflow) Err() error                                     { return w.err }

func newEchoRegistry() *workflow.Registry {
	r := workflow.NewRegistry()
	workflow.Register[echoInput, echoOutput](r, "echo", newEchoWorkflow)
	return r
}

// echoActivity always succeeds, copying its input text straight through.
type echoActivity struct{}

func (echoActivity) Execute(ctx context.Context, tc *workflow.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in echoInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	return json.Marshal(echoOutput{Text: in.Text})
}

// failingActivity always fails, exercising the retry/exhaustion path.
type failingActivity struct{}

func (failingActivity) Execute(ctx context.Context, tc *workflow.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	return nil, &workflow.ActivityError{Message: "activity always fails", Kind: "boom", Retryable: boolPtr(true)}
}

func boolPtr(b bool) *bool { return &b }

func TestPoolClaimsExecutesAndCompletesWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := memstore.New()
	ex := executor.New(newEchoRegistry(), s, nil)

	cfg := worker.DefaultConfig("worker-1", []string{"echo"})
	cfg.Poller.MinInterval = 5 * time.Millisecond
	cfg.Poller.MaxInterval = 20 * time.Millisecond

	pool := worker.New(cfg, s, ex, nil, nil)
	pool.RegisterActivity("echo", echoActivity{})

	require.NoError(t, pool.Start(ctx))
	defer func() { _ = pool.Stop(context.Background()) }()

	workflowID := uuid.New()
	input, _ := json.Marshal(echoInput{Text: "hi"})
	require.NoError(t, s.CreateWorkflow(ctx, workflowID, "echo", input, nil))
	require.NoError(t, ex.Start(ctx, workflowID, "echo", input))

	require.Eventually(t, func() bool {
		status, err := s.GetWorkflowStatus(ctx, workflowID)
		return err == nil && status == store.WorkflowCompleted
	}, 2*time.Second, 10*time.Millisecond)

	info, err := s.GetWorkflowInfo(ctx, workflowID)
	require.NoError(t, err)
	var out echoOutput
	require.NoError(t, json.Unmarshal(info.Result, &out))
	require.Equal(t, "hi", out.Text)
}

func TestPoolFailsWorkflowAfterRetriesExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := memstore.New()
	ex := executor.New(newEchoRegistry(), s, nil)

	cfg := worker.DefaultConfig("worker-2", []string{"echo"})
	cfg.Poller.MinInterval = 5 * time.Millisecond
	cfg.Poller.MaxInterval = 20 * time.Millisecond

	pool := worker.New(cfg, s, ex, nil, nil)
	pool.RegisterActivity("echo", failingActivity{})

	require.NoError(t, pool.Start(ctx))
	defer func() { _ = pool.Stop(context.Background()) }()

	workflowID := uuid.New()
	input, _ := json.Marshal(echoInput{Text: "hi"})
	require.NoError(t, s.CreateWorkflow(ctx, workflowID, "echo", input, nil))
	require.NoError(t, ex.Start(ctx, workflowID, "echo", input))

	require.Eventually(t, func() bool {
		status, err := s.GetWorkflowStatus(ctx, workflowID)
		return err == nil && status == store.WorkflowFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolRegistersAndDeregistersWorker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := memstore.New()
	ex := executor.New(newEchoRegistry(), s, nil)
	cfg := worker.DefaultConfig("worker-3", []string{"echo"})
	pool := worker.New(cfg, s, ex, nil, nil)
	pool.RegisterActivity("echo", echoActivity{})

	require.NoError(t, pool.Start(ctx))

	workers, err := s.ListWorkers(ctx, store.WorkerFilter{})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "worker-3", workers[0].ID)

	require.NoError(t, pool.Stop(context.Background()))

	workers, err = s.ListWorkers(ctx, store.WorkerFilter{})
	require.NoError(t, err)
	require.Empty(t, workers)
}
