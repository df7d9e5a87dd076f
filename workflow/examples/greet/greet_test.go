package greet_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/examples/greet"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/store/memstore"
	"github.com/everruns/durable/workflow/worker"
)

func TestGreetWorkflowRunsEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	r := workflow.NewRegistry()
	greet.RegisterWorkflow(r)
	ex := executor.New(r, s, nil)

	pool := worker.New(worker.DefaultConfig("test-worker", []string{greet.ActivityType}), s, ex, nil, nil)
	pool.RegisterActivity(greet.ActivityType, greet.Activity())
	require.NoError(t, pool.Start(ctx))
	defer func() { require.NoError(t, pool.Stop(ctx)) }()

	workflowID := uuid.New()
	input, _ := json.Marshal(greet.Input{Name: "Ada"})
	require.NoError(t, s.CreateWorkflow(ctx, workflowID, greet.WorkflowType, input, nil))
	require.NoError(t, ex.Start(ctx, workflowID, greet.WorkflowType, input))

	status := pollUntilTerminal(t, ctx, s, workflowID)
	require.Equal(t, store.WorkflowCompleted, status)

	info, err := s.GetWorkflowInfo(ctx, workflowID)
	require.NoError(t, err)
	var out greet.Output
	require.NoError(t, json.Unmarshal(info.Result, &out))
	require.Equal(t, "Hello, Ada!", out.Greeting)
}

func TestRegisterWorkflowIsIntrospectable(t *testing.T) {
	r := workflow.NewRegistry()
	require.False(t, r.Contains(greet.WorkflowType))
	greet.RegisterWorkflow(r)
	require.True(t, r.Contains(greet.WorkflowType))
	require.Equal(t, 1, r.Len())
	require.Equal(t, []string{greet.WorkflowType}, r.Types())
}

func pollUntilTerminal(t *testing.T, ctx context.Context, s store.Store, workflowID uuid.UUID) store.WorkflowStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := s.GetWorkflowStatus(ctx, workflowID)
		require.NoError(t, err)
		switch status {
		case store.WorkflowCompleted, store.WorkflowFailed, store.WorkflowCancelled:
			return status
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("workflow did not reach a terminal status")
	return store.WorkflowPending
}
