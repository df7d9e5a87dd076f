package pgstore_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/store/pgstore"
)

var (
	testDSN           string
	testPGContainer   testcontainers.Container
	skipPostgresTests bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "durable",
				"POSTGRES_PASSWORD": "durable",
				"POSTGRES_DB":       "durable",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		}
		testPGContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, pgstore integration tests will be skipped: %v\n", containerErr)
		skipPostgresTests = true
	} else {
		host, err := testPGContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipPostgresTests = true
		} else {
			port, err := testPGContainer.MappedPort(ctx, "5432")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipPostgresTests = true
			} else {
				testDSN = fmt.Sprintf("postgres://durable:durable@%s:%s/durable?sslmode=disable", host, port.Port())
			}
		}
	}

	code := m.Run()

	if testPGContainer != nil {
		_ = testPGContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func openTestStore(t *testing.T) *pgstore.Store {
	t.Helper()
	if skipPostgresTests {
		t.Skip("docker not available")
	}
	s, err := pgstore.Open(context.Background(), testDSN)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStoreCreateAndLoadWorkflow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	workflowID := uuid.New()
	input, _ := json.Marshal(map[string]string{"name": "Ada"})
	require.NoError(t, s.CreateWorkflow(ctx, workflowID, "greet", input, nil))

	status, err := s.GetWorkflowStatus(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowPending, status)

	payload, _ := json.Marshal(map[string]string{"name": "Ada"})
	n, err := s.AppendEvents(ctx, workflowID, 0, []workflow.Event{
		{WorkflowID: workflowID.String(), Sequence: 1, Kind: workflow.EventWorkflowStarted, Payload: payload, Timestamp: time.Now().UTC()},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	events, err := s.LoadEvents(ctx, workflowID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, workflow.EventWorkflowStarted, events[0].Kind)

	result, _ := json.Marshal(map[string]string{"greeting": "Hello, Ada!"})
	require.NoError(t, s.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowCompleted, result, ""))

	info, err := s.GetWorkflowInfo(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowCompleted, info.Status)
	require.JSONEq(t, string(result), string(info.Result))
}

func TestStoreTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	workflowID := uuid.New()
	input, _ := json.Marshal(map[string]string{})
	require.NoError(t, s.CreateWorkflow(ctx, workflowID, "greet", input, nil))

	taskID, err := s.EnqueueTask(ctx, store.TaskDefinition{
		WorkflowID:   workflowID,
		ActivityID:   "format-greeting",
		ActivityType: "durable_demo_format_greeting",
		Input:        input,
		Options:      workflow.ActivityOptions{MaxAttempts: 3},
	})
	require.NoError(t, err)

	claimed, err := s.ClaimTask(ctx, "worker-1", []string{"durable_demo_format_greeting"}, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, taskID, claimed[0].ID)

	result, _ := json.Marshal(map[string]string{"greeting": "Hello!"})
	require.NoError(t, s.CompleteTask(ctx, taskID, result))
}

func TestStoreCircuitBreaker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCircuitBreaker(ctx, "flaky-activity", store.CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     time.Minute,
		CacheDuration:    time.Second,
	}))

	state, err := s.GetCircuitBreaker(ctx, "flaky-activity")
	require.NoError(t, err)
	require.Equal(t, store.CircuitClosed, state.State)

	require.NoError(t, s.UpdateCircuitBreaker(ctx, "flaky-activity", store.CircuitOpen, 5, 0))
	state, err = s.GetCircuitBreaker(ctx, "flaky-activity")
	require.NoError(t, err)
	require.Equal(t, store.CircuitOpen, state.State)
}
