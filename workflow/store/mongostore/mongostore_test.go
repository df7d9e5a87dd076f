package mongostore_test

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
	"github.com/everruns/durable/workflow/store/mongostore"
)

// AppendEvents runs inside a multi-document transaction, which mongo only
// supports against a replica set, so the test container is started as a
// single-node replica set rather than a plain standalone mongod.
var (
	testMongoURI   string
	testMongoDB    = "durable_test"
	testContainer  testcontainers.Container
	skipMongoTests bool
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
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, mongostore integration tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
	} else if err := initReplicaSet(ctx, testContainer); err != nil {
		fmt.Printf("Failed to initialize replica set: %v\n", err)
		skipMongoTests = true
	} else {
		host, err := testContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipMongoTests = true
		} else {
			port, err := testContainer.MappedPort(ctx, "27017")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipMongoTests = true
			} else {
				testMongoURI = fmt.Sprintf("mongodb://%s:%s/?replicaSet=rs0&directConnection=true", host, port.Port())
			}
		}
	}

	code := m.Run()

	if testContainer != nil {
		_ = testContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func initReplicaSet(ctx context.Context, c testcontainers.Container) error {
	_, _, err := c.Exec(ctx, []string{"mongosh", "--eval", "rs.initiate()"})
	if err != nil {
		return err
	}
	// rs.initiate() returns before the node finishes electing itself
	// primary; give it a moment before the first connection attempt.
	time.Sleep(2 * time.Second)
	return nil
}

func openTestStore(t *testing.T) *mongostore.Store {
	t.Helper()
	if skipMongoTests {
		t.Skip("docker not available")
	}
	s, err := mongostore.Open(context.Background(), testMongoURI, fmt.Sprintf("%s_%s", testMongoDB, uuid.NewString()[:8]))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStoreCreateAndAppendEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	workflowID := uuid.New()
	input, _ := json.Marshal(map[string]string{"name": "Ada"})
	require.NoError(t, s.CreateWorkflow(ctx, workflowID, "greet", input, nil))

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
