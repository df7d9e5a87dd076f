package workflow_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everruns/durable/workflow"
)

type testInput struct {
	Value int `json:"value"`
}

type testOutput struct {
	Result int `json:"result"`
}

type testWorkflow struct {
	input     testInput
	completed bool
}

func newTestWorkflow(input testInput) *testWorkflow {
	return &testWorkflow{input: input}
}

func (w *testWorkflow) Type() string { return "test_workflow" }

func (w *testWorkflow) OnStart() []workflow.Action {
	input, _ := json.Marshal(map[string]int{"n": w.input.Value})
	return []workflow.Action{workflow.NewScheduleActivity("compute", "compute_activity", input, workflow.ActivityOptions{})}
}

func (w *testWorkflow) OnActivityCompleted(_ string, result json.RawMessage) []workflow.Action {
	w.completed = true
	var r int
	_ = json.Unmarshal(result, &r)
	out, _ := json.Marshal(map[string]int{"result": r * 2})
	return []workflow.Action{workflow.NewComplete(out)}
}

func (w *testWorkflow) OnActivityFailed(_ string, err *workflow.ActivityError) []workflow.Action {
	return []workflow.Action{workflow.NewFail(err.Message)}
}

func (w *testWorkflow) OnTimerFired(string) []workflow.Action { return nil }
func (w *testWorkflow) OnSignal(*workflow.Signal) []workflow.Action { return nil }

func (w *testWorkflow) IsCompleted() bool { return w.completed }

func (w *testWorkflow) Result() (testOutput, bool) {
	if !w.completed {
		return testOutput{}, false
	}
	return testOutput{Result: w.input.Value * 2}, true
}

func (w *testWorkflow) Err() error { return nil }

func register(r *workflow.Registry) {
	workflow.Register[testInput, testOutput](r, "test_workflow", newTestWorkflow)
}

func TestRegisterAndCreate(t *testing.T) {
	r := workflow.NewRegistry()
	register(r)

	assert.True(t, r.Contains("test_workflow"))
	assert.False(t, r.Contains("unknown"))

	wf, err := r.Create("test_workflow", []byte(`{"value":42}`))
	require.NoError(t, err)
	assert.Equal(t, "test_workflow", wf.WorkflowType())
	assert.False(t, wf.IsCompleted())
}

func TestUnknownWorkflowType(t *testing.T) {
	r := workflow.NewRegistry()
	_, err := r.Create("unknown", []byte(`{}`))
	require.Error(t, err)
	var regErr *workflow.RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.True(t, regErr.Unknown)
}

func TestInvalidInput(t *testing.T) {
	r := workflow.NewRegistry()
	register(r)

	_, err := r.Create("test_workflow", []byte(`{"value":"not a number"}`))
	require.Error(t, err)
	var regErr *workflow.RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.False(t, regErr.Unknown)
}

func TestWorkflowExecution(t *testing.T) {
	r := workflow.NewRegistry()
	register(r)

	wf, err := r.Create("test_workflow", []byte(`{"value":10}`))
	require.NoError(t, err)

	actions := wf.OnStart()
	require.Len(t, actions, 1)
	_, ok := actions[0].(workflow.ScheduleActivity)
	assert.True(t, ok)

	completedInput, _ := json.Marshal(5)
	actions = wf.OnActivityCompleted("compute", completedInput)
	require.Len(t, actions, 1)
	_, ok = actions[0].(workflow.CompleteWorkflow)
	assert.True(t, ok)

	assert.True(t, wf.IsCompleted())
}

func TestWorkflowTypesAndLen(t *testing.T) {
	r := workflow.NewRegistry()
	register(r)

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"test_workflow"}, r.Types())
}

func TestRegisterSchemaRejectsInvalidInput(t *testing.T) {
	r := workflow.NewRegistry()
	register(r)

	schema := []byte(`{
		"type": "object",
		"properties": {"value": {"type": "integer", "minimum": 0}},
		"required": ["value"]
	}`)
	require.NoError(t, r.RegisterSchema("test_workflow", schema))

	_, err := r.Create("test_workflow", []byte(`{"value": -1}`))
	require.Error(t, err)
	var regErr *workflow.RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.False(t, regErr.Unknown)

	wf, err := r.Create("test_workflow", []byte(`{"value": 10}`))
	require.NoError(t, err)
	assert.Equal(t, "test_workflow", wf.WorkflowType())
}

func TestRegisterSchemaRejectsMalformedSchema(t *testing.T) {
	r := workflow.NewRegistry()
	require.Error(t, r.RegisterSchema("test_workflow", []byte(`not json`)))
}
