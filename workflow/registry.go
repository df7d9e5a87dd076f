package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Workflow is the interface a concrete, typed workflow implements. I is the
// JSON-deserializable input type; O is the JSON-serializable output type.
// Implementations must be pure state machines — see the determinism
// contract in SPEC_FULL.md §6.1.
type Workflow[I, O any] interface {
	// Type returns the workflow type name this implementation registers
	// under. It must be a compile-time constant in spirit (implementations
	// typically return a package-level const).
	Type() string

	OnStart() []Action
	OnActivityCompleted(activityID string, result json.RawMessage) []Action
	OnActivityFailed(activityID string, err *ActivityError) []Action
	OnTimerFired(timerID string) []Action
	OnSignal(sig *Signal) []Action

	IsCompleted() bool
	Result() (O, bool)
	Err() error
}

// NewFunc constructs a workflow instance of type W from its typed input.
// Register requires one of these per registered type, the Go analogue of
// the original's W::new(input).
type NewFunc[I, O any, W Workflow[I, O]] func(input I) W

// AnyWorkflow is the type-erased interface the executor drives. It is the
// Go analogue of the Rust AnyWorkflow trait: all parameters and return
// values are JSON at this boundary so the executor need not know concrete
// workflow types.
type AnyWorkflow interface {
	WorkflowType() string
	OnStart() []Action
	OnActivityCompleted(activityID string, result json.RawMessage) []Action
	OnActivityFailed(activityID string, err *ActivityError) []Action
	OnTimerFired(timerID string) []Action
	OnSignal(sig *Signal) []Action
	IsCompleted() bool
	ResultJSON() (json.RawMessage, bool)
	Err() error
}

// anyWorkflowAdapter erases a typed Workflow[I, O] into AnyWorkflow,
// mirroring the Rust WorkflowWrapper<W>.
type anyWorkflowAdapter[I, O any] struct {
	workflowType string
	inner        Workflow[I, O]
}

func (a *anyWorkflowAdapter[I, O]) WorkflowType() string { return a.workflowType }

func (a *anyWorkflowAdapter[I, O]) OnStart() []Action { return a.inner.OnStart() }

func (a *anyWorkflowAdapter[I, O]) OnActivityCompleted(activityID string, result json.RawMessage) []Action {
	return a.inner.OnActivityCompleted(activityID, result)
}

func (a *anyWorkflowAdapter[I, O]) OnActivityFailed(activityID string, err *ActivityError) []Action {
	return a.inner.OnActivityFailed(activityID, err)
}

func (a *anyWorkflowAdapter[I, O]) OnTimerFired(timerID string) []Action {
	return a.inner.OnTimerFired(timerID)
}

func (a *anyWorkflowAdapter[I, O]) OnSignal(sig *Signal) []Action { return a.inner.OnSignal(sig) }

func (a *anyWorkflowAdapter[I, O]) IsCompleted() bool { return a.inner.IsCompleted() }

func (a *anyWorkflowAdapter[I, O]) ResultJSON() (json.RawMessage, bool) {
	result, ok := a.inner.Result()
	if !ok {
		return nil, false
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (a *anyWorkflowAdapter[I, O]) Err() error { return a.inner.Err() }

// factory is the type-erased constructor stored in the Registry.
type factory func(input json.RawMessage) (AnyWorkflow, error)

// Registry maps workflow type names to factories that build AnyWorkflow
// instances from JSON input. It is the Go analogue of the original's
// WorkflowRegistry, using generics instead of boxed trait objects to erase
// types at the registration boundary.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]factory
	schemas   map[string]*jsonschema.Schema
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]factory),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// RegisterSchema attaches an optional JSON Schema to an already-registered
// workflow type. Once attached, Create validates every submission's input
// against it before deserializing, surfacing violations as
// RegistryError/InvalidWorkflowInput rather than a generic unmarshal error.
// schemaJSON is compiled immediately so a malformed schema fails at
// registration time, not on the first workflow submission.
func (r *Registry) RegisterSchema(workflowType string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("workflow: parse schema for %s: %w", workflowType, err)
	}
	resourceURL := "durable://workflow/" + workflowType
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return fmt.Errorf("workflow: add schema resource for %s: %w", workflowType, err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("workflow: compile schema for %s: %w", workflowType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[workflowType] = schema
	return nil
}

// Register adds a workflow type to the registry. workflowType is the
// string key the executor will look up; newFn constructs a fresh instance
// from typed input.
func Register[I, O any, W Workflow[I, O]](r *Registry, workflowType string, newFn NewFunc[I, O, W]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[workflowType] = func(input json.RawMessage) (AnyWorkflow, error) {
		var typedInput I
		if len(input) > 0 {
			if err := json.Unmarshal(input, &typedInput); err != nil {
				return nil, fmt.Errorf("deserialize workflow input: %w", err)
			}
		}
		instance := newFn(typedInput)
		return &anyWorkflowAdapter[I, O]{workflowType: workflowType, inner: instance}, nil
	}
}

// Contains reports whether workflowType has a registered factory.
func (r *Registry) Contains(workflowType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[workflowType]
	return ok
}

// Create constructs a new AnyWorkflow instance of the given type from JSON
// input. Returns a RegistryError wrapping UnknownWorkflowType or
// InvalidWorkflowInput on failure.
func (r *Registry) Create(workflowType string, input json.RawMessage) (AnyWorkflow, error) {
	r.mu.RLock()
	f, ok := r.factories[workflowType]
	schema := r.schemas[workflowType]
	r.mu.RUnlock()
	if !ok {
		return nil, &RegistryError{WorkflowType: workflowType, Unknown: true}
	}
	if schema != nil {
		if err := validateAgainstSchema(schema, input); err != nil {
			return nil, &RegistryError{WorkflowType: workflowType, Cause: err}
		}
	}
	wf, err := f(input)
	if err != nil {
		return nil, &RegistryError{WorkflowType: workflowType, Cause: err}
	}
	return wf, nil
}

func validateAgainstSchema(schema *jsonschema.Schema, input json.RawMessage) error {
	if len(input) == 0 {
		input = []byte("null")
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("decode input for schema validation: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("input schema validation: %w", err)
	}
	return nil
}

// Len returns the number of registered workflow types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// Types returns all registered workflow type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}

// RegistryError describes why Create failed: either the type was never
// registered, or its factory failed to deserialize the input.
type RegistryError struct {
	WorkflowType string
	Unknown      bool
	Cause        error
}

func (e *RegistryError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("unknown workflow type: %s", e.WorkflowType)
	}
	return fmt.Sprintf("failed to deserialize workflow input for %s: %v", e.WorkflowType, e.Cause)
}

func (e *RegistryError) Unwrap() error { return e.Cause }
