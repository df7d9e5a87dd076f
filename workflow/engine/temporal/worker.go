package temporal

import (
	"context"
	"encoding/json"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"

	durableworkflow "github.com/everruns/durable/workflow"
)

// Dispatcher holds the same activity implementations worker.Pool would run
// against the store-backed engine, registered once as Temporal activities
// under dispatchActivityName rather than one Temporal activity per type —
// Temporal has no notion of our ActivityType string outside the payload we
// give it, so one generic activity looks up the implementation itself and
// forwards to it.
type Dispatcher struct {
	activities map[string]durableworkflow.Activity
}

// NewDispatcher constructs an empty Dispatcher. Register activities with
// RegisterActivities before registering workflows with RegisterWorkflow.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{activities: make(map[string]durableworkflow.Activity)}
}

// RegisterActivity binds activityType to an implementation, mirroring
// worker.Pool.RegisterActivity.
func (d *Dispatcher) RegisterActivity(activityType string, a durableworkflow.Activity) {
	d.activities[activityType] = a
}

// dispatch is the single Temporal activity function registered under
// dispatchActivityName. It looks up activityType in the dispatcher's map and
// runs it with a TaskContext backed by Temporal's own heartbeat and
// deadline, so the activity implementation stays identical whichever engine
// drives it.
func (d *Dispatcher) dispatch(ctx context.Context, activityType string, input json.RawMessage) (json.RawMessage, error) {
	a, ok := d.activities[activityType]
	if !ok {
		return nil, fmt.Errorf("temporal: no activity registered for type %q", activityType)
	}

	heartbeat := func(_ context.Context, details json.RawMessage) (durableworkflow.HeartbeatResult, error) {
		activity.RecordHeartbeat(ctx, details)
		return durableworkflow.HeartbeatResult{Accepted: true}, nil
	}
	deadline, hasDeadline := activity.GetInfo(ctx).Deadline, true
	if deadline.IsZero() {
		hasDeadline = false
	}
	tc := durableworkflow.NewTaskContext(heartbeat, deadline, hasDeadline)

	return a.Execute(ctx, tc, input)
}

// RegisterActivities registers the dispatch activity on w under
// dispatchActivityName. Call once per worker, after every RegisterActivity
// call has been made.
func (d *Dispatcher) RegisterActivities(w worker.Registry) {
	w.RegisterActivityWithOptions(d.dispatch, activity.RegisterOptions{Name: dispatchActivityName})
}

// RegisterAll wires every workflow type in registry and every activity in d
// onto w — the usual entry point for a process that hosts a Temporal
// worker for this package's engine binding.
func RegisterAll(w worker.Registry, registry *durableworkflow.Registry, d *Dispatcher) {
	for _, workflowType := range registry.Types() {
		RegisterWorkflow(w, registry, workflowType)
	}
	d.RegisterActivities(w)
}
