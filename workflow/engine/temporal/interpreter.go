package temporal

import (
	"encoding/json"
	"fmt"
	"time"

	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"

	durableworkflow "github.com/everruns/durable/workflow"
)

// RegisterWorkflow registers workflowType on w as a Temporal workflow
// function that interprets registry's Workflow[I,O] state machine for
// that type. One call per registered type, typically from RegisterAll.
func RegisterWorkflow(w worker.Registry, registry *durableworkflow.Registry, workflowType string) {
	w.RegisterWorkflowWithOptions(
		func(ctx temporalworkflow.Context, input json.RawMessage) (json.RawMessage, error) {
			return interpret(ctx, registry, workflowType, input)
		},
		temporalworkflow.RegisterOptions{Name: workflowType},
	)
}

// pendingActivity tracks one in-flight ScheduleActivity action: its
// Temporal future and the ActivityID the workflow handler used to
// correlate the eventual result.
type pendingActivity struct {
	activityID string
	future     temporalworkflow.Future
}

// pendingTimer tracks one in-flight ScheduleTimer action.
type pendingTimer struct {
	timerID string
	future  temporalworkflow.Future
}

// interpret drives one AnyWorkflow instance to completion entirely within
// a single Temporal workflow execution: ScheduleActivity/ScheduleTimer
// actions become ExecuteActivity/NewTimer calls, and a workflow.Selector
// waits for whichever completes (or a signal arrives) next, feeding the
// result back through OnActivityCompleted/OnActivityFailed/OnTimerFired/
// OnSignal exactly as executor.Advance does against the store-backed
// engine — the workflow handler itself is unaware which backend is
// driving it.
func interpret(ctx temporalworkflow.Context, registry *durableworkflow.Registry, workflowType string, input json.RawMessage) (json.RawMessage, error) {
	wf, err := registry.Create(workflowType, input)
	if err != nil {
		return nil, fmt.Errorf("temporal: create workflow %q: %w", workflowType, err)
	}

	var activities []pendingActivity
	var timers []pendingTimer
	signalCh := temporalworkflow.GetSignalChannel(ctx, signalChannelName)

	receiveSignal := func() *durableworkflow.Signal {
		var envelope signalEnvelope
		signalCh.Receive(ctx, &envelope)
		return &durableworkflow.Signal{Name: envelope.Name, Payload: envelope.Payload}
	}

	apply := func(actions []durableworkflow.Action) {
		for _, action := range actions {
			switch a := action.(type) {
			case durableworkflow.ScheduleActivity:
				opts := activityOptions(ctx, a)
				actCtx := temporalworkflow.WithActivityOptions(ctx, opts)
				future := temporalworkflow.ExecuteActivity(actCtx, dispatchActivityName, a.ActivityType, a.Input)
				activities = append(activities, pendingActivity{activityID: a.ActivityID, future: future})
			case durableworkflow.ScheduleTimer:
				delay := temporalworkflow.Now(ctx).Sub(a.FireAt)
				if delay > 0 {
					delay = 0
				}
				future := temporalworkflow.NewTimer(ctx, -delay)
				timers = append(timers, pendingTimer{timerID: a.TimerID, future: future})
			case durableworkflow.CompleteWorkflow, durableworkflow.FailWorkflow:
				// Terminal actions need no Temporal-side effect; the loop below
				// exits once wf.IsCompleted() is true.
			}
		}
	}

	apply(wf.OnStart())

	for !wf.IsCompleted() {
		if len(activities) == 0 && len(timers) == 0 {
			// No outstanding work and not completed: wait for an external
			// signal, the only remaining source of progress.
			apply(wf.OnSignal(receiveSignal()))
			continue
		}

		selector := temporalworkflow.NewSelector(ctx)
		for i := range activities {
			pending := activities[i]
			selector.AddFuture(pending.future, func(f temporalworkflow.Future) {
				activities = removeActivity(activities, pending.activityID)
				var result json.RawMessage
				if err := f.Get(ctx, &result); err != nil {
					apply(wf.OnActivityFailed(pending.activityID, &durableworkflow.ActivityError{Message: err.Error()}))
					return
				}
				apply(wf.OnActivityCompleted(pending.activityID, result))
			})
		}
		for i := range timers {
			pending := timers[i]
			selector.AddFuture(pending.future, func(f temporalworkflow.Future) {
				timers = removeTimer(timers, pending.timerID)
				apply(wf.OnTimerFired(pending.timerID))
			})
		}
		selector.AddReceive(signalCh, func(ch temporalworkflow.ReceiveChannel, more bool) {
			apply(wf.OnSignal(receiveSignal()))
		})
		selector.Select(ctx)
	}

	if err := wf.Err(); err != nil {
		return nil, err
	}
	result, _ := wf.ResultJSON()
	return result, nil
}

func activityOptions(_ temporalworkflow.Context, a durableworkflow.ScheduleActivity) temporalworkflow.ActivityOptions {
	opts := temporalworkflow.ActivityOptions{
		StartToCloseTimeout: time.Duration(a.Options.StartToCloseMs) * time.Millisecond,
	}
	if a.Options.ScheduleToStartMs > 0 {
		opts.ScheduleToStartTimeout = time.Duration(a.Options.ScheduleToStartMs) * time.Millisecond
	}
	if a.Options.HeartbeatMs > 0 {
		opts.HeartbeatTimeout = time.Duration(a.Options.HeartbeatMs) * time.Millisecond
	}
	if opts.StartToCloseTimeout <= 0 {
		opts.StartToCloseTimeout = defaultActivityTimeout
	}
	return opts
}

const (
	signalChannelName      = "durable-signal"
	dispatchActivityName   = "durable_dispatch_activity"
	defaultActivityTimeout = time.Minute
)

func removeActivity(activities []pendingActivity, activityID string) []pendingActivity {
	out := activities[:0]
	for _, a := range activities {
		if a.activityID != activityID {
			out = append(out, a)
		}
	}
	return out
}

func removeTimer(timers []pendingTimer, timerID string) []pendingTimer {
	out := timers[:0]
	for _, t := range timers {
		if t.timerID != timerID {
			out = append(out, t)
		}
	}
	return out
}
