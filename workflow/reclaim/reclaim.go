// Package reclaim runs the engine's background loops: stale-task
// reclamation, timer firing, and signal delivery — the three things
// SPEC_FULL.md groups under the dispatcher/reclaimer component, since all
// three are periodic store scans that feed the executor rather than
// responses to an inbound call.
package reclaim

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/telemetry"
)

// Config controls the loop's cadence.
type Config struct {
	// Interval is how often the loop ticks.
	Interval time.Duration
	// StaleThreshold is how long a task's last heartbeat may go silent
	// before it is considered abandoned. Must exceed the longest expected
	// gap between a worker's heartbeats.
	StaleThreshold time.Duration
}

// DefaultConfig matches the engine defaults named in SPEC_FULL.md: a 10s
// loop with a 30s staleness threshold.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second, StaleThreshold: 30 * time.Second}
}

// Loop is the dispatcher/reclaimer's background goroutine. Run it with go
// loop.Run(ctx); it exits when ctx is cancelled. Each tick performs stale
// task reclamation, fires any elapsed timers, and delivers any pending
// signals, all through the executor's normal Advance path.
type Loop struct {
	store    store.Store
	executor *executor.Executor
	config   Config
	logger   telemetry.Logger
	now      func() time.Time
}

// New constructs a dispatcher/reclaimer Loop. ex is used to advance
// workflows whose timers fire or whose signals are delivered; it may be
// nil if the embedding application only wants stale-task reclamation,
// in which case timer and signal dispatch are skipped.
func New(s store.Store, ex *executor.Executor, cfg Config, logger telemetry.Logger) *Loop {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Loop{store: s, executor: ex, config: cfg, logger: logger, now: time.Now}
}

// Run ticks every Config.Interval until ctx is cancelled. Each tick's
// errors are logged and swallowed — a transient store failure here should
// not crash the process, only delay the next reclaim/fire/delivery.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// RunOnce performs a single tick immediately, outside the Interval timer.
// Exposed mainly for tests and for callers driving the loop from their own
// scheduler instead of Run's ticker.
func (l *Loop) RunOnce(ctx context.Context) {
	l.tick(ctx)
}

func (l *Loop) tick(ctx context.Context) {
	l.reclaimStaleTasks(ctx)
	l.fireDueTimers(ctx)
	l.deliverPendingSignals(ctx)
}

func (l *Loop) reclaimStaleTasks(ctx context.Context) {
	reclaimed, err := l.store.ReclaimStaleTasks(ctx, l.config.StaleThreshold)
	if err != nil {
		l.logger.Warn(ctx, "reclaim tick failed", "error", err.Error())
		return
	}
	if len(reclaimed) > 0 {
		l.logger.Info(ctx, "reclaimed stale tasks", "count", len(reclaimed))
	}
}

// fireDueTimers scans every running workflow for a ScheduleTimer action
// whose fire_at has elapsed and advances it with a TimerFiredTrigger. Per
// spec.md §4.2/§9, Sleep is expressed purely as a ScheduleTimer action;
// this loop is the only thing that ever resumes such a workflow.
func (l *Loop) fireDueTimers(ctx context.Context) {
	if l.executor == nil {
		return
	}
	due, err := l.store.ListDueTimers(ctx, l.now())
	if err != nil {
		l.logger.Warn(ctx, "list due timers failed", "error", err.Error())
		return
	}
	for _, t := range due {
		trigger := executor.TimerFiredTrigger{TimerID: t.TimerID}
		if err := l.executor.Advance(ctx, t.WorkflowID, trigger); err != nil {
			l.logger.Error(ctx, "advance on timer fired failed",
				"workflow_id", t.WorkflowID.String(), "timer_id", t.TimerID, "error", err.Error())
			continue
		}
		l.logger.Info(ctx, "timer fired", "workflow_id", t.WorkflowID.String(), "timer_id", t.TimerID)
	}
}

// deliverPendingSignals scans every running workflow with an undelivered
// signal, advances it with a SignalTrigger for each signal in arrival
// order, and marks them processed once delivered.
func (l *Loop) deliverPendingSignals(ctx context.Context) {
	if l.executor == nil {
		return
	}
	workflowIDs, err := l.store.ListPendingSignalWorkflows(ctx)
	if err != nil {
		l.logger.Warn(ctx, "list pending signal workflows failed", "error", err.Error())
		return
	}
	for _, workflowID := range workflowIDs {
		l.deliverSignalsFor(ctx, workflowID)
	}
}

func (l *Loop) deliverSignalsFor(ctx context.Context, workflowID uuid.UUID) {
	signals, err := l.store.GetPendingSignals(ctx, workflowID)
	if err != nil {
		l.logger.Warn(ctx, "get pending signals failed", "workflow_id", workflowID.String(), "error", err.Error())
		return
	}
	delivered := 0
	for _, sig := range signals {
		trigger := executor.SignalTrigger{Signal: sig}
		if err := l.executor.Advance(ctx, workflowID, trigger); err != nil {
			l.logger.Error(ctx, "advance on signal failed",
				"workflow_id", workflowID.String(), "signal", sig.Name, "error", err.Error())
			break
		}
		delivered++
	}
	if delivered == 0 {
		return
	}
	if err := l.store.MarkSignalsProcessed(ctx, workflowID, delivered); err != nil {
		l.logger.Warn(ctx, "mark signals processed failed", "workflow_id", workflowID.String(), "error", err.Error())
	}
}
