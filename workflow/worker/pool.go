// Package worker implements the claim/execute/heartbeat/complete lifecycle
// that drives activities to completion and feeds their outcomes back into
// the executor.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/breaker"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/telemetry"
	"github.com/everruns/durable/workflow/worker/backpressure"
	"github.com/everruns/durable/workflow/worker/poller"
)

// Config describes one worker's identity and tuning.
type Config struct {
	WorkerID       string
	WorkerGroup    string
	ActivityTypes  []string
	MaxConcurrency int
	HeartbeatEvery time.Duration
	Backpressure   backpressure.Config
	Poller         poller.Config
	// RateLimit caps task starts per second across the whole pool,
	// independent of MaxConcurrency. Zero means unlimited — only
	// backpressure and concurrency bound the claim rate.
	RateLimit float64
}

// DefaultConfig fills in the engine's defaults for everything but identity
// and activity types.
func DefaultConfig(workerID string, activityTypes []string) Config {
	return Config{
		WorkerID:       workerID,
		ActivityTypes:  activityTypes,
		MaxConcurrency: 10,
		HeartbeatEvery: 5 * time.Second,
		Backpressure:   backpressure.DefaultConfig(),
		Poller:         poller.DefaultConfig(),
	}
}

// Pool claims tasks, runs their activities with periodic heartbeats, and
// reports outcomes back through the store and executor. One Pool
// corresponds to one worker process (or goroutine group within one).
type Pool struct {
	config     Config
	store      store.Store
	executor   *executor.Executor
	activities map[string]workflow.Activity
	breakers   map[string]*breaker.Breaker
	bp         *backpressure.State
	poll       *poller.TaskPoller
	limiter    *rate.Limiter
	logger     telemetry.Logger
	metrics    telemetry.Metrics

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// New constructs a Pool. Register activities with RegisterActivity and,
// optionally, a circuit breaker per activity type with RegisterBreaker
// before calling Start.
func New(cfg Config, s store.Store, ex *executor.Executor, logger telemetry.Logger, metrics telemetry.Metrics) *Pool {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	burst := cfg.MaxConcurrency
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	p := &Pool{
		config:     cfg,
		store:      s,
		executor:   ex,
		activities: make(map[string]workflow.Activity),
		breakers:   make(map[string]*breaker.Breaker),
		bp:         backpressure.New(cfg.Backpressure, cfg.MaxConcurrency),
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
		metrics:    metrics,
		shutdown:   make(chan struct{}),
	}
	p.poll = poller.New(p.claim, cfg.Poller, p.shutdown)
	return p
}

// RegisterActivity binds activityType to an implementation. Must be called
// before Start.
func (p *Pool) RegisterActivity(activityType string, a workflow.Activity) {
	p.activities[activityType] = a
}

// RegisterBreaker attaches a circuit breaker guarding activityType. When
// present, Execute calls Allow before invoking the activity and resolves
// the permit with Success/Failure afterward — absent a breaker, execution
// is unchanged.
func (p *Pool) RegisterBreaker(activityType string, b *breaker.Breaker) {
	p.breakers[activityType] = b
}

// Start registers the worker in the store's fleet registry and begins the
// claim loop in a background goroutine. Call Stop to drain and deregister.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.store.RegisterWorker(ctx, store.WorkerInfo{
		ID:             p.config.WorkerID,
		WorkerGroup:    p.config.WorkerGroup,
		ActivityTypes:  p.config.ActivityTypes,
		MaxConcurrency: uint32(p.config.MaxConcurrency),
		Status:         "active",
		AcceptingTasks: true,
		StartedAt:      time.Now(),
	}); err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop signals the claim loop to exit, waits for in-flight tasks to drain,
// and deregisters the worker.
func (p *Pool) Stop(ctx context.Context) error {
	close(p.shutdown)
	p.wg.Wait()
	return p.store.DeregisterWorker(ctx, p.config.WorkerID)
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		default:
		}

		if !p.bp.ShouldAccept() {
			if p.poll.Wait(ctx) {
				return
			}
			continue
		}

		if _, err := p.poll.Poll(ctx); err != nil {
			p.logger.Warn(ctx, "poll failed", "worker_id", p.config.WorkerID, "error", err.Error())
		}

		_ = p.store.WorkerHeartbeat(ctx, p.config.WorkerID, p.bp.CurrentLoad(), p.bp.IsAccepting())

		if p.poll.Wait(ctx) {
			return
		}
	}
}

// claim is the poller's ClaimFunc: it claims up to maxTasks from the store
// and launches each as a goroutine.
func (p *Pool) claim(ctx context.Context, maxTasks int) (int, error) {
	available := p.bp.AvailableSlots()
	if available <= 0 {
		return 0, nil
	}
	if maxTasks > available {
		maxTasks = available
	}

	tasks, err := p.store.ClaimTask(ctx, p.config.WorkerID, p.config.ActivityTypes, maxTasks)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if err := p.limiter.WaitN(ctx, 1); err != nil {
			return 0, err
		}
		p.bp.TaskStarted()
		p.wg.Add(1)
		go func(task store.ClaimedTask) {
			defer p.wg.Done()
			defer p.bp.TaskCompleted()
			p.execute(ctx, task)
		}(t)
	}
	return len(tasks), nil
}

func (p *Pool) execute(ctx context.Context, task store.ClaimedTask) {
	activity, ok := p.activities[task.ActivityType]
	if !ok {
		p.fail(ctx, task, fmt.Sprintf("no activity registered for type %q", task.ActivityType), "")
		return
	}

	var permit *breaker.Permit
	if b, ok := p.breakers[task.ActivityType]; ok {
		pm, err := b.Allow(ctx)
		if err != nil {
			p.fail(ctx, task, err.Error(), errorKind(err))
			return
		}
		permit = &pm
	}

	deadline, hasDeadline := p.startToCloseDeadline(task)
	tc := workflow.NewTaskContext(p.heartbeatFunc(task), deadline, hasDeadline)

	start := time.Now()
	output, err := activity.Execute(ctx, tc, task.Input)
	duration := time.Since(start)
	p.metrics.RecordTimer("durable_activity_duration", duration, "activity_type", task.ActivityType)

	if err != nil {
		if permit != nil {
			_ = permit.Failure(ctx)
		}
		p.fail(ctx, task, err.Error(), errorKind(err))
		return
	}
	if permit != nil {
		_ = permit.Success(ctx)
	}
	p.complete(ctx, task, output)
}

// errorKind recovers the non-retryable classification kind from err, if it
// carries one. Activities that return a plain error (not a *workflow.
// ActivityError) are treated as having no kind, which the retry policy
// treats as always-retryable.
func errorKind(err error) string {
	var actErr *workflow.ActivityError
	if errors.As(err, &actErr) {
		return actErr.Kind
	}
	return ""
}

func (p *Pool) startToCloseDeadline(task store.ClaimedTask) (time.Time, bool) {
	if task.Options.StartToCloseMs <= 0 {
		return time.Time{}, false
	}
	started := time.Now()
	if task.StartedAt != nil {
		started = *task.StartedAt
	}
	return started.Add(time.Duration(task.Options.StartToCloseMs) * time.Millisecond), true
}

func (p *Pool) heartbeatFunc(task store.ClaimedTask) func(context.Context, json.RawMessage) (workflow.HeartbeatResult, error) {
	return func(ctx context.Context, details json.RawMessage) (workflow.HeartbeatResult, error) {
		resp, err := p.store.HeartbeatTask(ctx, task.ID, p.config.WorkerID, details)
		if err != nil {
			return workflow.HeartbeatResult{}, err
		}
		return workflow.HeartbeatResult{Accepted: resp.Accepted, ShouldCancel: resp.ShouldCancel}, nil
	}
}

func (p *Pool) complete(ctx context.Context, task store.ClaimedTask, output json.RawMessage) {
	if err := p.store.CompleteTask(ctx, task.ID, output); err != nil {
		p.logger.Warn(ctx, "complete_task failed", "task_id", task.ID.String(), "error", err.Error())
		return
	}
	trigger := executor.ActivityCompletedTrigger{ActivityID: task.ActivityID, Result: output}
	if err := p.executor.Advance(ctx, task.WorkflowID, trigger); err != nil {
		p.logger.Error(ctx, "executor advance failed after activity completion", "workflow_id", task.WorkflowID.String(), "error", err.Error())
	}
}

func (p *Pool) fail(ctx context.Context, task store.ClaimedTask, errMsg string, errKind string) {
	outcome, err := p.store.FailTask(ctx, task.ID, errMsg, errKind)
	if err != nil {
		p.logger.Warn(ctx, "fail_task failed", "task_id", task.ID.String(), "error", err.Error())
		return
	}
	switch outcome.(type) {
	case store.WillRetry:
		// Task is Pending again; nothing to deliver to the workflow yet.
		return
	case store.MovedToDlq, store.ExhaustedRetries:
		trigger := executor.ActivityFailedTrigger{
			ActivityID: task.ActivityID,
			Err:        &workflow.ActivityError{Message: errMsg, Kind: errKind},
		}
		if err := p.executor.Advance(ctx, task.WorkflowID, trigger); err != nil {
			p.logger.Error(ctx, "executor advance failed after activity exhaustion", "workflow_id", task.WorkflowID.String(), "error", err.Error())
		}
	}
}
