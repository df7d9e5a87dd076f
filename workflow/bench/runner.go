package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow/engine"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/telemetry"
)

// Runner drives a ScenarioConfig against an engine.Engine and worker.Pool
// pair, recording submit-to-start and end-to-end workflow latency plus
// overall throughput. It does not record Metrics.Execution; that histogram
// stays empty.
type Runner struct {
	config  ScenarioConfig
	engine  *engine.Engine
	store   store.Store
	metrics *Metrics
}

// NewRunner constructs a Runner. s, ex, and logger back an *engine.Engine
// that Run submits workflows through; the caller is responsible for
// starting a worker.Pool claiming BenchActivityType against the same
// store before calling Run.
func NewRunner(cfg ScenarioConfig, s store.Store, ex *executor.Executor, logger telemetry.Logger) *Runner {
	return &Runner{
		config:  cfg,
		engine:  engine.New(s, ex, logger),
		store:   s,
		metrics: NewMetrics(),
	}
}

// Metrics returns the Runner's metrics for inspection after Run completes.
func (r *Runner) Metrics() *Metrics { return r.metrics }

// Run submits workflows up to config.TotalTasks, honoring config.Workers
// as the submission concurrency and config.MaxDuration as a hard ceiling,
// and blocks until every submitted workflow reaches a terminal status or
// the deadline passes.
func (r *Runner) Run(ctx context.Context) error {
	if r.config.Warmup > 0 {
		warmupTasks := r.config.TotalTasks / 10
		if warmupTasks < 10 {
			warmupTasks = 10
		}
		warmupCtx, cancel := context.WithTimeout(ctx, r.config.Warmup)
		_ = r.submitAndWait(warmupCtx, warmupTasks, NewMetrics())
		cancel()
	}

	deadline := ctx
	var cancel context.CancelFunc
	if r.config.MaxDuration > 0 {
		deadline, cancel = context.WithTimeout(ctx, r.config.MaxDuration)
		defer cancel()
	}
	return r.submitAndWait(deadline, r.config.TotalTasks, r.metrics)
}

func (r *Runner) submitAndWait(ctx context.Context, total int, m *Metrics) error {
	sem := make(chan struct{}, r.config.Workers)
	var wg sync.WaitGroup
	var limiter *rateLimiter
	if r.config.TargetRate > 0 {
		limiter = newRateLimiter(r.config.TargetRate)
	}

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			defer func() { <-sem }()
			r.submitOne(ctx, seed, m)
		}(int64(i))
	}
	wg.Wait()
	return nil
}

func (r *Runner) submitOne(ctx context.Context, seed int64, m *Metrics) {
	input := mustMarshal(benchInput{Seed: seed})
	submitStart := time.Now()

	workflowID, err := r.engine.SubmitWorkflow(ctx, BenchWorkflowType, input, nil)
	if err != nil {
		return
	}

	m.ScheduleToStart.Record(time.Since(submitStart))

	r.pollUntilTerminal(ctx, workflowID)

	m.EndToEnd.Record(time.Since(submitStart))
	m.Completed.Increment()
}

// pollUntilTerminal blocks until workflowID leaves the Running state or ctx
// is cancelled. Bench scenarios run against an in-process store, so a short
// poll interval trades a small amount of CPU for simple, correct waiting —
// there is no event-driven completion hook at the engine boundary.
func (r *Runner) pollUntilTerminal(ctx context.Context, workflowID uuid.UUID) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status, err := r.store.GetWorkflowStatus(ctx, workflowID)
		if err != nil {
			return
		}
		if status != store.WorkflowRunning && status != store.WorkflowPending {
			return
		}
	}
}

// PrintSummary writes a human-readable report of m to the process's
// standard output, mirroring the percentile breakdown operators expect
// from a load-test run.
func PrintSummary(name string, m *Metrics) {
	e2e := m.EndToEnd.Summary()
	s2s := m.ScheduleToStart.Summary()

	fmt.Printf("Scenario: %s\n", name)
	fmt.Printf("  Completed:   %d\n", m.Completed.Total())
	fmt.Printf("  Throughput:  %.1f workflows/sec\n", m.Completed.Throughput())
	fmt.Println("  End-to-End Latency:")
	fmt.Printf("    P50: %s  P95: %s  P99: %s  Max: %s\n", e2e.P50, e2e.P95, e2e.P99, e2e.Max)
	fmt.Println("  Schedule-to-Start Latency:")
	fmt.Printf("    P50: %s  P95: %s  P99: %s  Max: %s\n", s2s.P50, s2s.P95, s2s.P99, s2s.Max)
}

// rateLimiter enforces a target events-per-second rate with a simple
// fixed-interval pacer.
type rateLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	next     time.Time
}

func newRateLimiter(perSecond float64) *rateLimiter {
	return &rateLimiter{interval: time.Duration(float64(time.Second) / perSecond), next: time.Now()}
}

func (l *rateLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	wait := l.next.Sub(now)
	l.next = l.next.Add(l.interval)
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newRNG returns a time-seeded *rand.Rand. Nothing in the package calls
// it; Activity and SampleActivityDuration take their source from the
// caller.
func newRNG() *rand.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) }

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
