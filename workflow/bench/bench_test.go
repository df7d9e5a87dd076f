package bench_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/bench"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/store/memstore"
	"github.com/everruns/durable/workflow/worker"
)

// newHarness wires a registry + in-memory store + executor + worker pool
// running bench.Activity, the same shape cmd/durable-bench assembles
// against a durable backend.
func newHarness(tb testing.TB, workers int) (*executor.Executor, *memstore.Store, func()) {
	tb.Helper()
	registry := workflow.NewRegistry()
	bench.RegisterWorkflow(registry)

	s := memstore.New()
	ex := executor.New(registry, s, nil)

	cfg := worker.DefaultConfig("bench-worker", []string{bench.BenchActivityType})
	cfg.MaxConcurrency = workers
	pool := worker.New(cfg, s, ex, nil, nil)
	pool.RegisterActivity(bench.BenchActivityType, fastBenchActivity())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(tb, pool.Start(ctx))

	return ex, s, func() {
		cancel()
		_ = pool.Stop(context.Background())
	}
}

// fastBenchActivity skips SampleActivityDuration's multi-second tail so
// throughput benchmarks aren't dominated by simulated sleep time.
func fastBenchActivity() workflow.ActivityFunc {
	return func(ctx context.Context, tc *workflow.TaskContext, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}
}

func BenchmarkWorkflowThroughput(b *testing.B) {
	ex, s, stop := newHarness(b, 20)
	defer stop()

	cfg := bench.ScenarioConfig{
		Name:        "workflow_throughput",
		Workers:     20,
		TotalTasks:  b.N,
		MaxDuration: 30 * time.Second,
	}
	r := bench.NewRunner(cfg, s, ex, nil)

	b.ResetTimer()
	require.NoError(b, r.Run(context.Background()))
	b.StopTimer()

	bench.PrintSummary(cfg.Name, r.Metrics())
}

func BenchmarkConcurrentWorkers(b *testing.B) {
	for _, workers := range []int{1, 5, 20, 50} {
		b.Run(workersLabel(workers), func(b *testing.B) {
			ex, s, stop := newHarness(b, workers)
			defer stop()

			cfg := bench.ScenarioConfig{
				Name:        "concurrent_workers",
				Workers:     workers,
				TotalTasks:  b.N,
				MaxDuration: 30 * time.Second,
			}
			r := bench.NewRunner(cfg, s, ex, nil)

			b.ResetTimer()
			require.NoError(b, r.Run(context.Background()))
		})
	}
}

func BenchmarkTaskClaiming(b *testing.B) {
	_, s, stop := newHarness(b, 20)
	defer stop()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.ClaimTask(ctx, "bench-worker", []string{bench.BenchActivityType}, 1)
	}
}

func workersLabel(n int) string {
	switch n {
	case 1:
		return "workers=1"
	case 5:
		return "workers=5"
	case 20:
		return "workers=20"
	default:
		return "workers=50"
	}
}
