// Command durable-bench drives the workflow/bench load-test harness
// against a chosen store backend: it starts a worker pool running the
// synthetic bench activity, runs one scenario to completion, and prints a
// latency/throughput summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/everruns/durable/internal/cliutil"
	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/bench"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/telemetry"
	"github.com/everruns/durable/workflow/worker"
)

func main() {
	fs := flag.NewFlagSet("durable-bench", flag.ExitOnError)
	storeFlags := cliutil.RegisterFlags(fs)
	nameF := fs.String("scenario", "default", "scenario name reported in the summary")
	workersF := fs.Int("workers", 0, "concurrent submitters/claimers (0 keeps the scenario default)")
	totalF := fs.Int("total", 0, "total workflow submissions (0 keeps the scenario default)")
	rateF := fs.Float64("rate", 0, "submissions per second cap (0 is unthrottled)")
	maxDurationF := fs.Duration("max-duration", 0, "hard ceiling on the timed phase (0 keeps the scenario default)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	ctx := context.Background()
	s, closeStore, err := cliutil.Open(ctx, storeFlags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	defer closeStore()

	cfg := bench.DefaultScenarioConfig(*nameF)
	if *workersF > 0 {
		cfg.Workers = *workersF
	}
	if *totalF > 0 {
		cfg.TotalTasks = *totalF
	}
	if *rateF > 0 {
		cfg.TargetRate = *rateF
	}
	if *maxDurationF > 0 {
		cfg.MaxDuration = *maxDurationF
	}

	if err := runScenario(ctx, s, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "run scenario:", err)
		os.Exit(1)
	}
}

func runScenario(ctx context.Context, s store.Store, cfg bench.ScenarioConfig) error {
	logger := telemetry.NewClueLogger()

	registry := workflow.NewRegistry()
	bench.RegisterWorkflow(registry)
	ex := executor.New(registry, s, logger)

	workerCfg := worker.DefaultConfig("bench-worker", []string{bench.BenchActivityType})
	workerCfg.MaxConcurrency = cfg.Workers
	pool := worker.New(workerCfg, s, ex, logger, nil)
	pool.RegisterActivity(bench.BenchActivityType, bench.Activity(rand.New(rand.NewSource(time.Now().UnixNano()))))
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	defer func() { _ = pool.Stop(context.Background()) }()

	runner := bench.NewRunner(cfg, s, ex, logger)
	if err := runner.Run(ctx); err != nil {
		return err
	}
	bench.PrintSummary(cfg.Name, runner.Metrics())
	return nil
}
