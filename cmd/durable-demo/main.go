// Command durable-demo runs a single workflow end to end against the
// engine: it starts a worker pool and the dispatcher/reclaimer loop, submits
// one durable_demo_greet workflow, and waits for it to complete.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/everruns/durable/internal/cliutil"
	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/config"
	"github.com/everruns/durable/workflow/engine"
	"github.com/everruns/durable/workflow/examples/greet"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/reclaim"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/telemetry"
	"github.com/everruns/durable/workflow/worker"
)

func main() {
	fs := flag.NewFlagSet("durable-demo", flag.ExitOnError)
	storeFlags := cliutil.RegisterFlags(fs)
	nameF := fs.String("name", "World", "name to greet")
	configF := fs.String("config", "", "path to a YAML engine config (defaults built in if omitted)")
	dbgF := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg := config.Default()
	if *configF != "" {
		loaded, err := config.Load(*configF)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "load config"})
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "validate config"})
		os.Exit(1)
	}

	s, closeStore, err := cliutil.Open(ctx, storeFlags)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "open store"})
		os.Exit(1)
	}
	defer closeStore()

	if err := run(ctx, s, cfg, *nameF); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "run demo"})
		os.Exit(1)
	}
}

func run(ctx context.Context, s store.Store, cfg config.Config, name string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := telemetry.NewClueLogger()

	registry := workflow.NewRegistry()
	greet.RegisterWorkflow(registry)

	ex := executor.New(registry, s, logger)
	eng := engine.New(s, ex, logger)

	workerCfg := worker.DefaultConfig("demo-worker-1", []string{greet.ActivityType})
	if w, ok := cfg.Workers["default"]; ok {
		workerCfg = w.Worker("demo-worker-1")
	}
	pool := worker.New(workerCfg, s, ex, logger, nil)
	pool.RegisterActivity(greet.ActivityType, greet.Activity())
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	loop := reclaim.New(s, ex, cfg.Engine.Reclaim(), logger)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		errc <- fmt.Errorf("interrupted")
	}()

	input, _ := json.Marshal(greet.Input{Name: name})
	workflowID, err := eng.SubmitWorkflow(ctx, greet.WorkflowType, input, nil)
	if err != nil {
		cancel()
		_ = pool.Stop(context.Background())
		return fmt.Errorf("submit workflow: %w", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "submitted workflow"}, log.KV{K: "workflow_id", V: workflowID.String()})

	done := make(chan store.WorkflowInfo, 1)
	go func() {
		done <- awaitTerminal(ctx, eng, workflowID)
	}()

	select {
	case info := <-done:
		cancel()
		wg.Wait()
		if stopErr := pool.Stop(context.Background()); stopErr != nil {
			log.Error(ctx, stopErr, log.KV{K: "msg", V: "stop worker pool"})
		}
		return printResult(info)
	case sigErr := <-errc:
		log.Info(ctx, log.KV{K: "msg", V: sigErr.Error()})
		cancel()
		wg.Wait()
		return pool.Stop(context.Background())
	}
}

func awaitTerminal(ctx context.Context, eng *engine.Engine, workflowID uuid.UUID) store.WorkflowInfo {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return store.WorkflowInfo{ID: workflowID, Status: store.WorkflowRunning}
		case <-ticker.C:
			info, err := eng.GetWorkflowInfo(ctx, workflowID)
			if err != nil {
				continue
			}
			switch info.Status {
			case store.WorkflowCompleted, store.WorkflowFailed, store.WorkflowCancelled:
				return info
			}
		}
	}
}

func printResult(info store.WorkflowInfo) error {
	fmt.Println("status:", info.Status)
	if info.Status == store.WorkflowCompleted {
		fmt.Println("result:", string(info.Result))
	}
	if info.Status == store.WorkflowFailed && info.Err != nil {
		fmt.Println("error:", info.Err.Error())
	}
	return nil
}
