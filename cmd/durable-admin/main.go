// Command durable-admin is an operational CLI against a running engine's
// store: inspecting and signalling workflows, listing and requeuing
// dead-lettered tasks, and reporting which workflow types a registry knows
// about.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/everruns/durable/internal/cliutil"
	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/engine"
	"github.com/everruns/durable/workflow/examples/greet"
	"github.com/everruns/durable/workflow/executor"
	"github.com/everruns/durable/workflow/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet("durable-admin", flag.ExitOnError)
	storeFlags := cliutil.RegisterFlags(fs)
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	s, closeStore, err := cliutil.Open(ctx, storeFlags)
	if err != nil {
		fatal(ctx, err)
	}
	defer closeStore()

	registry := workflow.NewRegistry()
	greet.RegisterWorkflow(registry)
	ex := executor.New(registry, s, nil)
	eng := engine.New(s, ex, nil)

	cmd := os.Args[1]
	args := fs.Args()
	switch cmd {
	case "workflow":
		runWorkflowCmd(ctx, eng, args)
	case "dlq":
		runDLQCmd(ctx, s, args)
	case "registry":
		runRegistryCmd(registry)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: durable-admin <command> [flags] [args]

commands:
  workflow get <id>
  workflow cancel <id>
  workflow signal <id> <name> [json-payload]
  dlq list
  dlq requeue <id>
  registry list`)
}

func runWorkflowCmd(ctx context.Context, eng *engine.Engine, args []string) {
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	workflowID, err := uuid.Parse(args[1])
	if err != nil {
		fatal(ctx, fmt.Errorf("invalid workflow id %q: %w", args[1], err))
	}

	switch args[0] {
	case "get":
		info, err := eng.GetWorkflowInfo(ctx, workflowID)
		if err != nil {
			fatal(ctx, err)
		}
		printWorkflowInfo(info)
	case "cancel":
		if err := eng.CancelWorkflow(ctx, workflowID); err != nil {
			fatal(ctx, err)
		}
		fmt.Println("cancelled:", workflowID)
	case "signal":
		if len(args) < 3 {
			usage()
			os.Exit(2)
		}
		signalName := args[2]
		var payload json.RawMessage = []byte("null")
		if len(args) >= 4 {
			payload = json.RawMessage(args[3])
		}
		if err := eng.SignalWorkflow(ctx, workflowID, signalName, payload); err != nil {
			fatal(ctx, err)
		}
		fmt.Println("signalled:", workflowID, signalName)
	default:
		usage()
		os.Exit(2)
	}
}

func runDLQCmd(ctx context.Context, s store.Store, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	switch args[0] {
	case "list":
		entries, err := s.ListDLQ(ctx, store.DlqFilter{}, store.DefaultPagination())
		if err != nil {
			fatal(ctx, err)
		}
		for _, e := range entries {
			fmt.Printf("%s  workflow=%s  activity=%s  attempts=%d  error=%q\n",
				e.ID, e.WorkflowID, e.ActivityType, e.Attempts, e.LastError)
		}
		if len(entries) == 0 {
			fmt.Println("dead-letter queue is empty")
		}
	case "requeue":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		dlqID, err := uuid.Parse(args[1])
		if err != nil {
			fatal(ctx, fmt.Errorf("invalid dlq id %q: %w", args[1], err))
		}
		taskID, err := s.RequeueFromDLQ(ctx, dlqID)
		if err != nil {
			fatal(ctx, err)
		}
		fmt.Println("requeued as task:", taskID)
	default:
		usage()
		os.Exit(2)
	}
}

func runRegistryCmd(registry *workflow.Registry) {
	fmt.Println("registered workflow types:", registry.Len())
	for _, t := range registry.Types() {
		fmt.Println(" -", t)
	}
}

func printWorkflowInfo(info store.WorkflowInfo) {
	fmt.Println("id:", info.ID)
	fmt.Println("type:", info.WorkflowType)
	fmt.Println("status:", info.Status)
	if len(info.Result) > 0 {
		fmt.Println("result:", string(info.Result))
	}
	if info.Err != nil {
		fmt.Println("error:", info.Err.Error())
	}
}

func fatal(ctx context.Context, err error) {
	log.Error(ctx, err, log.KV{K: "msg", V: "durable-admin failed"})
	os.Exit(1)
}
