// Package bench implements the load-test harness used to characterize
// engine throughput and latency under concurrent synthetic workflow
// traffic: schedule_to_start and end-to-end workflow latency, plus
// sustained workflow completion throughput across a worker pool. Activity
// execution latency is not measured.
package bench

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/everruns/durable/workflow"
)

// ScenarioConfig describes one load-test run.
type ScenarioConfig struct {
	// Name identifies the scenario in reported results.
	Name string
	// Workers is the number of concurrent submitters/claimers.
	Workers int
	// TotalTasks is the number of workflow submissions the scenario
	// drives to completion.
	TotalTasks int
	// Warmup is run and discarded before the timed main phase.
	Warmup time.Duration
	// MaxDuration bounds the main phase regardless of TotalTasks.
	MaxDuration time.Duration
	// SampleInterval is carried with the scenario but not read: Runner
	// does not sample resource usage.
	SampleInterval time.Duration
	// TargetRate caps submissions per second; zero means unthrottled.
	TargetRate float64
}

// DefaultScenarioConfig mirrors the defaults used for an unthrottled
// max-throughput run.
func DefaultScenarioConfig(name string) ScenarioConfig {
	return ScenarioConfig{
		Name:           name,
		Workers:        10,
		TotalTasks:     10_000,
		Warmup:         time.Second,
		MaxDuration:    60 * time.Second,
		SampleInterval: 100 * time.Millisecond,
	}
}

// BenchWorkflowType is the synthetic workflow type registered for load
// tests: it schedules one bench activity and completes on its result.
const BenchWorkflowType = "bench_echo"

// BenchActivityType is the activity BenchWorkflowType schedules.
const BenchActivityType = "bench_activity"

// ActivityDurationClass buckets the simulated activity latencies a bench
// activity draws from, modeling a realistic mix of fast and slow work
// rather than a single fixed sleep.
type ActivityDurationClass int

const (
	// DurationFast covers the bulk of traffic: 100-200ms.
	DurationFast ActivityDurationClass = iota
	// DurationMedium covers slower calls: 1-10s.
	DurationMedium
	// DurationSlow covers rare, expensive calls: 10-30s.
	DurationSlow
	// DurationVeryLong covers the long tail: 30s-2min.
	DurationVeryLong
)

// SampleActivityDuration draws a duration from the weighted distribution
// 60% fast / 30% medium / 9% slow / 1% very-long, approximating the mix of
// fast and slow activity calls a production workload sees.
func SampleActivityDuration(rng *rand.Rand) time.Duration {
	r := rng.Float64()
	var class ActivityDurationClass
	switch {
	case r < 0.60:
		class = DurationFast
	case r < 0.90:
		class = DurationMedium
	case r < 0.99:
		class = DurationSlow
	default:
		class = DurationVeryLong
	}
	return randomDurationInClass(rng, class)
}

func randomDurationInClass(rng *rand.Rand, class ActivityDurationClass) time.Duration {
	var minMS, maxMS int64
	switch class {
	case DurationFast:
		minMS, maxMS = 100, 200
	case DurationMedium:
		minMS, maxMS = 1000, 10_000
	case DurationSlow:
		minMS, maxMS = 10_000, 30_000
	default:
		minMS, maxMS = 30_000, 120_000
	}
	ms := minMS + rng.Int63n(maxMS-minMS)
	return time.Duration(ms) * time.Millisecond
}

type benchInput struct {
	Seed int64 `json:"seed"`
}

type benchOutput struct {
	OK bool `json:"ok"`
}

// benchWorkflow is the OnStart/OnActivityCompleted state machine driving
// one synthetic submission: schedule a single bench activity, complete
// when it reports back.
type benchWorkflow struct {
	input     benchInput
	completed bool
	result    benchOutput
	err       error
}

func newBenchWorkflow(input benchInput) *benchWorkflow { return &benchWorkflow{input: input} }

func (w *benchWorkflow) Type() string { return BenchWorkflowType }

func (w *benchWorkflow) OnStart() []workflow.Action {
	input, _ := json.Marshal(benchInput{Seed: w.input.Seed})
	return []workflow.Action{
		workflow.NewScheduleActivity("bench-activity", BenchActivityType, input, workflow.ActivityOptions{MaxAttempts: 1}),
	}
}

func (w *benchWorkflow) OnActivityCompleted(activityID string, result json.RawMessage) []workflow.Action {
	w.completed = true
	w.result = benchOutput{OK: true}
	payload, _ := json.Marshal(w.result)
	return []workflow.Action{workflow.NewComplete(payload)}
}

func (w *benchWorkflow) OnActivityFailed(activityID string, err *workflow.ActivityError) []workflow.Action {
	w.err = err
	return []workflow.Action{workflow.NewFail(err.Message)}
}

func (w *benchWorkflow) OnTimerFired(timerID string) []workflow.Action   { return nil }
func (w *benchWorkflow) OnSignal(sig *workflow.Signal) []workflow.Action { return nil }

func (w *benchWorkflow) IsCompleted() bool { return w.completed || w.err != nil }

func (w *benchWorkflow) Result() (benchOutput, bool) { return w.result, w.completed }

func (w *benchWorkflow) Err() error { return w.err }

// RegisterWorkflow adds BenchWorkflowType to r, for use by both the
// benchmark runner and cmd/durable-bench.
func RegisterWorkflow(r *workflow.Registry) {
	workflow.Register[benchInput, benchOutput](r, BenchWorkflowType, newBenchWorkflow)
}

// Activity is the bench_activity implementation: it sleeps for a duration
// sampled from SampleActivityDuration to simulate realistic activity work,
// honoring ctx cancellation.
func Activity(rng *rand.Rand) workflow.ActivityFunc {
	return func(ctx context.Context, tc *workflow.TaskContext, input json.RawMessage) (json.RawMessage, error) {
		d := SampleActivityDuration(rng)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.Marshal(benchOutput{OK: true})
	}
}
