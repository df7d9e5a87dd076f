package workflow

import (
	"encoding/json"
	"time"
)

// EventKind names the kind of a WorkflowEvent. The set is fixed; the
// executor and every workflow handler switch on it when replaying.
type EventKind string

const (
	EventWorkflowStarted   EventKind = "workflow_started"
	EventActivityScheduled EventKind = "activity_scheduled"
	EventActivityCompleted EventKind = "activity_completed"
	EventActivityFailed    EventKind = "activity_failed"
	EventTimerScheduled    EventKind = "timer_scheduled"
	EventTimerFired        EventKind = "timer_fired"
	EventSignalReceived    EventKind = "signal_received"
	EventWorkflowCompleted EventKind = "workflow_completed"
	EventWorkflowFailed    EventKind = "workflow_failed"
	EventWorkflowCancelled EventKind = "workflow_cancelled"
)

// Event is one append-only record in a workflow's history. Sequence is
// assigned by the store and is gapless starting at 1 for a given workflow.
type Event struct {
	WorkflowID string          `json:"workflow_id"`
	Sequence   int             `json:"sequence"`
	Kind       EventKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ActivityOptions configures one scheduled activity: its retry policy,
// timeouts, and heartbeat cadence. Concrete field types live in the retry
// and timeout packages; this struct is serialized as part of
// ActivityScheduled events and task rows, so it is plain JSON-friendly data.
type ActivityOptions struct {
	MaxAttempts        uint32            `json:"max_attempts"`
	InitialIntervalMs  int64             `json:"initial_interval_ms"`
	MaxIntervalMs      int64             `json:"max_interval_ms"`
	BackoffCoefficient float64           `json:"backoff_coefficient"`
	Jitter             float64           `json:"jitter"`
	NonRetryableErrors []string          `json:"non_retryable_errors,omitempty"`
	ScheduleToStartMs  int64             `json:"schedule_to_start_ms"`
	StartToCloseMs     int64             `json:"start_to_close_ms"`
	HeartbeatMs        int64             `json:"heartbeat_ms,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

// Signal is an out-of-band message delivered to a running workflow.
// Signals are consumed in arrival order and processed flips exactly once
// from false to true.
type Signal struct {
	WorkflowID string          `json:"workflow_id"`
	Name       string          `json:"signal_name"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
	Processed  bool            `json:"processed"`
}
