// Package memstore is an in-memory Store implementation backed by a single
// mutex-protected critical section, matching the original's own in-memory
// simulation of SKIP LOCKED semantics: concurrent claims serialize through
// one lock rather than per-row locking.
package memstore

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/store"
)

type workflowRecord struct {
	id              uuid.UUID
	workflowType    string
	status          store.WorkflowStatus
	input           []byte
	result          []byte
	errMsg          string
	currentSequence int
	events          []workflow.Event
	trace           *store.TraceContext
	signals         []workflow.Signal
	// pendingTimers holds timer_id -> fire_at for every ScheduleTimer action
	// appended via AppendEvents that has no matching TimerFired event yet.
	pendingTimers map[string]time.Time
}

type taskRecord struct {
	id              uuid.UUID
	workflowID      uuid.UUID
	activityID      string
	activityType    string
	input           []byte
	options         workflow.ActivityOptions
	status          store.TaskStatus
	attempt         uint32
	maxAttempts     uint32
	claimedBy       *string
	claimedAt       *time.Time
	lastHeartbeatAt *time.Time
	scheduledAt     time.Time
	availableAt     time.Time
	errorHistory    []string
	cancelRequested bool
}

// Store is an in-memory implementation of store.Store, suitable for tests
// and single-process embedding.
type Store struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*workflowRecord
	tasks     map[uuid.UUID]*taskRecord
	dlq       map[uuid.UUID]*store.DlqEntry
	workers   map[string]*store.WorkerInfo
	breakers  map[string]*store.CircuitBreakerState
	now       func() time.Time
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		workflows: make(map[uuid.UUID]*workflowRecord),
		tasks:     make(map[uuid.UUID]*taskRecord),
		dlq:       make(map[uuid.UUID]*store.DlqEntry),
		workers:   make(map[string]*store.WorkerInfo),
		breakers:  make(map[string]*store.CircuitBreakerState),
		now:       time.Now,
	}
}

var _ store.Store = (*Store)(nil)
