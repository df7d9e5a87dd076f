package memstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

func (s *Store) CreateWorkflow(ctx context.Context, workflowID uuid.UUID, workflowType string, input []byte, trace *store.TraceContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[workflowID] = &workflowRecord{
		id:            workflowID,
		workflowType:  workflowType,
		status:        store.WorkflowPending,
		input:         input,
		trace:         trace,
		pendingTimers: make(map[string]time.Time),
	}
	return nil
}

func (s *Store) GetWorkflowStatus(ctx context.Context, workflowID uuid.UUID) (store.WorkflowStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return "", werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	return wf.status, nil
}

func (s *Store) GetWorkflowInfo(ctx context.Context, workflowID uuid.UUID) (store.WorkflowInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return store.WorkflowInfo{}, werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	info := store.WorkflowInfo{
		ID:           wf.id,
		WorkflowType: wf.workflowType,
		Status:       wf.status,
		Input:        wf.input,
		Result:       wf.result,
	}
	if wf.errMsg != "" {
		info.Err = werrors.New(werrors.KindActivityFailed, wf.errMsg)
	}
	return info, nil
}

// AppendEvents enforces optimistic concurrency on expectedSequence and
// assigns gapless sequence numbers to the new events, matching SPEC_FULL.md
// §6.6's atomicity requirement (callers pass the tasks to enqueue for the
// same events through EnqueueTask after this returns; memstore's single
// mutex makes the two calls appear atomic to concurrent claimers because no
// task becomes visible mid-append).
func (s *Store) AppendEvents(ctx context.Context, workflowID uuid.UUID, expectedSequence int, events []workflow.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return 0, werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	if wf.currentSequence != expectedSequence {
		return 0, &werrors.ConcurrencyConflict{Expected: expectedSequence, Actual: wf.currentSequence}
	}
	seq := wf.currentSequence
	for i := range events {
		seq++
		events[i].WorkflowID = workflowID.String()
		events[i].Sequence = seq
		wf.events = append(wf.events, events[i])
		trackTimer(wf, events[i])
	}
	wf.currentSequence = seq
	return seq, nil
}

// trackTimer maintains wf.pendingTimers from the timer lifecycle events
// passing through AppendEvents, so ListDueTimers can answer "which
// scheduled timers have not yet fired" without re-scanning full history.
func trackTimer(wf *workflowRecord, ev workflow.Event) {
	switch ev.Kind {
	case workflow.EventTimerScheduled:
		var payload struct {
			TimerID string    `json:"timer_id"`
			FireAt  time.Time `json:"fire_at"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return
		}
		if wf.pendingTimers == nil {
			wf.pendingTimers = make(map[string]time.Time)
		}
		wf.pendingTimers[payload.TimerID] = payload.FireAt
	case workflow.EventTimerFired:
		var payload struct {
			TimerID string `json:"timer_id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return
		}
		delete(wf.pendingTimers, payload.TimerID)
	}
}

func (s *Store) LoadEvents(ctx context.Context, workflowID uuid.UUID) ([]workflow.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	out := make([]workflow.Event, len(wf.events))
	copy(out, wf.events)
	return out, nil
}

func (s *Store) UpdateWorkflowStatus(ctx context.Context, workflowID uuid.UUID, status store.WorkflowStatus, result []byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	wf.status = status
	if result != nil {
		wf.result = result
	}
	if errMsg != "" {
		wf.errMsg = errMsg
	}
	return nil
}

func errWorkflowNotFound(id uuid.UUID) error {
	return &notFoundError{id: id}
}

type notFoundError struct{ id uuid.UUID }

func (e *notFoundError) Error() string { return "workflow not found: " + e.id.String() }
