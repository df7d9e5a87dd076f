package memstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

// SendSignal appends sig to workflowID's pending signal queue. Per
// DESIGN.md's Resolved Open Question 2, a signal to a workflow that is not
// Running is rejected with ErrWorkflowNotRunning rather than silently
// queued, since a completed or failed workflow will never again run its
// OnSignal handler to consume it.
func (s *Store) SendSignal(ctx context.Context, workflowID uuid.UUID, sig workflow.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	if wf.status != store.WorkflowRunning {
		return werrors.New(werrors.KindWorkflowNotRunning, "workflow "+workflowID.String()+" is not running")
	}
	wf.signals = append(wf.signals, sig)
	return nil
}

func (s *Store) GetPendingSignals(ctx context.Context, workflowID uuid.UUID) ([]workflow.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	out := make([]workflow.Signal, len(wf.signals))
	copy(out, wf.signals)
	return out, nil
}

// ListPendingSignalWorkflows returns the ID of every Running workflow that
// currently has at least one undelivered signal queued.
func (s *Store) ListPendingSignalWorkflows(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for workflowID, wf := range s.workflows {
		if wf.status != store.WorkflowRunning {
			continue
		}
		if len(wf.signals) > 0 {
			ids = append(ids, workflowID)
		}
	}
	return ids, nil
}

// MarkSignalsProcessed drops the first count signals from the pending
// queue, matching the order GetPendingSignals returned them in.
func (s *Store) MarkSignalsProcessed(ctx context.Context, workflowID uuid.UUID, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	if count >= len(wf.signals) {
		wf.signals = nil
		return nil
	}
	wf.signals = wf.signals[count:]
	return nil
}
