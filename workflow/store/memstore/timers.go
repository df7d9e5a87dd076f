package memstore

import (
	"context"
	"time"

	"github.com/everruns/durable/workflow/store"
)

// ListDueTimers returns every scheduled-but-not-fired timer, across every
// workflow, whose fire_at is at or before before. Callers are expected to
// deliver each as a TimerFiredTrigger; the timer drops out of this list as
// soon as the resulting TimerFired event is appended.
func (s *Store) ListDueTimers(ctx context.Context, before time.Time) ([]store.TimerDue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []store.TimerDue
	for workflowID, wf := range s.workflows {
		if wf.status != store.WorkflowRunning {
			continue
		}
		for timerID, fireAt := range wf.pendingTimers {
			if fireAt.After(before) {
				continue
			}
			due = append(due, store.TimerDue{WorkflowID: workflowID, TimerID: timerID, FireAt: fireAt})
		}
	}
	return due, nil
}
