package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

// ListDueTimers has no dedicated timer table: a scheduled-but-unfired timer
// is exactly a timer_scheduled event on a running workflow with no
// matching timer_fired event for the same timer_id. This mirrors
// memstore's pendingTimers bookkeeping as a query instead of an in-memory
// map, since pgstore has no equivalent per-process cache to maintain.
func (s *Store) ListDueTimers(ctx context.Context, before time.Time) ([]store.TimerDue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.workflow_id, e.payload
		FROM events e
		JOIN workflows w ON w.id = e.workflow_id
		WHERE e.kind = $1 AND w.status = $2
		AND NOT EXISTS (
			SELECT 1 FROM events f
			WHERE f.workflow_id = e.workflow_id AND f.kind = $3
			AND f.payload ->> 'timer_id' = e.payload ->> 'timer_id'
		)`,
		workflow.EventTimerScheduled, store.WorkflowRunning, workflow.EventTimerFired)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer rows.Close()

	var due []store.TimerDue
	for rows.Next() {
		var workflowID uuid.UUID
		var payloadRaw []byte
		if err := rows.Scan(&workflowID, &payloadRaw); err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		var payload struct {
			TimerID string    `json:"timer_id"`
			FireAt  time.Time `json:"fire_at"`
		}
		if err := json.Unmarshal(payloadRaw, &payload); err != nil {
			continue
		}
		if payload.FireAt.After(before) {
			continue
		}
		due = append(due, store.TimerDue{WorkflowID: workflowID, TimerID: payload.TimerID, FireAt: payload.FireAt})
	}
	return due, rows.Err()
}
