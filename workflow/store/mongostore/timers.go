package mongostore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

// ListDueTimers has no dedicated timer collection, mirroring pgstore: a due
// timer is a timer_scheduled event on a running workflow with no matching
// timer_fired event for the same timer_id. Mongo has no convenient
// correlated-subquery equivalent to pgstore's NOT EXISTS, so this loads
// every fired timer_id per workflow first and filters scheduled timers
// against that set in Go.
func (s *Store) ListDueTimers(ctx context.Context, before time.Time) ([]store.TimerDue, error) {
	runningIDs, err := s.runningWorkflowIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(runningIDs) == 0 {
		return nil, nil
	}

	fired, err := s.firedTimerIDs(ctx, runningIDs)
	if err != nil {
		return nil, err
	}

	cursor, err := s.events.Find(ctx, bson.M{
		"workflow_id": bson.M{"$in": runningIDs},
		"kind":        string(workflow.EventTimerScheduled),
	})
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer cursor.Close(ctx)

	var docs []eventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}

	var due []store.TimerDue
	for _, d := range docs {
		var payload struct {
			TimerID string    `json:"timer_id"`
			FireAt  time.Time `json:"fire_at"`
		}
		if err := json.Unmarshal(d.Payload, &payload); err != nil {
			continue
		}
		if fired[d.WorkflowID][payload.TimerID] {
			continue
		}
		if payload.FireAt.After(before) {
			continue
		}
		workflowID, err := uuid.Parse(d.WorkflowID)
		if err != nil {
			continue
		}
		due = append(due, store.TimerDue{WorkflowID: workflowID, TimerID: payload.TimerID, FireAt: payload.FireAt})
	}
	return due, nil
}

func (s *Store) runningWorkflowIDs(ctx context.Context) ([]string, error) {
	cursor, err := s.workflows.Find(ctx, bson.M{"status": string(store.WorkflowRunning)})
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer cursor.Close(ctx)
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (s *Store) firedTimerIDs(ctx context.Context, workflowIDs []string) (map[string]map[string]bool, error) {
	cursor, err := s.events.Find(ctx, bson.M{
		"workflow_id": bson.M{"$in": workflowIDs},
		"kind":        string(workflow.EventTimerFired),
	})
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer cursor.Close(ctx)
	var docs []eventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	fired := make(map[string]map[string]bool)
	for _, d := range docs {
		var payload struct {
			TimerID string `json:"timer_id"`
		}
		if err := json.Unmarshal(d.Payload, &payload); err != nil {
			continue
		}
		if fired[d.WorkflowID] == nil {
			fired[d.WorkflowID] = make(map[string]bool)
		}
		fired[d.WorkflowID][payload.TimerID] = true
	}
	return fired, nil
}
