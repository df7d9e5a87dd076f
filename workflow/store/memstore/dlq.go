package memstore

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

// MoveToDLQ dead-letters taskID directly, bypassing the retry policy —
// used for administrative force-fail rather than FailTask's normal
// exhausted-retries path, which writes its own store.DlqEntry inline.
func (s *Store) MoveToDLQ(ctx context.Context, taskID uuid.UUID, errorHistory []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
	}
	t.status = store.TaskDead
	lastErr := ""
	if len(errorHistory) > 0 {
		lastErr = errorHistory[len(errorHistory)-1]
	}
	s.dlq[t.id] = &store.DlqEntry{
		ID:             uuid.New(),
		OriginalTaskID: t.id,
		WorkflowID:     t.workflowID,
		ActivityID:     t.activityID,
		ActivityType:   t.activityType,
		Input:          t.input,
		Attempts:       t.attempt,
		LastError:      lastErr,
		ErrorHistory:   errorHistory,
		DeadAt:         s.now(),
	}
	return nil
}

// RequeueFromDLQ creates a fresh Pending task from a dead-lettered entry.
// Per SPEC_FULL.md §11's resolved Open Question 3, the new task's attempt counter
// starts over at 1 rather than continuing from where it died, since a
// requeue is an operator decision to give the activity a clean run.
func (s *Store) RequeueFromDLQ(ctx context.Context, dlqID uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entry *store.DlqEntry
	for _, e := range s.dlq {
		if e.ID == dlqID {
			entry = e
			break
		}
	}
	if entry == nil {
		return uuid.Nil, werrors.New(werrors.KindTaskNotFound, "dlq entry not found: "+dlqID.String())
	}

	var opts workflow.ActivityOptions
	if original, ok := s.tasks[entry.OriginalTaskID]; ok {
		opts = original.options
	}

	id := uuid.New()
	now := s.now()
	s.tasks[id] = &taskRecord{
		id:           id,
		workflowID:   entry.WorkflowID,
		activityID:   entry.ActivityID,
		activityType: entry.ActivityType,
		input:        entry.Input,
		options:      opts,
		status:       store.TaskPending,
		attempt:      1,
		maxAttempts:  opts.MaxAttempts,
		scheduledAt:  now,
		availableAt:  now,
	}
	delete(s.dlq, entry.OriginalTaskID)
	return id, nil
}

func (s *Store) ListDLQ(ctx context.Context, filter store.DlqFilter, page store.Pagination) ([]store.DlqEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []store.DlqEntry
	for _, e := range s.dlq {
		if filter.WorkflowID != nil && e.WorkflowID != *filter.WorkflowID {
			continue
		}
		if filter.ActivityType != nil && e.ActivityType != *filter.ActivityType {
			continue
		}
		matched = append(matched, *e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].DeadAt.Before(matched[j].DeadAt) })

	if int(page.Offset) >= len(matched) {
		return nil, nil
	}
	end := len(matched)
	if page.Limit > 0 && int(page.Offset)+int(page.Limit) < end {
		end = int(page.Offset) + int(page.Limit)
	}
	return matched[page.Offset:end], nil
}
