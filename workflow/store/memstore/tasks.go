package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow/retry"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

func (s *Store) EnqueueTask(ctx context.Context, task store.TaskDefinition) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	now := s.now()
	s.tasks[id] = &taskRecord{
		id:           id,
		workflowID:   task.WorkflowID,
		activityID:   task.ActivityID,
		activityType: task.ActivityType,
		input:        task.Input,
		options:      task.Options,
		status:       store.TaskPending,
		attempt:      1,
		maxAttempts:  task.Options.MaxAttempts,
		scheduledAt:  now,
		availableAt:  now,
	}
	return id, nil
}

// ClaimTask atomically selects up to maxTasks Pending tasks whose
// ActivityType is in the requested set and whose availableAt has passed,
// marking them Claimed. The single store-wide mutex gives the same
// exclusive-claim guarantee SELECT ... FOR UPDATE SKIP LOCKED gives a
// relational implementation.
func (s *Store) ClaimTask(ctx context.Context, workerID string, activityTypes []string, maxTasks int) ([]store.ClaimedTask, error) {
	wanted := make(map[string]struct{}, len(activityTypes))
	for _, t := range activityTypes {
		wanted[t] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var claimed []store.ClaimedTask
	for _, t := range s.tasks {
		if len(claimed) >= maxTasks {
			break
		}
		if t.status != store.TaskPending {
			continue
		}
		if _, ok := wanted[t.activityType]; !ok {
			continue
		}
		if t.availableAt.After(now) {
			continue
		}
		t.status = store.TaskClaimed
		wid := workerID
		t.claimedBy = &wid
		t.claimedAt = &now
		t.lastHeartbeatAt = &now
		claimed = append(claimed, store.ClaimedTask{
			ID:           t.id,
			WorkflowID:   t.workflowID,
			ActivityID:   t.activityID,
			ActivityType: t.activityType,
			Input:        t.input,
			Options:      t.options,
			Attempt:      t.attempt,
			MaxAttempts:  t.maxAttempts,
			ScheduledAt:  t.scheduledAt,
			StartedAt:    t.claimedAt,
		})
	}
	return claimed, nil
}

func (s *Store) HeartbeatTask(ctx context.Context, taskID uuid.UUID, workerID string, details []byte) (store.HeartbeatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.HeartbeatResponse{}, werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
	}
	if t.status != store.TaskClaimed || t.claimedBy == nil || *t.claimedBy != workerID {
		return store.HeartbeatResponse{Accepted: false}, nil
	}
	now := s.now()
	t.lastHeartbeatAt = &now
	return store.HeartbeatResponse{Accepted: true, ShouldCancel: t.cancelRequested}, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID uuid.UUID, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
	}
	t.status = store.TaskCompleted
	return nil
}

// FailTask consults the task's retry policy and returns WillRetry,
// MovedToDlq, or ExhaustedRetries. Per SPEC_FULL.md's resolved open
// question, a reclaimed task's attempt counter is untouched by
// ReclaimStaleTasks — only FailTask increments it. Per spec.md §4.5 and
// §7, errKind is checked against the task's NonRetryableErrors set before
// attempt count: a non-retryable kind dead-letters the task immediately
// regardless of attempts remaining.
func (s *Store) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, errKind string) (store.TaskFailureOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
	}
	t.errorHistory = append(t.errorHistory, errMsg)

	if t.cancelRequested {
		t.status = store.TaskCancelled
		return store.ExhaustedRetries{}, nil
	}

	policy := retry.FromActivityOptions(t.options)

	if !policy.ShouldRetry(errKind) {
		return s.deadLetterLocked(t, errMsg), nil
	}

	nextAttempt := t.attempt + 1
	if nextAttempt <= policy.MaxAttempts || policy.MaxAttempts == 0 {
		delay := policy.DelayForAttempt(nextAttempt)
		t.attempt = nextAttempt
		t.status = store.TaskPending
		t.availableAt = s.now().Add(delay)
		t.claimedBy = nil
		t.claimedAt = nil
		t.lastHeartbeatAt = nil
		return store.WillRetry{NextAttempt: nextAttempt, Delay: delay}, nil
	}

	return s.deadLetterLocked(t, errMsg), nil
}

// deadLetterLocked moves t to the DLQ. Callers must hold s.mu.
func (s *Store) deadLetterLocked(t *taskRecord, lastErr string) store.TaskFailureOutcome {
	t.status = store.TaskDead
	history := make([]string, len(t.errorHistory))
	copy(history, t.errorHistory)
	s.dlq[t.id] = &store.DlqEntry{
		ID:             uuid.New(),
		OriginalTaskID: t.id,
		WorkflowID:     t.workflowID,
		ActivityID:     t.activityID,
		ActivityType:   t.activityType,
		Input:          t.input,
		Attempts:       t.attempt,
		LastError:      lastErr,
		ErrorHistory:   history,
		DeadAt:         s.now(),
	}
	return store.MovedToDlq{}
}

// ReclaimStaleTasks moves every Claimed task whose last heartbeat predates
// staleThreshold back to Pending, leaving attempt unchanged — see
// DESIGN.md, Resolved Open Question 1.
func (s *Store) ReclaimStaleTasks(ctx context.Context, staleThreshold time.Duration) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var reclaimed []uuid.UUID
	for _, t := range s.tasks {
		if t.status != store.TaskClaimed {
			continue
		}
		if t.lastHeartbeatAt == nil {
			continue
		}
		if now.Sub(*t.lastHeartbeatAt) < staleThreshold {
			continue
		}
		t.status = store.TaskPending
		t.claimedBy = nil
		t.claimedAt = nil
		t.lastHeartbeatAt = nil
		t.availableAt = now
		reclaimed = append(reclaimed, t.id)
	}
	return reclaimed, nil
}

// CancelWorkflowTasks implements store.Store's cancellation fan-out: Pending
// tasks have no worker watching them and are cancelled outright; Claimed
// tasks are left running but flagged so their worker notices on its next
// heartbeat.
func (s *Store) CancelWorkflowTasks(ctx context.Context, workflowID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.workflowID != workflowID {
			continue
		}
		switch t.status {
		case store.TaskPending:
			t.status = store.TaskCancelled
		case store.TaskClaimed:
			t.cancelRequested = true
		}
	}
	return nil
}

func errTaskNotFound(id uuid.UUID) error { return &taskNotFoundError{id: id} }

type taskNotFoundError struct{ id uuid.UUID }

func (e *taskNotFoundError) Error() string { return "task not found: " + e.id.String() }
