package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/retry"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

func (s *Store) EnqueueTask(ctx context.Context, task store.TaskDefinition) (uuid.UUID, error) {
	id := uuid.New()
	options, err := json.Marshal(task.Options)
	if err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindSerialization, err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, workflow_id, activity_id, activity_type, input, options,
			status, attempt, max_attempts, scheduled_at, available_at, error_history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '[]')`,
		id, task.WorkflowID, task.ActivityID, task.ActivityType, task.Input, options,
		store.TaskPending, 1, task.Options.MaxAttempts, now, now)
	if err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	return id, nil
}

// ClaimTask uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent claimers
// across processes never contend for the same row, matching SPEC_FULL.md's
// relational-store requirement verbatim.
func (s *Store) ClaimTask(ctx context.Context, workerID string, activityTypes []string, maxTasks int) ([]store.ClaimedTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM tasks
		WHERE status = $1 AND activity_type = ANY($2) AND available_at <= now()
		ORDER BY scheduled_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		store.TaskPending, activityTypes, maxTasks)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	var claimed []store.ClaimedTask
	for _, id := range ids {
		var t store.ClaimedTask
		var optionsRaw []byte
		err := tx.QueryRow(ctx, `
			UPDATE tasks SET status = $1, claimed_by = $2, claimed_at = $3, last_heartbeat_at = $3
			WHERE id = $4
			RETURNING workflow_id, activity_id, activity_type, input, options, attempt, max_attempts, scheduled_at`,
			store.TaskClaimed, workerID, now, id,
		).Scan(&t.WorkflowID, &t.ActivityID, &t.ActivityType, &t.Input, &optionsRaw, &t.Attempt, &t.MaxAttempts, &t.ScheduledAt)
		if err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		if err := json.Unmarshal(optionsRaw, &t.Options); err != nil {
			return nil, werrors.Wrap(werrors.KindSerialization, err)
		}
		t.ID = id
		started := now
		t.StartedAt = &started
		claimed = append(claimed, t)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	return claimed, nil
}

func (s *Store) HeartbeatTask(ctx context.Context, taskID uuid.UUID, workerID string, details []byte) (store.HeartbeatResponse, error) {
	var status store.TaskStatus
	var claimedBy *string
	var cancelRequested bool
	row := s.pool.QueryRow(ctx, `SELECT status, claimed_by, cancel_requested FROM tasks WHERE id = $1`, taskID)
	if err := row.Scan(&status, &claimedBy, &cancelRequested); err != nil {
		if err == pgx.ErrNoRows {
			return store.HeartbeatResponse{}, werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
		}
		return store.HeartbeatResponse{}, werrors.Wrap(werrors.KindDatabase, err)
	}
	if status != store.TaskClaimed || claimedBy == nil || *claimedBy != workerID {
		return store.HeartbeatResponse{Accepted: false}, nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE tasks SET last_heartbeat_at = now() WHERE id = $1`, taskID); err != nil {
		return store.HeartbeatResponse{}, werrors.Wrap(werrors.KindDatabase, err)
	}
	return store.HeartbeatResponse{Accepted: true, ShouldCancel: cancelRequested}, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID uuid.UUID, result []byte) error {
	ct, err := s.pool.Exec(ctx, `UPDATE tasks SET status = $1 WHERE id = $2`, store.TaskCompleted, taskID)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	if ct.RowsAffected() == 0 {
		return werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
	}
	return nil
}

// FailTask mirrors memstore's retry/non-retryable/DLQ decision inside one
// transaction: the task row is locked for the duration of the decision so
// a concurrent heartbeat or reclaim cannot race it.
func (s *Store) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, errKind string) (store.TaskFailureOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer tx.Rollback(ctx)

	var activityID, activityType string
	var input, optionsRaw, historyRaw []byte
	var attempt int
	var cancelRequested bool
	var wid uuid.UUID
	row := tx.QueryRow(ctx, `
		SELECT workflow_id, activity_id, activity_type, input, options, attempt, error_history, cancel_requested
		FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	if err := row.Scan(&wid, &activityID, &activityType, &input, &optionsRaw, &attempt, &historyRaw, &cancelRequested); err != nil {
		if err == pgx.ErrNoRows {
			return nil, werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
		}
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}

	var history []string
	_ = json.Unmarshal(historyRaw, &history)
	history = append(history, errMsg)
	newHistoryRaw, _ := json.Marshal(history)

	if cancelRequested {
		if _, err := tx.Exec(ctx, `UPDATE tasks SET status = $1, error_history = $2 WHERE id = $3`,
			store.TaskCancelled, newHistoryRaw, taskID); err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		return store.ExhaustedRetries{}, tx.Commit(ctx)
	}

	var opts workflow.ActivityOptions
	_ = json.Unmarshal(optionsRaw, &opts)
	policy := retry.FromActivityOptions(opts)

	if !policy.ShouldRetry(errKind) {
		outcome, err := s.deadLetter(ctx, tx, taskID, wid, activityID, activityType, input, uint32(attempt), errMsg, history)
		if err != nil {
			return nil, err
		}
		return outcome, tx.Commit(ctx)
	}

	nextAttempt := uint32(attempt) + 1
	if nextAttempt <= policy.MaxAttempts || policy.MaxAttempts == 0 {
		delay := policy.DelayForAttempt(nextAttempt)
		availableAt := time.Now().UTC().Add(delay)
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET status = $1, attempt = $2, available_at = $3,
				claimed_by = NULL, claimed_at = NULL, last_heartbeat_at = NULL, error_history = $4
			WHERE id = $5`,
			store.TaskPending, nextAttempt, availableAt, newHistoryRaw, taskID); err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		return store.WillRetry{NextAttempt: nextAttempt, Delay: delay}, nil
	}

	outcome, err := s.deadLetter(ctx, tx, taskID, wid, activityID, activityType, input, uint32(attempt), errMsg, history)
	if err != nil {
		return nil, err
	}
	return outcome, tx.Commit(ctx)
}

func (s *Store) deadLetter(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, workflowID uuid.UUID, activityID, activityType string, input []byte, attempts uint32, lastErr string, history []string) (store.TaskFailureOutcome, error) {
	if _, err := tx.Exec(ctx, `UPDATE tasks SET status = $1 WHERE id = $2`, store.TaskDead, taskID); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	historyRaw, _ := json.Marshal(history)
	_, err := tx.Exec(ctx, `
		INSERT INTO dlq_entries (id, original_task_id, workflow_id, activity_id, activity_type, input, attempts, last_error, error_history, dead_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		uuid.New(), taskID, workflowID, activityID, activityType, input, attempts, lastErr, historyRaw)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	return store.MovedToDlq{}, nil
}

func (s *Store) ReclaimStaleTasks(ctx context.Context, staleThreshold time.Duration) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE tasks SET status = $1, claimed_by = NULL, claimed_at = NULL, last_heartbeat_at = NULL, available_at = now()
		WHERE status = $2 AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < now() - $3::interval
		RETURNING id`,
		store.TaskPending, store.TaskClaimed, staleThreshold.String())
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CancelWorkflowTasks(ctx context.Context, workflowID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `UPDATE tasks SET status = $1 WHERE workflow_id = $2 AND status = $3`,
		store.TaskCancelled, workflowID, store.TaskPending); err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE tasks SET cancel_requested = TRUE WHERE workflow_id = $1 AND status = $2`,
		workflowID, store.TaskClaimed); err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return tx.Commit(ctx)
}

func errTaskNotFound(id uuid.UUID) error { return &taskNotFoundError{id: id} }

type taskNotFoundError struct{ id uuid.UUID }

func (e *taskNotFoundError) Error() string { return "task not found: " + e.id.String() }
