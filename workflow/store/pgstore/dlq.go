package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

// MoveToDLQ dead-letters taskID directly, bypassing the retry policy —
// used for administrative force-fail rather than FailTask's normal
// exhausted-retries path.
func (s *Store) MoveToDLQ(ctx context.Context, taskID uuid.UUID, errorHistory []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	defer tx.Rollback(ctx)

	var wid uuid.UUID
	var activityID, activityType string
	var input []byte
	var attempt int
	row := tx.QueryRow(ctx, `
		SELECT workflow_id, activity_id, activity_type, input, attempt
		FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	if err := row.Scan(&wid, &activityID, &activityType, &input, &attempt); err != nil {
		if err == pgx.ErrNoRows {
			return werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
		}
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	lastErr := ""
	if len(errorHistory) > 0 {
		lastErr = errorHistory[len(errorHistory)-1]
	}
	if _, err := s.deadLetter(ctx, tx, taskID, wid, activityID, activityType, input, uint32(attempt), lastErr, errorHistory); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RequeueFromDLQ creates a fresh Pending task from a dead-lettered entry,
// starting its attempt counter over at 1 — a requeue is an operator
// decision to give the activity a clean run rather than resume a dying one.
func (s *Store) RequeueFromDLQ(ctx context.Context, dlqID uuid.UUID) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer tx.Rollback(ctx)

	var originalTaskID, workflowID uuid.UUID
	var activityID, activityType string
	var input []byte
	row := tx.QueryRow(ctx, `
		SELECT original_task_id, workflow_id, activity_id, activity_type, input
		FROM dlq_entries WHERE id = $1`, dlqID)
	if err := row.Scan(&originalTaskID, &workflowID, &activityID, &activityType, &input); err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, werrors.New(werrors.KindTaskNotFound, "dlq entry not found: "+dlqID.String())
		}
		return uuid.Nil, werrors.Wrap(werrors.KindDatabase, err)
	}

	var optionsRaw []byte
	var opts workflow.ActivityOptions
	if err := tx.QueryRow(ctx, `SELECT options FROM tasks WHERE id = $1`, originalTaskID).Scan(&optionsRaw); err == nil {
		_ = json.Unmarshal(optionsRaw, &opts)
	}

	id := uuid.New()
	now := time.Now().UTC()
	optsMarshalled, err := json.Marshal(opts)
	if err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindSerialization, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, workflow_id, activity_id, activity_type, input, options,
			status, attempt, max_attempts, scheduled_at, available_at, error_history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '[]')`,
		id, workflowID, activityID, activityType, input, optsMarshalled,
		store.TaskPending, 1, opts.MaxAttempts, now, now)
	if err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM dlq_entries WHERE id = $1`, dlqID); err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	return id, tx.Commit(ctx)
}

func (s *Store) ListDLQ(ctx context.Context, filter store.DlqFilter, page store.Pagination) ([]store.DlqEntry, error) {
	query := `
		SELECT id, original_task_id, workflow_id, activity_id, activity_type, input, attempts, last_error, error_history, dead_at
		FROM dlq_entries WHERE 1=1`
	var args []any
	if filter.WorkflowID != nil {
		args = append(args, *filter.WorkflowID)
		query += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}
	if filter.ActivityType != nil {
		args = append(args, *filter.ActivityType)
		query += fmt.Sprintf(" AND activity_type = $%d", len(args))
	}
	query += " ORDER BY dead_at ASC"
	if page.Limit > 0 {
		args = append(args, int(page.Limit))
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, int(page.Offset))
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer rows.Close()

	var out []store.DlqEntry
	for rows.Next() {
		var e store.DlqEntry
		var historyRaw []byte
		if err := rows.Scan(&e.ID, &e.OriginalTaskID, &e.WorkflowID, &e.ActivityID, &e.ActivityType,
			&e.Input, &e.Attempts, &e.LastError, &historyRaw, &e.DeadAt); err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		_ = json.Unmarshal(historyRaw, &e.ErrorHistory)
		out = append(out, e)
	}
	return out, rows.Err()
}
