package pgstore

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

func (s *Store) CreateWorkflow(ctx context.Context, workflowID uuid.UUID, workflowType string, input []byte, trace *store.TraceContext) error {
	var traceID, spanID *string
	var traceFlags *uint8
	if trace != nil {
		traceID, spanID, traceFlags = &trace.TraceID, &trace.SpanID, &trace.TraceFlags
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflows (id, workflow_type, status, input, trace_id, span_id, trace_flags)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		workflowID, workflowType, store.WorkflowPending, input, traceID, spanID, traceFlags)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}

func (s *Store) GetWorkflowStatus(ctx context.Context, workflowID uuid.UUID) (store.WorkflowStatus, error) {
	var status store.WorkflowStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM workflows WHERE id = $1`, workflowID).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	if err != nil {
		return "", werrors.Wrap(werrors.KindDatabase, err)
	}
	return status, nil
}

func (s *Store) GetWorkflowInfo(ctx context.Context, workflowID uuid.UUID) (store.WorkflowInfo, error) {
	var info store.WorkflowInfo
	var status store.WorkflowStatus
	var result []byte
	var errMsg string
	row := s.pool.QueryRow(ctx, `
		SELECT workflow_type, status, input, result, err_msg FROM workflows WHERE id = $1`, workflowID)
	if err := row.Scan(&info.WorkflowType, &status, &info.Input, &result, &errMsg); err != nil {
		if err == pgx.ErrNoRows {
			return store.WorkflowInfo{}, werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
		}
		return store.WorkflowInfo{}, werrors.Wrap(werrors.KindDatabase, err)
	}
	info.ID = workflowID
	info.Status = status
	info.Result = result
	if errMsg != "" {
		info.Err = werrors.New(werrors.KindActivityFailed, errMsg)
	}
	return info, nil
}

// AppendEvents enforces optimistic concurrency the same way memstore does,
// but leans on PostgreSQL's row lock instead of a process-wide mutex:
// SELECT ... FOR UPDATE locks the workflow row, the locked
// current_sequence is compared with expectedSequence before any insert,
// and a concurrent transaction serializes behind that row lock.
func (s *Store) AppendEvents(ctx context.Context, workflowID uuid.UUID, expectedSequence int, events []workflow.Event) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer tx.Rollback(ctx)

	var actual int
	err = tx.QueryRow(ctx, `SELECT current_sequence FROM workflows WHERE id = $1 FOR UPDATE`, workflowID).Scan(&actual)
	if err == pgx.ErrNoRows {
		return 0, werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	if err != nil {
		return 0, werrors.Wrap(werrors.KindDatabase, err)
	}
	if actual != expectedSequence {
		return 0, &werrors.ConcurrencyConflict{Expected: expectedSequence, Actual: actual}
	}

	seq := actual
	batch := &pgx.Batch{}
	for i := range events {
		seq++
		events[i].WorkflowID = workflowID.String()
		events[i].Sequence = seq
		batch.Queue(`
			INSERT INTO events (workflow_id, sequence, kind, payload, timestamp)
			VALUES ($1, $2, $3, $4, $5)`,
			workflowID, seq, events[i].Kind, events[i].Payload, events[i].Timestamp)
	}
	br := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, werrors.Wrap(werrors.KindDatabase, err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, werrors.Wrap(werrors.KindDatabase, err)
	}

	if _, err := tx.Exec(ctx, `UPDATE workflows SET current_sequence = $1 WHERE id = $2`, seq, workflowID); err != nil {
		return 0, werrors.Wrap(werrors.KindDatabase, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, werrors.Wrap(werrors.KindDatabase, err)
	}
	return seq, nil
}

func (s *Store) LoadEvents(ctx context.Context, workflowID uuid.UUID) ([]workflow.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workflow_id, sequence, kind, payload, timestamp FROM events
		WHERE workflow_id = $1 ORDER BY sequence ASC`, workflowID)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer rows.Close()

	var events []workflow.Event
	for rows.Next() {
		var ev workflow.Event
		var wid uuid.UUID
		if err := rows.Scan(&wid, &ev.Sequence, &ev.Kind, &ev.Payload, &ev.Timestamp); err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		ev.WorkflowID = wid.String()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	if len(events) == 0 {
		if _, err := s.GetWorkflowStatus(ctx, workflowID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) UpdateWorkflowStatus(ctx context.Context, workflowID uuid.UUID, status store.WorkflowStatus, result []byte, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflows SET status = $1,
			result = COALESCE($2, result),
			err_msg = CASE WHEN $3 <> '' THEN $3 ELSE err_msg END
		WHERE id = $4`,
		status, nullIfEmpty(result), errMsg, workflowID)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}

func nullIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func errWorkflowNotFound(id uuid.UUID) error { return &workflowNotFoundError{id: id} }

type workflowNotFoundError struct{ id uuid.UUID }

func (e *workflowNotFoundError) Error() string { return "workflow not found: " + e.id.String() }
