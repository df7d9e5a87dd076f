package pgstore

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

// SendSignal appends sig to workflowID's pending signal queue. Rejects with
// KindWorkflowNotRunning for any workflow not currently Running, matching
// memstore: a completed or failed workflow will never again run its
// OnSignal handler to consume the signal.
func (s *Store) SendSignal(ctx context.Context, workflowID uuid.UUID, sig workflow.Signal) error {
	var status store.WorkflowStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM workflows WHERE id = $1`, workflowID).Scan(&status)
	if err != nil {
		return werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	if status != store.WorkflowRunning {
		return werrors.New(werrors.KindWorkflowNotRunning, "workflow "+workflowID.String()+" is not running")
	}
	payload := sig.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO signals (workflow_id, name, payload, received_at, processed)
		VALUES ($1, $2, $3, $4, FALSE)`,
		workflowID, sig.Name, payload, sig.ReceivedAt)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}

func (s *Store) GetPendingSignals(ctx context.Context, workflowID uuid.UUID) ([]workflow.Signal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, payload, received_at FROM signals
		WHERE workflow_id = $1 AND processed = FALSE ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer rows.Close()
	var signals []workflow.Signal
	for rows.Next() {
		sig := workflow.Signal{WorkflowID: workflowID.String()}
		if err := rows.Scan(&sig.Name, &sig.Payload, &sig.ReceivedAt); err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// ListPendingSignalWorkflows returns the ID of every Running workflow with
// at least one unprocessed signal queued.
func (s *Store) ListPendingSignalWorkflows(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT s.workflow_id FROM signals s
		JOIN workflows w ON w.id = s.workflow_id
		WHERE s.processed = FALSE AND w.status = $1`, store.WorkflowRunning)
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

// MarkSignalsProcessed marks the oldest count unprocessed signals for
// workflowID as processed, matching the order GetPendingSignals returned
// them in.
func (s *Store) MarkSignalsProcessed(ctx context.Context, workflowID uuid.UUID, count int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE signals SET processed = TRUE
		WHERE id IN (
			SELECT id FROM signals
			WHERE workflow_id = $1 AND processed = FALSE
			ORDER BY id ASC LIMIT $2
		)`, workflowID, count)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}
