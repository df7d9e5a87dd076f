package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

func (s *Store) RegisterWorker(ctx context.Context, w store.WorkerInfo) error {
	if w.StartedAt.IsZero() {
		w.StartedAt = time.Now().UTC()
	}
	activityTypes, err := json.Marshal(w.ActivityTypes)
	if err != nil {
		return werrors.Wrap(werrors.KindSerialization, err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workers (id, worker_group, activity_types, max_concurrency, current_load, status, accepting_tasks, started_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			worker_group = EXCLUDED.worker_group,
			activity_types = EXCLUDED.activity_types,
			max_concurrency = EXCLUDED.max_concurrency,
			status = EXCLUDED.status,
			accepting_tasks = EXCLUDED.accepting_tasks,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at`,
		w.ID, w.WorkerGroup, activityTypes, w.MaxConcurrency, w.CurrentLoad, w.Status, w.AcceptingTasks, w.StartedAt, now)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}

func (s *Store) WorkerHeartbeat(ctx context.Context, workerID string, currentLoad int, acceptingTasks bool) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE workers SET current_load = $1, accepting_tasks = $2, last_heartbeat_at = now()
		WHERE id = $3`, currentLoad, acceptingTasks, workerID)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	if ct.RowsAffected() == 0 {
		return werrors.New(werrors.KindDatabase, "worker not registered: "+workerID)
	}
	return nil
}

func (s *Store) ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]store.WorkerInfo, error) {
	query := `SELECT id, worker_group, activity_types, max_concurrency, current_load, status, accepting_tasks, started_at, last_heartbeat_at FROM workers WHERE 1=1`
	var args []any
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.WorkerGroup != nil {
		args = append(args, *filter.WorkerGroup)
		query += fmt.Sprintf(" AND worker_group = $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer rows.Close()

	var out []store.WorkerInfo
	for rows.Next() {
		var w store.WorkerInfo
		var activityTypesRaw []byte
		var lastHeartbeat *time.Time
		if err := rows.Scan(&w.ID, &w.WorkerGroup, &activityTypesRaw, &w.MaxConcurrency, &w.CurrentLoad,
			&w.Status, &w.AcceptingTasks, &w.StartedAt, &lastHeartbeat); err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		_ = json.Unmarshal(activityTypesRaw, &w.ActivityTypes)
		if lastHeartbeat != nil {
			w.LastHeartbeatAt = *lastHeartbeat
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE id = $1`, workerID)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}
