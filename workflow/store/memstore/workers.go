package memstore

import (
	"context"

	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

func (s *Store) RegisterWorker(ctx context.Context, w store.WorkerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.StartedAt.IsZero() {
		w.StartedAt = s.now()
	}
	w.LastHeartbeatAt = s.now()
	rec := w
	s.workers[w.ID] = &rec
	return nil
}

func (s *Store) WorkerHeartbeat(ctx context.Context, workerID string, currentLoad int, acceptingTasks bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return werrors.New(werrors.KindDatabase, "worker not registered: "+workerID)
	}
	w.CurrentLoad = uint32(currentLoad)
	w.AcceptingTasks = acceptingTasks
	w.LastHeartbeatAt = s.now()
	return nil
}

func (s *Store) ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]store.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		if filter.Status != nil && w.Status != *filter.Status {
			continue
		}
		if filter.WorkerGroup != nil && w.WorkerGroup != *filter.WorkerGroup {
			continue
		}
		out = append(out, *w)
	}
	return out, nil
}

func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
	return nil
}
