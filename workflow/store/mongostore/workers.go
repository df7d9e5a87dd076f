package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

type workerDoc struct {
	ID              string    `bson:"_id"`
	WorkerGroup     string    `bson:"worker_group"`
	ActivityTypes   []string  `bson:"activity_types"`
	MaxConcurrency  int       `bson:"max_concurrency"`
	CurrentLoad     int       `bson:"current_load"`
	Status          string    `bson:"status"`
	AcceptingTasks  bool      `bson:"accepting_tasks"`
	StartedAt       time.Time `bson:"started_at"`
	LastHeartbeatAt time.Time `bson:"last_heartbeat_at"`
}

func (s *Store) RegisterWorker(ctx context.Context, w store.WorkerInfo) error {
	if w.StartedAt.IsZero() {
		w.StartedAt = nowUTC()
	}
	doc := workerDoc{
		ID:              w.ID,
		WorkerGroup:     w.WorkerGroup,
		ActivityTypes:   w.ActivityTypes,
		MaxConcurrency:  int(w.MaxConcurrency),
		CurrentLoad:     int(w.CurrentLoad),
		Status:          w.Status,
		AcceptingTasks:  w.AcceptingTasks,
		StartedAt:       w.StartedAt,
		LastHeartbeatAt: nowUTC(),
	}
	_, err := s.workers.ReplaceOne(ctx, bson.M{"_id": w.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}

func (s *Store) WorkerHeartbeat(ctx context.Context, workerID string, currentLoad int, acceptingTasks bool) error {
	res, err := s.workers.UpdateOne(ctx, bson.M{"_id": workerID}, bson.M{"$set": bson.M{
		"current_load":      currentLoad,
		"accepting_tasks":   acceptingTasks,
		"last_heartbeat_at": nowUTC(),
	}})
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	if res.MatchedCount == 0 {
		return werrors.New(werrors.KindDatabase, "worker not registered: "+workerID)
	}
	return nil
}

func (s *Store) ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]store.WorkerInfo, error) {
	query := bson.M{}
	if filter.Status != nil {
		query["status"] = *filter.Status
	}
	if filter.WorkerGroup != nil {
		query["worker_group"] = *filter.WorkerGroup
	}
	cursor, err := s.workers.Find(ctx, query)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer cursor.Close(ctx)
	var docs []workerDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	out := make([]store.WorkerInfo, len(docs))
	for i, d := range docs {
		out[i] = store.WorkerInfo{
			ID:              d.ID,
			WorkerGroup:     d.WorkerGroup,
			ActivityTypes:   d.ActivityTypes,
			MaxConcurrency:  uint32(d.MaxConcurrency),
			CurrentLoad:     uint32(d.CurrentLoad),
			Status:          d.Status,
			AcceptingTasks:  d.AcceptingTasks,
			StartedAt:       d.StartedAt,
			LastHeartbeatAt: d.LastHeartbeatAt,
		}
	}
	return out, nil
}

func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := s.workers.DeleteOne(ctx, bson.M{"_id": workerID})
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}
