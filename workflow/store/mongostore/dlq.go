package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

type dlqDoc struct {
	ID             string    `bson:"_id"`
	OriginalTaskID string    `bson:"original_task_id"`
	WorkflowID     string    `bson:"workflow_id"`
	ActivityID     string    `bson:"activity_id"`
	ActivityType   string    `bson:"activity_type"`
	Input          []byte    `bson:"input"`
	Attempts       int       `bson:"attempts"`
	LastError      string    `bson:"last_error"`
	ErrorHistory   []string  `bson:"error_history"`
	DeadAt         time.Time `bson:"dead_at"`
}

// MoveToDLQ dead-letters taskID directly, bypassing the retry policy —
// used for administrative force-fail rather than FailTask's normal
// exhausted-retries path.
func (s *Store) MoveToDLQ(ctx context.Context, taskID uuid.UUID, errorHistory []string) error {
	var doc taskDoc
	err := s.tasks.FindOne(ctx, bson.M{"_id": taskID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
	}
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	lastErr := ""
	if len(errorHistory) > 0 {
		lastErr = errorHistory[len(errorHistory)-1]
	}
	_, err = s.deadLetter(ctx, doc, lastErr, errorHistory)
	return err
}

// RequeueFromDLQ creates a fresh Pending task from a dead-lettered entry,
// starting its attempt counter over at 1 — a requeue is an operator
// decision to give the activity a clean run rather than resume a dying one.
func (s *Store) RequeueFromDLQ(ctx context.Context, dlqID uuid.UUID) (uuid.UUID, error) {
	var entry dlqDoc
	err := s.dlq.FindOne(ctx, bson.M{"_id": dlqID.String()}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return uuid.Nil, werrors.New(werrors.KindTaskNotFound, "dlq entry not found: "+dlqID.String())
	}
	if err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindDatabase, err)
	}

	var opts workflow.ActivityOptions
	var original taskDoc
	if err := s.tasks.FindOne(ctx, bson.M{"_id": entry.OriginalTaskID}).Decode(&original); err == nil {
		_ = json.Unmarshal(original.Options, &opts)
	}
	optsRaw, err := json.Marshal(opts)
	if err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindSerialization, err)
	}

	id := uuid.New()
	now := nowUTC()
	_, err = s.tasks.InsertOne(ctx, taskDoc{
		ID:           id.String(),
		WorkflowID:   entry.WorkflowID,
		ActivityID:   entry.ActivityID,
		ActivityType: entry.ActivityType,
		Input:        entry.Input,
		Options:      optsRaw,
		Status:       string(store.TaskPending),
		Attempt:      1,
		MaxAttempts:  int(opts.MaxAttempts),
		ScheduledAt:  now,
		AvailableAt:  now,
		ErrorHistory: []string{},
	})
	if err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	if _, err := s.dlq.DeleteOne(ctx, bson.M{"_id": dlqID.String()}); err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	return id, nil
}

func (s *Store) ListDLQ(ctx context.Context, filter store.DlqFilter, page store.Pagination) ([]store.DlqEntry, error) {
	query := bson.M{}
	if filter.WorkflowID != nil {
		query["workflow_id"] = filter.WorkflowID.String()
	}
	if filter.ActivityType != nil {
		query["activity_type"] = *filter.ActivityType
	}
	opts := options.Find().SetSort(bson.D{{Key: "dead_at", Value: 1}})
	if page.Offset > 0 {
		opts.SetSkip(int64(page.Offset))
	}
	if page.Limit > 0 {
		opts.SetLimit(int64(page.Limit))
	}

	cursor, err := s.dlq.Find(ctx, query, opts)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer cursor.Close(ctx)
	var docs []dlqDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}

	out := make([]store.DlqEntry, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			continue
		}
		originalTaskID, err := uuid.Parse(d.OriginalTaskID)
		if err != nil {
			continue
		}
		workflowID, err := uuid.Parse(d.WorkflowID)
		if err != nil {
			continue
		}
		out = append(out, store.DlqEntry{
			ID:             id,
			OriginalTaskID: originalTaskID,
			WorkflowID:     workflowID,
			ActivityID:     d.ActivityID,
			ActivityType:   d.ActivityType,
			Input:          d.Input,
			Attempts:       uint32(d.Attempts),
			LastError:      d.LastError,
			ErrorHistory:   d.ErrorHistory,
			DeadAt:         d.DeadAt,
		})
	}
	return out, nil
}
