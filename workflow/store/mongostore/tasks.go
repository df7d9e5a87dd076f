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
	"github.com/everruns/durable/workflow/retry"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

type taskDoc struct {
	ID              string     `bson:"_id"`
	WorkflowID      string     `bson:"workflow_id"`
	ActivityID      string     `bson:"activity_id"`
	ActivityType    string     `bson:"activity_type"`
	Input           []byte     `bson:"input"`
	Options         []byte     `bson:"options"`
	Status          string     `bson:"status"`
	Attempt         int        `bson:"attempt"`
	MaxAttempts     int        `bson:"max_attempts"`
	ClaimedBy       *string    `bson:"claimed_by,omitempty"`
	ClaimedAt       *time.Time `bson:"claimed_at,omitempty"`
	LastHeartbeatAt *time.Time `bson:"last_heartbeat_at,omitempty"`
	ScheduledAt     time.Time  `bson:"scheduled_at"`
	AvailableAt     time.Time  `bson:"available_at"`
	ErrorHistory    []string   `bson:"error_history"`
	CancelRequested bool       `bson:"cancel_requested"`
}

func (s *Store) EnqueueTask(ctx context.Context, task store.TaskDefinition) (uuid.UUID, error) {
	id := uuid.New()
	options, err := json.Marshal(task.Options)
	if err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindSerialization, err)
	}
	now := nowUTC()
	doc := taskDoc{
		ID:           id.String(),
		WorkflowID:   task.WorkflowID.String(),
		ActivityID:   task.ActivityID,
		ActivityType: task.ActivityType,
		Input:        task.Input,
		Options:      options,
		Status:       string(store.TaskPending),
		Attempt:      1,
		MaxAttempts:  int(task.Options.MaxAttempts),
		ScheduledAt:  now,
		AvailableAt:  now,
		ErrorHistory: []string{},
	}
	if _, err := s.tasks.InsertOne(ctx, doc); err != nil {
		return uuid.Nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	return id, nil
}

// ClaimTask relies on FindOneAndUpdate's per-document atomicity instead of
// row locks: each iteration atomically flips one Pending task to Claimed,
// so concurrent claimers across processes never observe the same task as
// still Pending, the same guarantee pgstore gets from SKIP LOCKED.
func (s *Store) ClaimTask(ctx context.Context, workerID string, activityTypes []string, maxTasks int) ([]store.ClaimedTask, error) {
	now := nowUTC()
	filter := bson.M{
		"status":        string(store.TaskPending),
		"activity_type": bson.M{"$in": activityTypes},
		"available_at":  bson.M{"$lte": now},
	}
	update := bson.M{"$set": bson.M{
		"status":            string(store.TaskClaimed),
		"claimed_by":        workerID,
		"claimed_at":        now,
		"last_heartbeat_at": now,
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "scheduled_at", Value: 1}}).
		SetReturnDocument(options.After)

	var claimed []store.ClaimedTask
	for i := 0; i < maxTasks; i++ {
		var doc taskDoc
		err := s.tasks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		t, err := claimedTaskFromDoc(doc)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func claimedTaskFromDoc(doc taskDoc) (store.ClaimedTask, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return store.ClaimedTask{}, werrors.Wrap(werrors.KindSerialization, err)
	}
	wid, err := uuid.Parse(doc.WorkflowID)
	if err != nil {
		return store.ClaimedTask{}, werrors.Wrap(werrors.KindSerialization, err)
	}
	var opts workflow.ActivityOptions
	if err := json.Unmarshal(doc.Options, &opts); err != nil {
		return store.ClaimedTask{}, werrors.Wrap(werrors.KindSerialization, err)
	}
	t := store.ClaimedTask{
		ID:           id,
		WorkflowID:   wid,
		ActivityID:   doc.ActivityID,
		ActivityType: doc.ActivityType,
		Input:        doc.Input,
		Options:      opts,
		Attempt:      uint32(doc.Attempt),
		MaxAttempts:  uint32(doc.MaxAttempts),
		ScheduledAt:  doc.ScheduledAt,
	}
	if doc.ClaimedAt != nil {
		started := *doc.ClaimedAt
		t.StartedAt = &started
	}
	return t, nil
}

func (s *Store) HeartbeatTask(ctx context.Context, taskID uuid.UUID, workerID string, details []byte) (store.HeartbeatResponse, error) {
	var doc taskDoc
	err := s.tasks.FindOne(ctx, bson.M{"_id": taskID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.HeartbeatResponse{}, werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
	}
	if err != nil {
		return store.HeartbeatResponse{}, werrors.Wrap(werrors.KindDatabase, err)
	}
	if doc.Status != string(store.TaskClaimed) || doc.ClaimedBy == nil || *doc.ClaimedBy != workerID {
		return store.HeartbeatResponse{Accepted: false}, nil
	}
	_, err = s.tasks.UpdateOne(ctx, bson.M{"_id": taskID.String()}, bson.M{"$set": bson.M{"last_heartbeat_at": nowUTC()}})
	if err != nil {
		return store.HeartbeatResponse{}, werrors.Wrap(werrors.KindDatabase, err)
	}
	return store.HeartbeatResponse{Accepted: true, ShouldCancel: doc.CancelRequested}, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID uuid.UUID, result []byte) error {
	res, err := s.tasks.UpdateOne(ctx, bson.M{"_id": taskID.String()}, bson.M{"$set": bson.M{"status": string(store.TaskCompleted)}})
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	if res.MatchedCount == 0 {
		return werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
	}
	return nil
}

// FailTask mirrors memstore/pgstore's retry/non-retryable/DLQ decision.
// There is no cross-collection atomicity requirement here (only the tasks
// collection, then optionally dlq_entries), so plain sequential writes are
// enough — no session/transaction needed, unlike AppendEvents.
func (s *Store) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, errKind string) (store.TaskFailureOutcome, error) {
	var doc taskDoc
	err := s.tasks.FindOne(ctx, bson.M{"_id": taskID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, werrors.Wrap(werrors.KindTaskNotFound, errTaskNotFound(taskID))
	}
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}

	history := append(doc.ErrorHistory, errMsg)

	if doc.CancelRequested {
		_, err := s.tasks.UpdateOne(ctx, bson.M{"_id": taskID.String()},
			bson.M{"$set": bson.M{"status": string(store.TaskCancelled), "error_history": history}})
		if err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		return store.ExhaustedRetries{}, nil
	}

	var opts workflow.ActivityOptions
	_ = json.Unmarshal(doc.Options, &opts)
	policy := retry.FromActivityOptions(opts)

	if !policy.ShouldRetry(errKind) {
		return s.deadLetter(ctx, doc, errMsg, history)
	}

	nextAttempt := uint32(doc.Attempt) + 1
	if nextAttempt <= policy.MaxAttempts || policy.MaxAttempts == 0 {
		delay := policy.DelayForAttempt(nextAttempt)
		availableAt := nowUTC().Add(delay)
		_, err := s.tasks.UpdateOne(ctx, bson.M{"_id": taskID.String()}, bson.M{
			"$set": bson.M{
				"status":            string(store.TaskPending),
				"attempt":           int(nextAttempt),
				"available_at":      availableAt,
				"error_history":     history,
				"claimed_by":        nil,
				"claimed_at":        nil,
				"last_heartbeat_at": nil,
			},
		})
		if err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		return store.WillRetry{NextAttempt: nextAttempt, Delay: delay}, nil
	}

	return s.deadLetter(ctx, doc, errMsg, history)
}

func (s *Store) deadLetter(ctx context.Context, doc taskDoc, lastErr string, history []string) (store.TaskFailureOutcome, error) {
	if _, err := s.tasks.UpdateOne(ctx, bson.M{"_id": doc.ID}, bson.M{"$set": bson.M{"status": string(store.TaskDead)}}); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	entry := dlqDoc{
		ID:             uuid.New().String(),
		OriginalTaskID: doc.ID,
		WorkflowID:     doc.WorkflowID,
		ActivityID:     doc.ActivityID,
		ActivityType:   doc.ActivityType,
		Input:          doc.Input,
		Attempts:       doc.Attempt,
		LastError:      lastErr,
		ErrorHistory:   history,
		DeadAt:         nowUTC(),
	}
	if _, err := s.dlq.InsertOne(ctx, entry); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	return store.MovedToDlq{}, nil
}

func (s *Store) ReclaimStaleTasks(ctx context.Context, staleThreshold time.Duration) ([]uuid.UUID, error) {
	cutoff := nowUTC().Add(-staleThreshold)
	filter := bson.M{
		"status":            string(store.TaskClaimed),
		"last_heartbeat_at": bson.M{"$ne": nil, "$lt": cutoff},
	}
	cursor, err := s.tasks.Find(ctx, filter)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	var docs []taskDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	ids := make([]uuid.UUID, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			continue
		}
		_, err = s.tasks.UpdateOne(ctx, bson.M{"_id": d.ID}, bson.M{"$set": bson.M{
			"status":            string(store.TaskPending),
			"claimed_by":        nil,
			"claimed_at":        nil,
			"last_heartbeat_at": nil,
			"available_at":      nowUTC(),
		}})
		if err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) CancelWorkflowTasks(ctx context.Context, workflowID uuid.UUID) error {
	_, err := s.tasks.UpdateMany(ctx,
		bson.M{"workflow_id": workflowID.String(), "status": string(store.TaskPending)},
		bson.M{"$set": bson.M{"status": string(store.TaskCancelled)}})
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	_, err = s.tasks.UpdateMany(ctx,
		bson.M{"workflow_id": workflowID.String(), "status": string(store.TaskClaimed)},
		bson.M{"$set": bson.M{"cancel_requested": true}})
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}

func errTaskNotFound(id uuid.UUID) error { return &taskNotFoundError{id: id} }

type taskNotFoundError struct{ id uuid.UUID }

func (e *taskNotFoundError) Error() string { return "task not found: " + e.id.String() }
