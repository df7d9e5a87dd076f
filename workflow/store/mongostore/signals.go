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

type signalDoc struct {
	ID         bson.ObjectID `bson:"_id,omitempty"`
	WorkflowID string        `bson:"workflow_id"`
	Name       string        `bson:"signal_name"`
	Payload    []byte        `bson:"payload"`
	ReceivedAt time.Time     `bson:"received_at"`
	Processed  bool          `bson:"processed"`
}

// SendSignal appends sig to workflowID's pending signal queue, rejecting
// any workflow not currently Running: a completed or failed workflow will
// never again run its OnSignal handler to consume the signal.
func (s *Store) SendSignal(ctx context.Context, workflowID uuid.UUID, sig workflow.Signal) error {
	var doc struct {
		Status string `bson:"status"`
	}
	err := s.workflows.FindOne(ctx, bson.M{"_id": workflowID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	if doc.Status != string(store.WorkflowRunning) {
		return werrors.New(werrors.KindWorkflowNotRunning, "workflow "+workflowID.String()+" is not running")
	}
	payload := []byte(sig.Payload)
	if payload == nil {
		payload = []byte("null")
	}
	_, err = s.signals.InsertOne(ctx, signalDoc{
		WorkflowID: workflowID.String(),
		Name:       sig.Name,
		Payload:    payload,
		ReceivedAt: sig.ReceivedAt,
		Processed:  false,
	})
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}

func (s *Store) GetPendingSignals(ctx context.Context, workflowID uuid.UUID) ([]workflow.Signal, error) {
	cursor, err := s.signals.Find(ctx,
		bson.M{"workflow_id": workflowID.String(), "processed": false},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer cursor.Close(ctx)
	var docs []signalDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	signals := make([]workflow.Signal, len(docs))
	for i, d := range docs {
		signals[i] = workflow.Signal{
			WorkflowID: d.WorkflowID,
			Name:       d.Name,
			Payload:    json.RawMessage(d.Payload),
			ReceivedAt: d.ReceivedAt,
		}
	}
	return signals, nil
}

// ListPendingSignalWorkflows returns the ID of every Running workflow with
// at least one unprocessed signal queued.
func (s *Store) ListPendingSignalWorkflows(ctx context.Context) ([]uuid.UUID, error) {
	workflowIDs, err := s.signals.Distinct(ctx, "workflow_id", bson.M{"processed": false})
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	if len(workflowIDs) == 0 {
		return nil, nil
	}
	strs := make([]string, 0, len(workflowIDs))
	for _, v := range workflowIDs {
		if s, ok := v.(string); ok {
			strs = append(strs, s)
		}
	}
	running, err := s.runningSet(ctx, strs)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, s := range strs {
		if !running[s] {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) runningSet(ctx context.Context, workflowIDs []string) (map[string]bool, error) {
	cursor, err := s.workflows.Find(ctx, bson.M{
		"_id":    bson.M{"$in": workflowIDs},
		"status": string(store.WorkflowRunning),
	})
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer cursor.Close(ctx)
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	set := make(map[string]bool, len(docs))
	for _, d := range docs {
		set[d.ID] = true
	}
	return set, nil
}

// MarkSignalsProcessed marks the oldest count unprocessed signals for
// workflowID as processed, matching the order GetPendingSignals returned
// them in.
func (s *Store) MarkSignalsProcessed(ctx context.Context, workflowID uuid.UUID, count int) error {
	cursor, err := s.signals.Find(ctx,
		bson.M{"workflow_id": workflowID.String(), "processed": false},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(count)).SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	defer cursor.Close(ctx)
	var docs []struct {
		ID bson.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	ids := make([]bson.ObjectID, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = s.signals.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.M{"$set": bson.M{"processed": true}})
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}
