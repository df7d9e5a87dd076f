package mongostore

import (
	"context"
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

type workflowDoc struct {
	ID              string    `bson:"_id"`
	WorkflowType    string    `bson:"workflow_type"`
	Status          string    `bson:"status"`
	Input           []byte    `bson:"input"`
	Result          []byte    `bson:"result,omitempty"`
	ErrMsg          string    `bson:"err_msg,omitempty"`
	CurrentSequence int       `bson:"current_sequence"`
	TraceID         *string   `bson:"trace_id,omitempty"`
	SpanID          *string   `bson:"span_id,omitempty"`
	TraceFlags      *uint8    `bson:"trace_flags,omitempty"`
	CreatedAt       time.Time `bson:"created_at"`
}

type eventDoc struct {
	WorkflowID string    `bson:"workflow_id"`
	Sequence   int       `bson:"sequence"`
	Kind       string    `bson:"kind"`
	Payload    []byte    `bson:"payload"`
	Timestamp  time.Time `bson:"timestamp"`
}

func (s *Store) CreateWorkflow(ctx context.Context, workflowID uuid.UUID, workflowType string, input []byte, trace *store.TraceContext) error {
	doc := workflowDoc{
		ID:           workflowID.String(),
		WorkflowType: workflowType,
		Status:       string(store.WorkflowPending),
		Input:        input,
		CreatedAt:    nowUTC(),
	}
	if trace != nil {
		doc.TraceID, doc.SpanID, doc.TraceFlags = &trace.TraceID, &trace.SpanID, &trace.TraceFlags
	}
	if _, err := s.workflows.InsertOne(ctx, doc); err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}

func (s *Store) GetWorkflowStatus(ctx context.Context, workflowID uuid.UUID) (store.WorkflowStatus, error) {
	var doc struct {
		Status string `bson:"status"`
	}
	err := s.workflows.FindOne(ctx, bson.M{"_id": workflowID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	if err != nil {
		return "", werrors.Wrap(werrors.KindDatabase, err)
	}
	return store.WorkflowStatus(doc.Status), nil
}

func (s *Store) GetWorkflowInfo(ctx context.Context, workflowID uuid.UUID) (store.WorkflowInfo, error) {
	var doc workflowDoc
	err := s.workflows.FindOne(ctx, bson.M{"_id": workflowID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.WorkflowInfo{}, werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
	}
	if err != nil {
		return store.WorkflowInfo{}, werrors.Wrap(werrors.KindDatabase, err)
	}
	info := store.WorkflowInfo{
		ID:           workflowID,
		WorkflowType: doc.WorkflowType,
		Status:       store.WorkflowStatus(doc.Status),
		Input:        doc.Input,
		Result:       doc.Result,
	}
	if doc.ErrMsg != "" {
		info.Err = werrors.New(werrors.KindActivityFailed, doc.ErrMsg)
	}
	return info, nil
}

// AppendEvents runs inside a multi-document transaction: the workflow's
// current_sequence is read and compared to expectedSequence, the new
// events are inserted, and current_sequence is advanced, all atomically.
// This is the relational-transaction equivalent of pgstore's
// SELECT ... FOR UPDATE — Mongo has no row lock, so the optimistic check
// and the write must be one transaction instead.
func (s *Store) AppendEvents(ctx context.Context, workflowID uuid.UUID, expectedSequence int, events []workflow.Event) (int, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return 0, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		var wf workflowDoc
		if err := s.workflows.FindOne(sc, bson.M{"_id": workflowID.String()}).Decode(&wf); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, werrors.Wrap(werrors.KindWorkflowNotFound, errWorkflowNotFound(workflowID))
			}
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		if wf.CurrentSequence != expectedSequence {
			return nil, &werrors.ConcurrencyConflict{Expected: expectedSequence, Actual: wf.CurrentSequence}
		}

		seq := wf.CurrentSequence
		docs := make([]any, 0, len(events))
		for i := range events {
			seq++
			events[i].WorkflowID = workflowID.String()
			events[i].Sequence = seq
			docs = append(docs, eventDoc{
				WorkflowID: workflowID.String(),
				Sequence:   seq,
				Kind:       string(events[i].Kind),
				Payload:    events[i].Payload,
				Timestamp:  events[i].Timestamp,
			})
		}
		if len(docs) > 0 {
			if _, err := s.events.InsertMany(sc, docs); err != nil {
				return nil, werrors.Wrap(werrors.KindDatabase, err)
			}
		}
		if _, err := s.workflows.UpdateOne(sc, bson.M{"_id": workflowID.String()}, bson.M{"$set": bson.M{"current_sequence": seq}}); err != nil {
			return nil, werrors.Wrap(werrors.KindDatabase, err)
		}
		return seq, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (s *Store) LoadEvents(ctx context.Context, workflowID uuid.UUID) ([]workflow.Event, error) {
	cursor, err := s.events.Find(ctx, bson.M{"workflow_id": workflowID.String()},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	defer cursor.Close(ctx)

	var docs []eventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	events := make([]workflow.Event, len(docs))
	for i, d := range docs {
		events[i] = workflow.Event{
			WorkflowID: d.WorkflowID,
			Sequence:   d.Sequence,
			Kind:       workflow.EventKind(d.Kind),
			Payload:    d.Payload,
			Timestamp:  d.Timestamp,
		}
	}
	if len(events) == 0 {
		if _, err := s.GetWorkflowStatus(ctx, workflowID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) UpdateWorkflowStatus(ctx context.Context, workflowID uuid.UUID, status store.WorkflowStatus, result []byte, errMsg string) error {
	set := bson.M{"status": string(status)}
	if len(result) > 0 {
		set["result"] = result
	}
	if errMsg != "" {
		set["err_msg"] = errMsg
	}
	_, err := s.workflows.UpdateOne(ctx, bson.M{"_id": workflowID.String()}, bson.M{"$set": set})
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}

func errWorkflowNotFound(id uuid.UUID) error { return &workflowNotFoundError{id: id} }

type workflowNotFoundError struct{ id uuid.UUID }

func (e *workflowNotFoundError) Error() string { return "workflow not found: " + e.id.String() }
