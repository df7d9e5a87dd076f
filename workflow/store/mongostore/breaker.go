package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

type breakerDoc struct {
	Key           string     `bson:"_id"`
	State         string     `bson:"state"`
	FailureCount  int        `bson:"failure_count"`
	SuccessCount  int        `bson:"success_count"`
	LastFailureAt *time.Time `bson:"last_failure_at,omitempty"`
	OpenedAt      *time.Time `bson:"opened_at,omitempty"`
	HalfOpenAt    *time.Time `bson:"half_open_at,omitempty"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

// CreateCircuitBreaker initializes key's breaker in the Closed state if it
// does not already exist; an existing document is left untouched so
// restarts don't reset a tripped breaker.
func (s *Store) CreateCircuitBreaker(ctx context.Context, key string, cfg store.CircuitBreakerConfig) error {
	doc := breakerDoc{Key: key, State: string(store.CircuitClosed), UpdatedAt: nowUTC()}
	_, err := s.breakers.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$setOnInsert": doc},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}

func (s *Store) GetCircuitBreaker(ctx context.Context, key string) (*store.CircuitBreakerState, error) {
	var doc breakerDoc
	err := s.breakers.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	return &store.CircuitBreakerState{
		Key:           doc.Key,
		State:         store.CircuitState(doc.State),
		FailureCount:  uint32(doc.FailureCount),
		SuccessCount:  uint32(doc.SuccessCount),
		LastFailureAt: doc.LastFailureAt,
		OpenedAt:      doc.OpenedAt,
		HalfOpenAt:    doc.HalfOpenAt,
		UpdatedAt:     doc.UpdatedAt,
	}, nil
}

func (s *Store) UpdateCircuitBreaker(ctx context.Context, key string, state store.CircuitState, failureCount, successCount uint32) error {
	var existing breakerDoc
	err := s.breakers.FindOne(ctx, bson.M{"_id": key}).Decode(&existing)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return werrors.Wrap(werrors.KindDatabase, err)
	}

	now := nowUTC()
	set := bson.M{
		"state":         string(state),
		"failure_count": int(failureCount),
		"success_count": int(successCount),
		"updated_at":    now,
	}
	if state == store.CircuitOpen && existing.State != string(store.CircuitOpen) {
		set["opened_at"] = now
	}
	if state == store.CircuitHalfOpen && existing.State != string(store.CircuitHalfOpen) {
		set["half_open_at"] = now
	}
	_, err = s.breakers.UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$set": set}, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}
