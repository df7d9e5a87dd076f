// Package mongostore is the MongoDB-backed store.Store implementation: a
// second relational-class backend alongside pgstore, using one collection
// per aggregate and per-document atomic updates (FindOneAndUpdate) in place
// of row-level locking, plus multi-document transactions where an
// operation must touch more than one collection atomically.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/everruns/durable/workflow/store"
)

const (
	workflowsCollection = "workflows"
	eventsCollection    = "events"
	tasksCollection     = "tasks"
	signalsCollection   = "signals"
	dlqCollection       = "dlq_entries"
	workersCollection   = "workers"
	breakersCollection  = "circuit_breakers"
)

// Store is a store.Store implementation backed by a MongoDB database.
// AppendEvents uses a multi-document transaction across the workflows and
// events collections, so the database must be a replica set (or a sharded
// cluster with transaction support) — a single standalone mongod cannot
// run transactions.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	workflows *mongo.Collection
	events    *mongo.Collection
	tasks     *mongo.Collection
	signals   *mongo.Collection
	dlq       *mongo.Collection
	workers   *mongo.Collection
	breakers  *mongo.Collection
}

// Options configures the store's connection and indexes.
type Options struct {
	Client   *mongo.Client
	Database string
}

// Open connects to uri and returns a ready Store, including index setup.
// mongo-driver v2's Connect no longer blocks on server discovery (it is
// lazy, unlike v1), so a Ping immediately follows to fail fast on a bad URI.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	return New(ctx, Options{Client: client, Database: database})
}

// New wraps an already-connected *mongo.Client without dialing, running
// index setup against the named database.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("mongostore: database name is required")
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:    opts.Client,
		db:        db,
		workflows: db.Collection(workflowsCollection),
		events:    db.Collection(eventsCollection),
		tasks:     db.Collection(tasksCollection),
		signals:   db.Collection(signalsCollection),
		dlq:       db.Collection(dlqCollection),
		workers:   db.Collection(workersCollection),
		breakers:  db.Collection(breakersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.events: {
			{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "sequence", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		s.tasks: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "activity_type", Value: 1}, {Key: "available_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_heartbeat_at", Value: 1}}},
			{Keys: bson.D{{Key: "workflow_id", Value: 1}}},
		},
		s.signals: {
			{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "processed", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongostore: create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

var _ store.Store = (*Store)(nil)

func nowUTC() time.Time { return time.Now().UTC() }
