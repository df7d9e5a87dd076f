// Package cliutil holds the store-backend selection logic shared by the
// engine's command-line entry points (cmd/durable-demo, cmd/durable-admin,
// cmd/durable-bench), so each binary exposes the same -store/-postgres-dsn/
// -mongo-uri flags instead of reimplementing the switch three times.
package cliutil

import (
	"context"
	"flag"
	"fmt"

	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/store/memstore"
	"github.com/everruns/durable/workflow/store/mongostore"
	"github.com/everruns/durable/workflow/store/pgstore"
)

// StoreFlags holds the flag values controlling which store.Store backend
// Open builds.
type StoreFlags struct {
	Backend    string
	PostgresDB string
	MongoURI   string
	MongoDB    string
}

// RegisterFlags defines the backend-selection flags on fs, defaulting to
// the in-memory store so a binary runs with zero external dependencies
// unless told otherwise.
func RegisterFlags(fs *flag.FlagSet) *StoreFlags {
	f := &StoreFlags{}
	fs.StringVar(&f.Backend, "store", "mem", "store backend: mem, postgres, or mongo")
	fs.StringVar(&f.PostgresDB, "postgres-dsn", "", "PostgreSQL connection string (store=postgres)")
	fs.StringVar(&f.MongoURI, "mongo-uri", "", "MongoDB connection URI (store=mongo)")
	fs.StringVar(&f.MongoDB, "mongo-db", "durable", "MongoDB database name (store=mongo)")
	return f
}

// Open constructs the selected store.Store backend. The returned close
// func releases any backend-held connection and is always safe to call,
// including for the in-memory backend where it is a no-op.
func Open(ctx context.Context, f *StoreFlags) (store.Store, func(), error) {
	switch f.Backend {
	case "", "mem":
		return memstore.New(), func() {}, nil
	case "postgres":
		if f.PostgresDB == "" {
			return nil, nil, fmt.Errorf("cliutil: -postgres-dsn is required for -store=postgres")
		}
		s, err := pgstore.Open(ctx, f.PostgresDB)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "mongo":
		if f.MongoURI == "" {
			return nil, nil, fmt.Errorf("cliutil: -mongo-uri is required for -store=mongo")
		}
		s, err := mongostore.Open(ctx, f.MongoURI, f.MongoDB)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("cliutil: unknown store backend %q", f.Backend)
	}
}
