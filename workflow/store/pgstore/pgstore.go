// Package pgstore is the PostgreSQL-backed store.Store implementation:
// goose-managed schema, SELECT ... FOR UPDATE SKIP LOCKED claims, and a
// pgxpool connection pool. It is the relational sibling to memstore —
// SPEC_FULL.md requires the engine ship with at least one of each.
package pgstore

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/everruns/durable/workflow/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a store.Store implementation backed by a PostgreSQL pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, running goose migrations up to the latest version
// before returning. Callers own the returned Store's lifetime and must call
// Close when done.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := migrate(ctx, dsn); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// New wraps an already-open pgxpool.Pool without running migrations —
// useful when the embedding application manages its own migration step or
// shares a pool across stores.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func migrate(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("pgstore: set dialect: %w", err)
	}
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("pgstore: open migration connection: %w", err)
	}
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("pgstore: migrate up: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

var _ store.Store = (*Store)(nil)
