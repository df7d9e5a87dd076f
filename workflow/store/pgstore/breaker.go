package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/werrors"
)

// CreateCircuitBreaker initializes key's breaker in the Closed state if it
// does not already exist; an existing row is left untouched so restarts
// don't reset a tripped breaker.
func (s *Store) CreateCircuitBreaker(ctx context.Context, key string, cfg store.CircuitBreakerConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO circuit_breakers (key, state, failure_count, success_count, updated_at)
		VALUES ($1, $2, 0, 0, now())
		ON CONFLICT (key) DO NOTHING`,
		key, store.CircuitClosed)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}

func (s *Store) GetCircuitBreaker(ctx context.Context, key string) (*store.CircuitBreakerState, error) {
	var st store.CircuitBreakerState
	st.Key = key
	row := s.pool.QueryRow(ctx, `
		SELECT state, failure_count, success_count, last_failure_at, opened_at, half_open_at, updated_at
		FROM circuit_breakers WHERE key = $1`, key)
	if err := row.Scan(&st.State, &st.FailureCount, &st.SuccessCount, &st.LastFailureAt, &st.OpenedAt, &st.HalfOpenAt, &st.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, werrors.Wrap(werrors.KindDatabase, err)
	}
	return &st, nil
}

func (s *Store) UpdateCircuitBreaker(ctx context.Context, key string, state store.CircuitState, failureCount, successCount uint32) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO circuit_breakers (key, state, failure_count, success_count, opened_at, half_open_at, updated_at)
		VALUES ($1, $2, $3, $4,
			CASE WHEN $2 = $5 THEN now() ELSE NULL END,
			CASE WHEN $2 = $6 THEN now() ELSE NULL END,
			now())
		ON CONFLICT (key) DO UPDATE SET
			state = EXCLUDED.state,
			failure_count = EXCLUDED.failure_count,
			success_count = EXCLUDED.success_count,
			opened_at = CASE WHEN EXCLUDED.state = $5 AND circuit_breakers.state <> $5 THEN now() ELSE circuit_breakers.opened_at END,
			half_open_at = CASE WHEN EXCLUDED.state = $6 AND circuit_breakers.state <> $6 THEN now() ELSE circuit_breakers.half_open_at END,
			updated_at = now()`,
		key, state, failureCount, successCount, store.CircuitOpen, store.CircuitHalfOpen)
	if err != nil {
		return werrors.Wrap(werrors.KindDatabase, err)
	}
	return nil
}
