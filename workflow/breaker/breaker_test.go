package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/everruns/durable/workflow/breaker"
	"github.com/everruns/durable/workflow/store"
	"github.com/everruns/durable/workflow/store/memstore"
)

func testBreaker(t *testing.T) *breaker.Breaker {
	t.Helper()
	cfg := store.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     100 * time.Millisecond,
	}
	return breaker.New("test_service", cfg, memstore.New()).WithCacheDuration(0)
}

func TestStartsClosed(t *testing.T) {
	ctx := context.Background()
	b := testBreaker(t)
	st, err := b.State(ctx)
	require.NoError(t, err)
	require.Equal(t, store.CircuitClosed, st)
}

func TestAllowsCallsWhenClosed(t *testing.T) {
	ctx := context.Background()
	b := testBreaker(t)
	permit, err := b.Allow(ctx)
	require.NoError(t, err)
	require.NoError(t, permit.Success(ctx))
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	ctx := context.Background()
	b := testBreaker(t)

	for i := 0; i < 3; i++ {
		permit, err := b.Allow(ctx)
		require.NoError(t, err)
		require.NoError(t, permit.Failure(ctx))
	}

	_, err := b.Allow(ctx)
	require.True(t, errors.Is(err, breaker.ErrOpen))
}

func TestTransitionsToHalfOpenAfterTimeout(t *testing.T) {
	ctx := context.Background()
	b := testBreaker(t)

	for i := 0; i < 3; i++ {
		permit, err := b.Allow(ctx)
		require.NoError(t, err)
		require.NoError(t, permit.Failure(ctx))
	}

	time.Sleep(150 * time.Millisecond)

	permit, err := b.Allow(ctx)
	require.NoError(t, err)
	st, err := b.State(ctx)
	require.NoError(t, err)
	require.Equal(t, store.CircuitHalfOpen, st)
	require.NoError(t, permit.Success(ctx))
}

func TestClosesAfterSuccessThresholdInHalfOpen(t *testing.T) {
	ctx := context.Background()
	b := testBreaker(t)

	for i := 0; i < 3; i++ {
		permit, err := b.Allow(ctx)
		require.NoError(t, err)
		require.NoError(t, permit.Failure(ctx))
	}

	time.Sleep(150 * time.Millisecond)

	for i := 0; i < 2; i++ {
		permit, err := b.Allow(ctx)
		require.NoError(t, err)
		require.NoError(t, permit.Success(ctx))
	}

	st, err := b.State(ctx)
	require.NoError(t, err)
	require.Equal(t, store.CircuitClosed, st)
}

func TestReopensOnFailureInHalfOpen(t *testing.T) {
	ctx := context.Background()
	b := testBreaker(t)

	for i := 0; i < 3; i++ {
		permit, err := b.Allow(ctx)
		require.NoError(t, err)
		require.NoError(t, permit.Failure(ctx))
	}

	time.Sleep(150 * time.Millisecond)

	permit, err := b.Allow(ctx)
	require.NoError(t, err)
	require.NoError(t, permit.Failure(ctx))

	_, err = b.Allow(ctx)
	require.True(t, errors.Is(err, breaker.ErrOpen))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	b := testBreaker(t)

	for i := 0; i < 3; i++ {
		permit, err := b.Allow(ctx)
		require.NoError(t, err)
		require.NoError(t, permit.Failure(ctx))
	}

	require.NoError(t, b.Reset(ctx))
	st, err := b.State(ctx)
	require.NoError(t, err)
	require.Equal(t, store.CircuitClosed, st)
}
