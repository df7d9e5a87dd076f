package memstore

import (
	"context"

	"github.com/everruns/durable/workflow/store"
)

// CreateCircuitBreaker initializes key's breaker in the Closed state if it
// does not already exist; an existing breaker is left untouched so restarts
// don't reset tripped breakers.
func (s *Store) CreateCircuitBreaker(ctx context.Context, key string, cfg store.CircuitBreakerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.breakers[key]; ok {
		return nil
	}
	s.breakers[key] = &store.CircuitBreakerState{
		Key:       key,
		State:     store.CircuitClosed,
		UpdatedAt: s.now(),
	}
	return nil
}

func (s *Store) GetCircuitBreaker(ctx context.Context, key string) (*store.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.breakers[key]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *Store) UpdateCircuitBreaker(ctx context.Context, key string, state store.CircuitState, failureCount, successCount uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.breakers[key]
	if !ok {
		st = &store.CircuitBreakerState{Key: key}
		s.breakers[key] = st
	}
	now := s.now()
	if state == store.CircuitOpen && st.State != store.CircuitOpen {
		st.OpenedAt = &now
	}
	if state == store.CircuitHalfOpen && st.State != store.CircuitHalfOpen {
		st.HalfOpenAt = &now
	}
	st.State = state
	st.FailureCount = failureCount
	st.SuccessCount = successCount
	st.UpdatedAt = now
	return nil
}
