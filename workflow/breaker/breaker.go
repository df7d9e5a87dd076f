// Package breaker implements a per-key circuit breaker whose state is
// shared across workers via store.Store, with a short-lived local cache so
// every Allow call doesn't round-trip the store. One Breaker instance
// guards one key (typically an activity_type); a worker pool holds a
// Breaker per activity type it protects.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/everruns/durable/workflow/store"
)

// ErrOpen is returned by Allow when the circuit is fast-failing.
var ErrOpen = errors.New("breaker: circuit is open")

type cachedState struct {
	state        store.CircuitState
	failureCount uint32
	successCount uint32
	openedAt     *time.Time
	cachedAt     time.Time
}

func (c cachedState) isStale(maxAge time.Duration, now time.Time) bool {
	return now.Sub(c.cachedAt) > maxAge
}

// Breaker is a distributed circuit breaker for one key. Safe for concurrent
// use.
type Breaker struct {
	key           string
	config        store.CircuitBreakerConfig
	store         store.Store
	cacheDuration time.Duration
	now           func() time.Time

	mu    sync.RWMutex
	cache *cachedState
}

// New constructs a Breaker for key with a 1 second local cache, matching
// the engine default.
func New(key string, cfg store.CircuitBreakerConfig, s store.Store) *Breaker {
	return &Breaker{
		key:           key,
		config:        cfg,
		store:         s,
		cacheDuration: time.Second,
		now:           time.Now,
	}
}

// WithCacheDuration returns a copy of b using the given local cache
// lifetime, e.g. zero to disable caching in tests.
func (b *Breaker) WithCacheDuration(d time.Duration) *Breaker {
	cp := *b
	cp.cacheDuration = d
	return &cp
}

// Key returns the circuit breaker's identifying key.
func (b *Breaker) Key() string { return b.key }

// Permit is returned by Allow and must be resolved with Success or Failure
// exactly once.
type Permit struct {
	b *Breaker
}

// Success reports that the guarded call succeeded.
func (p Permit) Success(ctx context.Context) error { return p.b.recordSuccess(ctx) }

// Failure reports that the guarded call failed.
func (p Permit) Failure(ctx context.Context) error { return p.b.recordFailure(ctx) }

// Allow reports whether a call should proceed, returning a Permit to
// resolve afterward. It returns ErrOpen if the circuit is fast-failing.
func (b *Breaker) Allow(ctx context.Context) (Permit, error) {
	st, err := b.getState(ctx)
	if err != nil {
		return Permit{}, err
	}
	switch st.state {
	case store.CircuitClosed:
		return Permit{b: b}, nil
	case store.CircuitOpen:
		if b.shouldTransitionToHalfOpen(st) {
			if err := b.transition(ctx, store.CircuitHalfOpen); err != nil {
				return Permit{}, err
			}
			return Permit{b: b}, nil
		}
		return Permit{}, ErrOpen
	case store.CircuitHalfOpen:
		return Permit{b: b}, nil
	default:
		return Permit{}, ErrOpen
	}
}

// State reports the circuit's current phase without acquiring a permit.
func (b *Breaker) State(ctx context.Context) (store.CircuitState, error) {
	st, err := b.getState(ctx)
	if err != nil {
		return "", err
	}
	return st.state, nil
}

// Reset forces the circuit back to Closed, for admin/testing use.
func (b *Breaker) Reset(ctx context.Context) error {
	return b.transition(ctx, store.CircuitClosed)
}

func (b *Breaker) recordSuccess(ctx context.Context) error {
	st, err := b.getState(ctx)
	if err != nil {
		return err
	}
	switch st.state {
	case store.CircuitClosed:
		// Per DESIGN.md's Resolved Open Question 5, a Closed-state success
		// resets the failure count to 0 rather than being a no-op: this
		// engine has no sliding-window failure detector to do that for it.
		if st.failureCount == 0 {
			return nil
		}
		if err := b.store.UpdateCircuitBreaker(ctx, b.key, store.CircuitClosed, 0, 0); err != nil {
			return err
		}
		b.invalidate()
		return nil
	case store.CircuitHalfOpen:
		newSuccessCount := st.successCount + 1
		if newSuccessCount >= b.config.SuccessThreshold {
			if err := b.transition(ctx, store.CircuitClosed); err != nil {
				return err
			}
			return nil
		}
		if err := b.store.UpdateCircuitBreaker(ctx, b.key, store.CircuitHalfOpen, st.failureCount, newSuccessCount); err != nil {
			return err
		}
		b.invalidate()
		return nil
	default: // Open: shouldn't happen, a permit can't be held while Open.
		return nil
	}
}

func (b *Breaker) recordFailure(ctx context.Context) error {
	st, err := b.getState(ctx)
	if err != nil {
		return err
	}
	switch st.state {
	case store.CircuitClosed:
		newFailureCount := st.failureCount + 1
		if newFailureCount >= b.config.FailureThreshold {
			return b.transition(ctx, store.CircuitOpen)
		}
		if err := b.store.UpdateCircuitBreaker(ctx, b.key, store.CircuitClosed, newFailureCount, 0); err != nil {
			return err
		}
		b.invalidate()
		return nil
	case store.CircuitHalfOpen:
		// Any failure while probing in HalfOpen reopens the circuit.
		return b.transition(ctx, store.CircuitOpen)
	default: // Open: shouldn't happen.
		return nil
	}
}

func (b *Breaker) getState(ctx context.Context) (cachedState, error) {
	b.mu.RLock()
	if b.cache != nil && !b.cache.isStale(b.cacheDuration, b.now()) {
		cp := *b.cache
		b.mu.RUnlock()
		return cp, nil
	}
	b.mu.RUnlock()

	dbState, err := b.store.GetCircuitBreaker(ctx, b.key)
	if err != nil {
		return cachedState{}, err
	}

	var cached cachedState
	if dbState != nil {
		cached = cachedState{
			state:        dbState.State,
			failureCount: dbState.FailureCount,
			successCount: dbState.SuccessCount,
			openedAt:     dbState.OpenedAt,
			cachedAt:     b.now(),
		}
	} else {
		if err := b.store.CreateCircuitBreaker(ctx, b.key, b.config); err != nil {
			return cachedState{}, err
		}
		cached = cachedState{state: store.CircuitClosed, cachedAt: b.now()}
	}

	b.mu.Lock()
	b.cache = &cached
	b.mu.Unlock()
	return cached, nil
}

func (b *Breaker) shouldTransitionToHalfOpen(st cachedState) bool {
	if st.openedAt == nil {
		return false
	}
	return b.now().Sub(*st.openedAt) >= b.config.ResetTimeout
}

func (b *Breaker) transition(ctx context.Context, to store.CircuitState) error {
	if err := b.store.UpdateCircuitBreaker(ctx, b.key, to, 0, 0); err != nil {
		return err
	}
	b.invalidate()
	return nil
}

func (b *Breaker) invalidate() {
	b.mu.Lock()
	b.cache = nil
	b.mu.Unlock()
}
