// Package retry implements the engine's per-task retry policy: backoff
// schedule, non-retryable error classification, and the built-in presets.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/everruns/durable/workflow"
)

// FromActivityOptions builds a Policy from the wire-friendly fields carried
// on workflow.ActivityOptions (plain ints/millis, since ActivityOptions is
// serialized as part of ActivityScheduled events and task rows).
func FromActivityOptions(opts workflow.ActivityOptions) Policy {
	set := make(map[string]struct{}, len(opts.NonRetryableErrors))
	for _, k := range opts.NonRetryableErrors {
		set[k] = struct{}{}
	}
	return Policy{
		MaxAttempts:        opts.MaxAttempts,
		InitialInterval:    time.Duration(opts.InitialIntervalMs) * time.Millisecond,
		MaxInterval:        time.Duration(opts.MaxIntervalMs) * time.Millisecond,
		BackoffCoefficient: opts.BackoffCoefficient,
		Jitter:             opts.Jitter,
		NonRetryableErrors: set,
	}
}

// Policy captures the retry schedule for one activity type.
type Policy struct {
	// MaxAttempts is the total number of attempts allowed, including the
	// first. A policy with MaxAttempts == 1 never retries.
	MaxAttempts uint32
	// InitialInterval is the delay before attempt 2.
	InitialInterval time.Duration
	// MaxInterval caps the computed delay regardless of attempt number.
	MaxInterval time.Duration
	// BackoffCoefficient multiplies the interval for each attempt beyond
	// the second.
	BackoffCoefficient float64
	// Jitter is a fraction in [0,1] of the capped delay to randomize by,
	// applied as ±Jitter·delay.
	Jitter float64
	// NonRetryableErrors names error kinds that should never be retried
	// regardless of remaining attempts.
	NonRetryableErrors map[string]struct{}
}

// NoRetry returns a policy that allows exactly one attempt.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

// Fixed returns a policy that retries n times total with a constant delay
// between attempts.
func Fixed(interval time.Duration, attempts uint32) Policy {
	return Policy{
		MaxAttempts:        attempts,
		InitialInterval:    interval,
		MaxInterval:        interval,
		BackoffCoefficient: 1,
	}
}

// Exponential returns the engine's default retry policy: 5 attempts,
// 1s initial interval growing to a 60s cap at 2x per attempt, with 10%
// jitter.
func Exponential() Policy {
	return Policy{
		MaxAttempts:        5,
		InitialInterval:    time.Second,
		MaxInterval:        60 * time.Second,
		BackoffCoefficient: 2,
		Jitter:             0.1,
	}
}

// DelayForAttempt returns the delay to wait before running attempt k. k is
// 1-based: attempt 1 always has zero delay. For k >= 2 the delay is
// min(initial * coefficient^(k-2), max), perturbed by uniform jitter of
// ±(jitter * capped delay) and clamped to be non-negative.
func (p Policy) DelayForAttempt(k uint32) time.Duration {
	if k <= 1 {
		return 0
	}
	base := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(k-2))
	capped := math.Min(base, float64(p.MaxInterval))
	if p.Jitter <= 0 {
		return time.Duration(capped)
	}
	delta := capped * p.Jitter
	jittered := capped + (rand.Float64()*2-1)*delta
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

// ShouldRetry reports whether an error of the given kind should be retried
// at all, independent of remaining attempts.
func (p Policy) ShouldRetry(kind string) bool {
	if p.NonRetryableErrors == nil {
		return true
	}
	_, nonRetryable := p.NonRetryableErrors[kind]
	return !nonRetryable
}

// WithNonRetryable returns a copy of p with the given error kinds added to
// its non-retryable set.
func (p Policy) WithNonRetryable(kinds ...string) Policy {
	set := make(map[string]struct{}, len(p.NonRetryableErrors)+len(kinds))
	for k := range p.NonRetryableErrors {
		set[k] = struct{}{}
	}
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	p.NonRetryableErrors = set
	return p
}
