package retry

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRetryDelayLawProperty checks Testable Property 8: for a policy with
// jitter 0, DelayForAttempt(k) equals min(initial*coefficient^(k-2),
// max_interval) for k>=2, and 0 for k==1.
func TestRetryDelayLawProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("delay_for_attempt matches the closed-form law", prop.ForAll(
		func(initialMs int, coefficient float64, maxMs int, attempt int) bool {
			p := Policy{
				MaxAttempts:        10,
				InitialInterval:    time.Duration(initialMs) * time.Millisecond,
				MaxInterval:        time.Duration(maxMs) * time.Millisecond,
				BackoffCoefficient: coefficient,
				Jitter:             0,
			}
			got := p.DelayForAttempt(uint32(attempt))
			if attempt <= 1 {
				return got == 0
			}
			base := float64(p.InitialInterval) * math.Pow(coefficient, float64(attempt-2))
			want := time.Duration(math.Min(base, float64(p.MaxInterval)))
			return got == want
		},
		gen.IntRange(1, 5000),
		gen.Float64Range(1.0, 4.0),
		gen.IntRange(5000, 120000),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
