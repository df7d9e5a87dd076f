package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialDelayForAttemptNoJitter(t *testing.T) {
	p := Exponential()
	p.Jitter = 0

	cases := []struct {
		attempt uint32
		want    time.Duration
	}{
		{1, 0},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, p.DelayForAttempt(c.attempt), "attempt %d", c.attempt)
	}
}

func TestDelayForAttemptCapsAtMaxInterval(t *testing.T) {
	p := Policy{
		MaxAttempts:        10,
		InitialInterval:    time.Second,
		MaxInterval:        5 * time.Second,
		BackoffCoefficient: 2,
	}
	assert.Equal(t, 4*time.Second, p.DelayForAttempt(4))
	assert.Equal(t, 5*time.Second, p.DelayForAttempt(5))
	assert.Equal(t, 5*time.Second, p.DelayForAttempt(9))
}

func TestDelayForAttemptJitterStaysWithinBounds(t *testing.T) {
	p := Policy{
		MaxAttempts:        5,
		InitialInterval:    time.Second,
		MaxInterval:        60 * time.Second,
		BackoffCoefficient: 2,
		Jitter:             0.1,
	}
	capped := 2 * time.Second // attempt 3: 1s * 2^1
	for i := 0; i < 100; i++ {
		d := p.DelayForAttempt(3)
		assert.GreaterOrEqual(t, d, capped-capped/10)
		assert.LessOrEqual(t, d, capped+capped/10)
	}
}

func TestNoRetryAllowsOneAttempt(t *testing.T) {
	p := NoRetry()
	assert.Equal(t, uint32(1), p.MaxAttempts)
	assert.Equal(t, time.Duration(0), p.DelayForAttempt(1))
}

func TestFixedPolicy(t *testing.T) {
	p := Fixed(250*time.Millisecond, 3)
	assert.Equal(t, time.Duration(0), p.DelayForAttempt(1))
	assert.Equal(t, 250*time.Millisecond, p.DelayForAttempt(2))
	assert.Equal(t, 250*time.Millisecond, p.DelayForAttempt(3))
}

func TestShouldRetryHonorsNonRetryableSet(t *testing.T) {
	p := Exponential().WithNonRetryable("invalid_input")
	assert.True(t, p.ShouldRetry("transient"))
	assert.False(t, p.ShouldRetry("invalid_input"))
}

func TestShouldRetryDefaultsToTrue(t *testing.T) {
	p := Exponential()
	assert.True(t, p.ShouldRetry("anything"))
}
