package poller_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/everruns/durable/workflow/worker/poller"
)

func TestDefaultConfig(t *testing.T) {
	c := poller.DefaultConfig()
	assert.Equal(t, 100*time.Millisecond, c.MinInterval)
	assert.Equal(t, 5*time.Second, c.MaxInterval)
	assert.Equal(t, 1.5, c.BackoffMultiplier)
	assert.Equal(t, 10, c.BatchSize)
}

func TestConfigBuilder(t *testing.T) {
	c := poller.DefaultConfig().
		WithMinInterval(50 * time.Millisecond).
		WithMaxInterval(10 * time.Second).
		WithBackoffMultiplier(2.0).
		WithBatchSize(20)

	assert.Equal(t, 50*time.Millisecond, c.MinInterval)
	assert.Equal(t, 10*time.Second, c.MaxInterval)
	assert.Equal(t, 2.0, c.BackoffMultiplier)
	assert.Equal(t, 20, c.BatchSize)
}

func TestPollResetsOnClaim(t *testing.T) {
	cfg := poller.DefaultConfig().WithBackoffMultiplier(2.0)
	claims := []int{0, 0, 3}
	i := 0
	p := poller.New(func(ctx context.Context, maxTasks int) (int, error) {
		n := claims[i]
		i++
		return n, nil
	}, cfg, nil)

	ctx := context.Background()
	_, _ = p.Poll(ctx)
	assert.Greater(t, p.CurrentInterval(), cfg.MinInterval)
	_, _ = p.Poll(ctx)
	assert.Greater(t, p.CurrentInterval(), cfg.MinInterval)
	_, _ = p.Poll(ctx)
	assert.Equal(t, cfg.MinInterval, p.CurrentInterval())
}

func TestAdaptivePollerHighLoad(t *testing.T) {
	cfg := poller.DefaultConfig()
	a := poller.NewAdaptive(cfg)
	for i := 0; i < 5; i++ {
		a.RecordPoll(9)
	}
	assert.Equal(t, cfg.MinInterval, a.OptimalInterval())
}

func TestAdaptivePollerLowLoad(t *testing.T) {
	cfg := poller.DefaultConfig()
	a := poller.NewAdaptive(cfg)
	for i := 0; i < 5; i++ {
		a.RecordPoll(0)
	}
	interval := a.OptimalInterval()
	assert.Greater(t, interval, cfg.MinInterval)
	assert.LessOrEqual(t, interval, cfg.MaxInterval)
}

func TestAdaptivePollerRollingWindow(t *testing.T) {
	cfg := poller.DefaultConfig()
	a := poller.NewAdaptive(cfg)
	for i := 0; i < 15; i++ {
		a.RecordPoll(i % 10)
	}
	// only the last 10 samples should count toward the average.
	assert.InDelta(t, 4.5, a.AverageTasksPerPoll(), 0.01)
}

func TestAverageTasksPerPoll(t *testing.T) {
	a := poller.NewAdaptive(poller.DefaultConfig())
	a.RecordPoll(5)
	a.RecordPoll(10)
	a.RecordPoll(15)
	assert.Equal(t, 10.0, a.AverageTasksPerPoll())
}
