package backpressure_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/everruns/durable/workflow/worker/backpressure"
)

type fakeSampler struct {
	memBytes uint64
	memErr   error
	cpuPct   float64
	cpuErr   error
}

func (f fakeSampler) MemoryUsedBytes() (uint64, error) { return f.memBytes, f.memErr }
func (f fakeSampler) CPUPercent() (float64, error)     { return f.cpuPct, f.cpuErr }

func TestDefaultConfig(t *testing.T) {
	c := backpressure.DefaultConfig()
	assert.Equal(t, 0.9, c.HighWatermark)
	assert.Equal(t, 0.7, c.LowWatermark)
	assert.Nil(t, c.MemoryThreshold)
	assert.Nil(t, c.CPUThreshold)
}

func TestConfigValidateRejectsLowAboveHigh(t *testing.T) {
	c := backpressure.DefaultConfig().WithHighWatermark(0.5).WithLowWatermark(0.8)
	assert.Error(t, c.Validate())
}

func TestAcceptsInitially(t *testing.T) {
	s := backpressure.New(backpressure.DefaultConfig(), 10)
	assert.True(t, s.ShouldAccept())
	assert.True(t, s.IsAccepting())
}

func TestStopsAtHighWatermark(t *testing.T) {
	c := backpressure.DefaultConfig().WithHighWatermark(0.8).WithLowWatermark(0.5)
	s := backpressure.New(c, 10)
	for i := 0; i < 8; i++ {
		s.TaskStarted()
	}
	assert.False(t, s.ShouldAccept())
	assert.False(t, s.IsAccepting())
	assert.NotEmpty(t, s.BackpressureReason())
}

func TestResumesAtLowWatermark(t *testing.T) {
	c := backpressure.DefaultConfig().WithHighWatermark(0.8).WithLowWatermark(0.5)
	s := backpressure.New(c, 10)
	for i := 0; i < 9; i++ {
		s.TaskStarted()
	}
	assert.False(t, s.ShouldAccept())
	for i := 0; i < 5; i++ {
		s.TaskCompleted()
	}
	assert.True(t, s.ShouldAccept())
	assert.True(t, s.IsAccepting())
	assert.Empty(t, s.BackpressureReason())
}

func TestHysteresisPreventsOscillation(t *testing.T) {
	c := backpressure.DefaultConfig().WithHighWatermark(0.8).WithLowWatermark(0.5)
	s := backpressure.New(c, 10)
	for i := 0; i < 8; i++ {
		s.TaskStarted()
	}
	assert.False(t, s.ShouldAccept())

	s.TaskCompleted() // 70% load, between the watermarks
	assert.False(t, s.ShouldAccept(), "should still latch rejecting between watermarks")

	for i := 0; i < 2; i++ {
		s.TaskCompleted()
	}
	assert.True(t, s.ShouldAccept(), "should resume once at or below the low watermark")
}

func TestPauseAndResume(t *testing.T) {
	s := backpressure.New(backpressure.DefaultConfig(), 10)
	s.Pause("manual pause")
	assert.False(t, s.IsAccepting())
	assert.Equal(t, "manual pause", s.BackpressureReason())

	s.Resume()
	assert.True(t, s.IsAccepting())
	assert.Empty(t, s.BackpressureReason())
}

func TestResumeIgnoredAboveLowWatermark(t *testing.T) {
	c := backpressure.DefaultConfig().WithHighWatermark(0.8).WithLowWatermark(0.5)
	s := backpressure.New(c, 10)
	for i := 0; i < 7; i++ {
		s.TaskStarted()
	}
	s.Pause("manual pause")
	s.Resume()
	assert.False(t, s.IsAccepting(), "resume should not override load still above the low watermark")
}

func TestAvailableSlots(t *testing.T) {
	s := backpressure.New(backpressure.DefaultConfig(), 10)
	assert.Equal(t, 10, s.AvailableSlots())

	s.TaskStarted()
	s.TaskStarted()
	s.TaskStarted()

	assert.Equal(t, 7, s.AvailableSlots())
	assert.Equal(t, 3, s.CurrentLoad())
}

func TestRejectsOnMemoryThresholdRegardlessOfLoad(t *testing.T) {
	threshold := uint64(1 << 30)
	c := backpressure.DefaultConfig()
	c.MemoryThreshold = &threshold
	s := backpressure.New(c, 10).WithSampler(fakeSampler{memBytes: 2 << 30})

	assert.False(t, s.ShouldAccept())
	assert.Contains(t, s.BackpressureReason(), "memory usage")
}

func TestRejectsOnCPUThresholdRegardlessOfLoad(t *testing.T) {
	threshold := 0.8
	c := backpressure.DefaultConfig()
	c.CPUThreshold = &threshold
	s := backpressure.New(c, 10).WithSampler(fakeSampler{cpuPct: 0.95})

	assert.False(t, s.ShouldAccept())
	assert.Contains(t, s.BackpressureReason(), "cpu usage")
}

func TestAcceptsWhenUnderResourceThresholds(t *testing.T) {
	memThreshold := uint64(1 << 30)
	cpuThreshold := 0.8
	c := backpressure.DefaultConfig()
	c.MemoryThreshold = &memThreshold
	c.CPUThreshold = &cpuThreshold
	s := backpressure.New(c, 10).WithSampler(fakeSampler{memBytes: 1 << 20, cpuPct: 0.1})

	assert.True(t, s.ShouldAccept())
}

func TestSamplerErrorDoesNotBlockAcceptance(t *testing.T) {
	memThreshold := uint64(1 << 30)
	c := backpressure.DefaultConfig()
	c.MemoryThreshold = &memThreshold
	s := backpressure.New(c, 10).WithSampler(fakeSampler{memErr: errors.New("sampling unavailable")})

	assert.True(t, s.ShouldAccept())
}

func TestResumeIgnoredWhileOverResourceThreshold(t *testing.T) {
	memThreshold := uint64(1 << 30)
	c := backpressure.DefaultConfig().WithHighWatermark(0.8).WithLowWatermark(0.5)
	c.MemoryThreshold = &memThreshold
	s := backpressure.New(c, 10).WithSampler(fakeSampler{memBytes: 2 << 30})

	s.Pause("manual pause")
	s.Resume()
	assert.False(t, s.IsAccepting(), "resume should not override an active memory threshold breach")
}
