package bench

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/codahale/hdrhistogram"
)

// histogramMin and histogramMax bound the microsecond-resolution latencies hdrhistogram
// tracks: 1us floor, 5 minutes ceiling comfortably covers DurationVeryLong.
const (
	histogramMin          = 1
	histogramMax          = int64(5 * time.Minute / time.Microsecond)
	histogramSigFigures   = 3
	nanosPerHistogramUnit = int64(time.Microsecond)
)

// LatencyHistogram wraps an hdrhistogram.Histogram with a mutex, since the
// underlying histogram is not safe for concurrent RecordValue calls.
type LatencyHistogram struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// NewLatencyHistogram constructs an empty histogram covering 1us-5m at
// three significant figures of precision.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{hist: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigures)}
}

// Record adds one observed duration to the distribution.
func (h *LatencyHistogram) Record(d time.Duration) {
	us := int64(d) / nanosPerHistogramUnit
	if us < histogramMin {
		us = histogramMin
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.hist.RecordValue(us)
}

// LatencySummary is a snapshot of a LatencyHistogram's percentiles.
type LatencySummary struct {
	P50, P95, P99, Max time.Duration
	Count              int64
}

// Summary reports the distribution's current percentiles.
func (h *LatencyHistogram) Summary() LatencySummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return LatencySummary{
		P50:   time.Duration(h.hist.ValueAtQuantile(50)) * time.Microsecond,
		P95:   time.Duration(h.hist.ValueAtQuantile(95)) * time.Microsecond,
		P99:   time.Duration(h.hist.ValueAtQuantile(99)) * time.Microsecond,
		Max:   time.Duration(h.hist.Max()) * time.Microsecond,
		Count: h.hist.TotalCount(),
	}
}

// Counter is a simple atomic throughput counter with an elapsed-time base
// for rate calculation.
type Counter struct {
	count atomic.Int64
	start time.Time
}

// NewCounter constructs a Counter whose elapsed time is measured from now.
func NewCounter() *Counter {
	return &Counter{start: time.Now()}
}

// Increment records one completed unit of work.
func (c *Counter) Increment() { c.count.Add(1) }

// Total returns the number of completed units recorded so far.
func (c *Counter) Total() int64 { return c.count.Load() }

// Throughput returns completed units per second since the counter was
// constructed.
func (c *Counter) Throughput() float64 {
	elapsed := time.Since(c.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(c.count.Load()) / elapsed
}

// Metrics aggregates everything one scenario run measures: per-phase
// latency distributions and overall throughput.
type Metrics struct {
	ScheduleToStart *LatencyHistogram
	Execution       *LatencyHistogram
	EndToEnd        *LatencyHistogram
	Completed       *Counter
}

// NewMetrics constructs an empty Metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		ScheduleToStart: NewLatencyHistogram(),
		Execution:       NewLatencyHistogram(),
		EndToEnd:        NewLatencyHistogram(),
		Completed:       NewCounter(),
	}
}
