package cytovae

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    stepCounter   prometheus.Counter
//	    stepHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordStep(duration time.Duration, err error) {
//	    p.stepCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordStep is called after each optimization step.
	// duration is the total time taken, err is nil if successful.
	RecordStep(duration time.Duration, err error)

	// RecordEpoch is called after each training epoch.
	// batches is the number of minibatches processed, duration is the
	// total epoch time.
	RecordEpoch(batches int, duration time.Duration)

	// RecordReorder is called after each trajectory reorder.
	// n is the number of patches reordered, err is nil if successful.
	RecordReorder(n int, duration time.Duration, err error)

	// RecordEmbed is called after each inference pass (embed, reconstruct,
	// forward). n is the number of patches processed.
	RecordEmbed(n int, duration time.Duration, err error)

	// RecordCheckpoint is called after each checkpoint save or load.
	RecordCheckpoint(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordStep(time.Duration, error)         {}
func (NoopMetricsCollector) RecordEpoch(int, time.Duration)          {}
func (NoopMetricsCollector) RecordReorder(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordEmbed(int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordCheckpoint(time.Duration, error)   {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	StepCount        atomic.Int64
	StepErrors       atomic.Int64
	StepTotalNanos   atomic.Int64
	EpochCount       atomic.Int64
	EpochBatches     atomic.Int64
	EpochTotalNanos  atomic.Int64
	ReorderCount     atomic.Int64
	ReorderErrors    atomic.Int64
	ReorderPatches   atomic.Int64
	EmbedCount       atomic.Int64
	EmbedErrors      atomic.Int64
	EmbedPatches     atomic.Int64
	CheckpointCount  atomic.Int64
	CheckpointErrors atomic.Int64
}

// RecordStep implements MetricsCollector.
func (b *BasicMetricsCollector) RecordStep(duration time.Duration, err error) {
	b.StepCount.Add(1)
	b.StepTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.StepErrors.Add(1)
	}
}

// RecordEpoch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEpoch(batches int, duration time.Duration) {
	b.EpochCount.Add(1)
	b.EpochBatches.Add(int64(batches))
	b.EpochTotalNanos.Add(duration.Nanoseconds())
}

// RecordReorder implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReorder(n int, duration time.Duration, err error) {
	b.ReorderCount.Add(1)
	b.ReorderPatches.Add(int64(n))
	if err != nil {
		b.ReorderErrors.Add(1)
	}
}

// RecordEmbed implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEmbed(n int, duration time.Duration, err error) {
	b.EmbedCount.Add(1)
	b.EmbedPatches.Add(int64(n))
	if err != nil {
		b.EmbedErrors.Add(1)
	}
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(duration time.Duration, err error) {
	b.CheckpointCount.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		StepCount:        b.StepCount.Load(),
		StepErrors:       b.StepErrors.Load(),
		StepAvgNanos:     b.getAvgStepNanos(),
		EpochCount:       b.EpochCount.Load(),
		EpochBatches:     b.EpochBatches.Load(),
		EpochAvgNanos:    b.getAvgEpochNanos(),
		ReorderCount:     b.ReorderCount.Load(),
		ReorderErrors:    b.ReorderErrors.Load(),
		ReorderPatches:   b.ReorderPatches.Load(),
		EmbedCount:       b.EmbedCount.Load(),
		EmbedErrors:      b.EmbedErrors.Load(),
		EmbedPatches:     b.EmbedPatches.Load(),
		CheckpointCount:  b.CheckpointCount.Load(),
		CheckpointErrors: b.CheckpointErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgStepNanos() int64 {
	count := b.StepCount.Load()
	if count == 0 {
		return 0
	}
	return b.StepTotalNanos.Load() / count
}

func (b *BasicMetricsCollector) getAvgEpochNanos() int64 {
	count := b.EpochCount.Load()
	if count == 0 {
		return 0
	}
	return b.EpochTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	StepCount        int64
	StepErrors       int64
	StepAvgNanos     int64
	EpochCount       int64
	EpochBatches     int64
	EpochAvgNanos    int64
	ReorderCount     int64
	ReorderErrors    int64
	ReorderPatches   int64
	EmbedCount       int64
	EmbedErrors      int64
	EmbedPatches     int64
	CheckpointCount  int64
	CheckpointErrors int64
}
