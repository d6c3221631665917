// Package telemetry batches task events and hands anonymized aggregates to
// a sink.
package telemetry

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthands/cortex/internal/core/model"
)

// Sink receives aggregated batches. It must not block; the remote gateway
// buffers internally.
type Sink interface {
	SendTelemetry(batch model.TelemetryBatch)
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	Logger        *log.Logger
}

type Recorder struct {
	sink   Sink
	opts   Options
	mu     sync.Mutex
	events []model.TelemetryEvent
	sent   int
}

func NewRecorder(sink Sink, opts Options) *Recorder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[telemetry] ", log.LstdFlags)
	}
	return &Recorder{sink: sink, opts: opts}
}

// Record appends an event and flushes when the batch is full.
func (r *Recorder) Record(e model.TelemetryEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	var full []model.TelemetryEvent
	if len(r.events) >= r.opts.BatchSize {
		full = r.events
		r.events = nil
	}
	r.mu.Unlock()

	if full != nil {
		r.emit(full)
	}
}

// Flush aggregates and sends whatever is pending. It reports whether a
// batch was sent.
func (r *Recorder) Flush() bool {
	r.mu.Lock()
	pending := r.events
	r.events = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return false
	}
	r.emit(pending)
	return true
}

func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Sent returns the number of batches handed to the sink.
func (r *Recorder) Sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

func (r *Recorder) emit(events []model.TelemetryEvent) {
	batch := Aggregate(uuid.NewString(), events)
	r.mu.Lock()
	r.sent++
	r.mu.Unlock()
	if r.sink == nil {
		r.opts.Logger.Printf("telemetry batch %s (%d tasks) discarded: no sink", batch.BatchID, batch.TotalTasks)
		return
	}
	r.sink.SendTelemetry(batch)
}

// Run flushes on the configured interval until ctx is done, then flushes
// once more.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush()
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}

// Aggregate reduces events to counts and averages.
func Aggregate(batchID string, events []model.TelemetryEvent) model.TelemetryBatch {
	b := model.TelemetryBatch{
		BatchID:        batchID,
		TotalTasks:     len(events),
		TaskKindCounts: map[string]int{},
	}
	if len(events) == 0 {
		return b
	}
	var cost, latency, mem, cpu float64
	b.TimeRangeStart = events[0].Timestamp
	b.TimeRangeEnd = events[0].Timestamp
	for _, e := range events {
		cost += float64(e.ActualCost)
		latency += float64(e.Latency) / float64(time.Millisecond)
		mem += e.MemoryUsage
		cpu += e.CPUUsage
		b.TaskKindCounts[string(e.Kind)]++
		if e.Timestamp.Before(b.TimeRangeStart) {
			b.TimeRangeStart = e.Timestamp
		}
		if e.Timestamp.After(b.TimeRangeEnd) {
			b.TimeRangeEnd = e.Timestamp
		}
	}
	n := float64(len(events))
	b.AvgCostUsed = cost / n
	b.AvgLatency = latency / n
	b.AvgMemoryUsage = mem / n
	b.AvgCPUUsage = cpu / n
	return b
}
