package telemetry

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cortex/internal/core/model"
)

type MockSink struct {
	mu      sync.Mutex
	Batches []model.TelemetryBatch
}

func (m *MockSink) SendTelemetry(b model.TelemetryBatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Batches = append(m.Batches, b)
}

func (m *MockSink) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Batches)
}

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func event(kind model.Kind, cost int64, offset time.Duration) model.TelemetryEvent {
	return model.TelemetryEvent{
		Kind:        kind,
		ActualCost:  cost,
		Latency:     100 * time.Millisecond,
		Venue:       model.VenueLocal,
		MemoryUsage: 0.5,
		CPUUsage:    0.25,
		Timestamp:   t0.Add(offset),
	}
}

func TestAggregate(t *testing.T) {
	b := Aggregate("b1", []model.TelemetryEvent{
		event(model.KindChat, 100, time.Minute),
		event(model.KindChat, 300, 0),
		event(model.KindModerate, 200, 2*time.Minute),
	})
	assert.Equal(t, "b1", b.BatchID)
	assert.Equal(t, 3, b.TotalTasks)
	assert.InDelta(t, 200.0, b.AvgCostUsed, 1e-9)
	assert.InDelta(t, 100.0, b.AvgLatency, 1e-9)
	assert.InDelta(t, 0.5, b.AvgMemoryUsage, 1e-9)
	assert.InDelta(t, 0.25, b.AvgCPUUsage, 1e-9)
	assert.Equal(t, map[string]int{"chat": 2, "moderate": 1}, b.TaskKindCounts)
	assert.Equal(t, t0, b.TimeRangeStart)
	assert.Equal(t, t0.Add(2*time.Minute), b.TimeRangeEnd)
}

func TestRecordFlushesAtBatchSize(t *testing.T) {
	sink := &MockSink{}
	r := NewRecorder(sink, Options{BatchSize: 3, Logger: log.New(io.Discard, "", 0)})

	r.Record(event(model.KindChat, 1, 0))
	r.Record(event(model.KindChat, 1, 0))
	assert.Equal(t, 0, sink.Count())
	assert.Equal(t, 2, r.Pending())

	r.Record(event(model.KindChat, 1, 0))
	require.Equal(t, 1, sink.Count())
	assert.Equal(t, 3, sink.Batches[0].TotalTasks)
	assert.NotEmpty(t, sink.Batches[0].BatchID)
	assert.Equal(t, 0, r.Pending())

	assert.False(t, r.Flush())
	r.Record(event(model.KindClassify, 1, 0))
	assert.True(t, r.Flush())
	assert.Equal(t, 2, sink.Count())
	assert.Equal(t, 2, r.Sent())
}

func TestRunFlushesOnTimerAndShutdown(t *testing.T) {
	sink := &MockSink{}
	r := NewRecorder(sink, Options{BatchSize: 100, FlushInterval: 10 * time.Millisecond, Logger: log.New(io.Discard, "", 0)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.Record(event(model.KindChat, 5, 0))
	assert.Eventually(t, func() bool { return sink.Count() == 1 }, time.Second, 5*time.Millisecond)

	r.Record(event(model.KindChat, 5, 0))
	cancel()
	<-done
	assert.Equal(t, 0, r.Pending())
	assert.GreaterOrEqual(t, sink.Count(), 2)
}

type countingSink struct{ n int }

func (c *countingSink) Record(model.TelemetryEvent) { c.n++ }

func TestTeeFansOut(t *testing.T) {
	sink := &MockSink{}
	r := NewRecorder(sink, Options{BatchSize: 2, Logger: log.New(io.Discard, "", 0)})
	other := &countingSink{}

	out := Tee(r, nil, other)
	out.Record(event(model.KindChat, 1, 0))
	out.Record(event(model.KindModerate, 1, time.Second))

	assert.Equal(t, 2, other.n)
	require.Equal(t, 1, sink.Count())
	assert.Equal(t, 2, sink.Batches[0].TotalTasks)
}
