package remote

import (
	"context"
	"time"

	"github.com/agenthands/cortex/internal/core/model"
)

// SendTelemetry queues an aggregated batch for upload and returns
// immediately. Once the buffer is full the oldest batches are dropped.
func (g *Gateway) SendTelemetry(batch model.TelemetryBatch) {
	g.mu.Lock()
	g.telemetry = append(g.telemetry, batch)
	if over := len(g.telemetry) - g.cfg.TelemetryBuffer; over > 0 {
		g.telemetry = append([]model.TelemetryBatch(nil), g.telemetry[over:]...)
		g.dropped += over
	}
	g.mu.Unlock()

	select {
	case g.pending <- struct{}{}:
	default:
	}
}

// BufferedTelemetry returns the number of batches awaiting upload and the
// number dropped so far.
func (g *Gateway) BufferedTelemetry() (buffered, dropped int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.telemetry), g.dropped
}

// FlushTelemetry uploads buffered batches in order. Batches not sent go
// back to the front of the buffer.
func (g *Gateway) FlushTelemetry(ctx context.Context) error {
	g.mu.Lock()
	batches := g.telemetry
	g.telemetry = nil
	g.mu.Unlock()

	for i, b := range batches {
		if err := g.post(ctx, "/v1/telemetry", b, nil); err != nil {
			g.requeue(batches[i:])
			return err
		}
	}
	return nil
}

func (g *Gateway) requeue(batches []model.TelemetryBatch) {
	g.mu.Lock()
	defer g.mu.Unlock()
	merged := append(append([]model.TelemetryBatch(nil), batches...), g.telemetry...)
	if over := len(merged) - g.cfg.TelemetryBuffer; over > 0 {
		merged = merged[over:]
		g.dropped += over
	}
	g.telemetry = merged
}

// RunTelemetry uploads queued batches as they arrive and retries failed
// uploads every retry interval until ctx is done.
func (g *Gateway) RunTelemetry(ctx context.Context, retry time.Duration) {
	if retry <= 0 {
		retry = time.Minute
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.pending:
		case <-ticker.C:
		}
		if n, _ := g.BufferedTelemetry(); n == 0 {
			continue
		}
		if err := g.FlushTelemetry(ctx); err != nil {
			g.logger.Printf("Warning: telemetry upload failed, will retry: %v", err)
		}
	}
}
