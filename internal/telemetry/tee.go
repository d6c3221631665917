package telemetry

import "github.com/agenthands/cortex/internal/core/model"

// EventSink consumes task events. Recorder and the federated trainer both
// implement it.
type EventSink interface {
	Record(e model.TelemetryEvent)
}

type tee []EventSink

// Tee fans each event out to every non-nil sink in order.
func Tee(sinks ...EventSink) EventSink {
	var t tee
	for _, s := range sinks {
		if s != nil {
			t = append(t, s)
		}
	}
	return t
}

func (t tee) Record(e model.TelemetryEvent) {
	for _, s := range t {
		s.Record(e)
	}
}
