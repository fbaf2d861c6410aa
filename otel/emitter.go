package otel

import (
	"github.com/petal-labs/petalstream/runtime"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
// When events are emitted, it looks up the active span from the TracingHandler
// and populates the TraceID and SpanID fields on the event.
//
// For block-level events the block span is checked first, falling back to
// the run span. When no span is active, the event passes through unchanged.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if e.BlockID != "" {
			sc := tracing.ActiveSpanContext(e.RunID, e.BlockID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// Decorator returns an executor decorator that enriches every emitted event.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(emit runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(emit, tracing)
	}
}
