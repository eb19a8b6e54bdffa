package trace

import (
	"github.com/kzs0/autotrace/internal"
)

// SpanContext contains the identifiers for a span. It implements
// opentracing.SpanContext and is what the native tracer injects and extracts.
type SpanContext struct {
	TraceID    internal.TraceID
	SpanID     internal.SpanID
	Tracestate string // W3C tracestate for passthrough propagation
	IsRemote   bool   // true if extracted from a carrier
	Sampled    bool

	baggage map[string]string
}

// IsValid returns true if the span context has valid IDs.
func (sc SpanContext) IsValid() bool {
	return !sc.TraceID.IsZero() && !sc.SpanID.IsZero()
}

// ForeachBaggageItem implements opentracing.SpanContext.
func (sc SpanContext) ForeachBaggageItem(handler func(k, v string) bool) {
	for k, v := range sc.baggage {
		if !handler(k, v) {
			return
		}
	}
}

// BaggageItem returns a single baggage value.
func (sc SpanContext) BaggageItem(key string) string {
	return sc.baggage[key]
}

// withBaggageItem returns a copy of sc carrying the extra item. The receiver
// is never mutated, so contexts already handed out stay stable.
func (sc SpanContext) withBaggageItem(key, value string) SpanContext {
	items := make(map[string]string, len(sc.baggage)+1)
	for k, v := range sc.baggage {
		items[k] = v
	}
	items[key] = value
	sc.baggage = items
	return sc
}

// NewRemoteSpanContext creates a SpanContext decoded from a carrier.
func NewRemoteSpanContext(traceID internal.TraceID, spanID internal.SpanID, tracestate string, sampled bool) SpanContext {
	return SpanContext{
		TraceID:    traceID,
		SpanID:     spanID,
		Tracestate: tracestate,
		IsRemote:   true,
		Sampled:    sampled,
	}
}
