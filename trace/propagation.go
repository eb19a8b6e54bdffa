package trace

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/opentracing/opentracing-go"

	"github.com/kzs0/autotrace/trace/w3c"
)

// Carrier keys written by Inject. Lookups on Extract are case-insensitive.
const (
	TraceparentHeader = "traceparent"
	TracestateHeader  = "tracestate"
	BaggageHeader     = "baggage"
)

// Inject implements opentracing.Tracer. It writes W3C Trace Context to
// opentracing.HTTPHeaders and opentracing.TextMap carriers.
func (t *Tracer) Inject(sm opentracing.SpanContext, format any, carrier any) error {
	sc, ok := sm.(SpanContext)
	if !ok || !sc.IsValid() {
		return opentracing.ErrInvalidSpanContext
	}
	w, err := textMapWriter(format, carrier)
	if err != nil {
		return err
	}

	w.Set(TraceparentHeader, w3c.NewTraceparent(sc.TraceID, sc.SpanID, sc.Sampled).String())
	if sc.Tracestate != "" {
		w.Set(TracestateHeader, sc.Tracestate)
	}
	if len(sc.baggage) > 0 {
		keys := make([]string, 0, len(sc.baggage))
		for k := range sc.baggage {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Set(BaggageHeader, w3c.FormatBaggage(keys, sc.baggage))
	}
	return nil
}

// Extract implements opentracing.Tracer. A carrier without a traceparent
// yields opentracing.ErrSpanContextNotFound; a malformed traceparent yields
// an error wrapping opentracing.ErrSpanContextCorrupted. An invalid
// tracestate or baggage entry is dropped without failing the extraction.
func (t *Tracer) Extract(format any, carrier any) (opentracing.SpanContext, error) {
	r, err := textMapReader(format, carrier)
	if err != nil {
		return nil, err
	}

	var (
		traceparent string
		tracestate  []string
		baggage     []string
	)
	err = r.ForeachKey(func(key, val string) error {
		switch strings.ToLower(key) {
		case TraceparentHeader:
			traceparent = val
		case TracestateHeader:
			tracestate = append(tracestate, val)
		case BaggageHeader:
			baggage = append(baggage, val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trace: read carrier: %w", err)
	}

	if traceparent == "" {
		return nil, opentracing.ErrSpanContextNotFound
	}
	tp, err := w3c.ParseTraceparent(traceparent)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", opentracing.ErrSpanContextCorrupted, err)
	}

	sc := NewRemoteSpanContext(tp.TraceID, tp.ParentID, "", tp.Sampled())
	if len(tracestate) > 0 {
		joined := strings.Join(tracestate, ",")
		if ts, err := w3c.ParseTracestate(joined); err == nil {
			sc.Tracestate = ts.String()
		}
	}
	if len(baggage) > 0 {
		if items, err := w3c.ParseBaggage(strings.Join(baggage, ",")); err == nil && len(items) > 0 {
			sc.baggage = items
		}
	}
	return sc, nil
}

func textMapWriter(format, carrier any) (opentracing.TextMapWriter, error) {
	if format != opentracing.HTTPHeaders && format != opentracing.TextMap {
		return nil, opentracing.ErrUnsupportedFormat
	}
	switch c := carrier.(type) {
	case http.Header:
		return opentracing.HTTPHeadersCarrier(c), nil
	case opentracing.TextMapWriter:
		return c, nil
	default:
		return nil, opentracing.ErrInvalidCarrier
	}
}

func textMapReader(format, carrier any) (opentracing.TextMapReader, error) {
	if format != opentracing.HTTPHeaders && format != opentracing.TextMap {
		return nil, opentracing.ErrUnsupportedFormat
	}
	switch c := carrier.(type) {
	case http.Header:
		return opentracing.HTTPHeadersCarrier(c), nil
	case opentracing.TextMapReader:
		return c, nil
	default:
		return nil, opentracing.ErrInvalidCarrier
	}
}
