package otlp

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/kzs0/autotrace/trace"
)

const scopeName = "github.com/kzs0/autotrace"

// ExportRequest represents an OTLP trace export request.
type ExportRequest struct {
	ResourceSpans []ResourceSpans `json:"resourceSpans"`
}

// ResourceSpans groups spans by resource.
type ResourceSpans struct {
	Resource   Resource     `json:"resource"`
	ScopeSpans []ScopeSpans `json:"scopeSpans"`
}

// Resource represents a resource with attributes.
type Resource struct {
	Attributes []KeyValue `json:"attributes"`
}

// ScopeSpans groups spans by instrumentation scope.
type ScopeSpans struct {
	Scope InstrumentationScope `json:"scope"`
	Spans []Span               `json:"spans"`
}

// InstrumentationScope identifies the instrumentation library.
type InstrumentationScope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Span is the OTLP/JSON form of a finished span.
type Span struct {
	TraceID           string     `json:"traceId"`
	SpanID            string     `json:"spanId"`
	ParentSpanID      string     `json:"parentSpanId,omitempty"`
	TraceState        string     `json:"traceState,omitempty"`
	Name              string     `json:"name"`
	Kind              int        `json:"kind"`
	StartTimeUnixNano uint64     `json:"startTimeUnixNano,string"`
	EndTimeUnixNano   uint64     `json:"endTimeUnixNano,string"`
	Attributes        []KeyValue `json:"attributes,omitempty"`
	Events            []Event    `json:"events,omitempty"`
	Status            *Status    `json:"status,omitempty"`
}

// KeyValue represents a key-value attribute.
type KeyValue struct {
	Key   string   `json:"key"`
	Value AnyValue `json:"value"`
}

// AnyValue holds exactly one typed value.
type AnyValue struct {
	StringValue *string  `json:"stringValue,omitempty"`
	IntValue    *int64   `json:"intValue,string,omitempty"`
	DoubleValue *float64 `json:"doubleValue,omitempty"`
	BoolValue   *bool    `json:"boolValue,omitempty"`
}

// Event represents a span event.
type Event struct {
	TimeUnixNano uint64     `json:"timeUnixNano,string"`
	Name         string     `json:"name"`
	Attributes   []KeyValue `json:"attributes,omitempty"`
}

// Status represents the span status.
type Status struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewExportRequest converts finished spans into a single-resource request.
func NewExportRequest(spans []*trace.Span, serviceName string, resource map[string]any) ExportRequest {
	resourceAttrs := append(
		[]KeyValue{{Key: "service.name", Value: toAnyValue(serviceName)}},
		toKeyValues(resource)...,
	)

	otlpSpans := make([]Span, len(spans))
	for i, s := range spans {
		otlpSpans[i] = spanToOTLP(s)
	}

	return ExportRequest{
		ResourceSpans: []ResourceSpans{{
			Resource: Resource{Attributes: resourceAttrs},
			ScopeSpans: []ScopeSpans{{
				Scope: InstrumentationScope{Name: scopeName},
				Spans: otlpSpans,
			}},
		}},
	}
}

// EncodeSpans writes spans to w as OTLP/JSON.
func EncodeSpans(w io.Writer, spans []*trace.Span, serviceName string, resource map[string]any) error {
	if len(spans) == 0 {
		return nil
	}
	if err := json.NewEncoder(w).Encode(NewExportRequest(spans, serviceName, resource)); err != nil {
		return fmt.Errorf("otlp: encode spans: %w", err)
	}
	return nil
}

func spanToOTLP(s *trace.Span) Span {
	sc := s.SpanContext()
	out := Span{
		TraceID:           sc.TraceID.String(),
		SpanID:            sc.SpanID.String(),
		TraceState:        sc.Tracestate,
		Name:              s.Name(),
		Kind:              kindToOTLP(s.Kind()),
		StartTimeUnixNano: unixNano(s.StartTime()),
		EndTimeUnixNano:   unixNano(s.EndTime()),
		Attributes:        toKeyValues(s.Tags()),
	}
	if !s.ParentID().IsZero() {
		out.ParentSpanID = s.ParentID().String()
	}

	for _, e := range s.Events() {
		out.Events = append(out.Events, Event{
			TimeUnixNano: unixNano(e.Time),
			Name:         e.Name,
			Attributes:   toKeyValues(e.Fields),
		})
	}

	if status, msg := s.Status(); status != trace.StatusUnset {
		out.Status = &Status{Code: statusToOTLP(status), Message: msg}
	}
	return out
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func kindToOTLP(kind trace.SpanKind) int {
	switch kind {
	case trace.SpanKindInternal:
		return 1
	case trace.SpanKindServer:
		return 2
	case trace.SpanKindClient:
		return 3
	case trace.SpanKindProducer:
		return 4
	case trace.SpanKindConsumer:
		return 5
	default:
		return 0
	}
}

func statusToOTLP(status trace.SpanStatus) int {
	switch status {
	case trace.StatusOK:
		return 1
	case trace.StatusError:
		return 2
	default:
		return 0
	}
}

// toKeyValues emits attributes sorted by key so payloads are stable.
func toKeyValues(m map[string]any) []KeyValue {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]KeyValue, len(keys))
	for i, k := range keys {
		kvs[i] = KeyValue{Key: k, Value: toAnyValue(m[k])}
	}
	return kvs
}

func toAnyValue(v any) AnyValue {
	switch x := v.(type) {
	case string:
		return AnyValue{StringValue: &x}
	case bool:
		return AnyValue{BoolValue: &x}
	case int:
		return intValue(int64(x))
	case int8:
		return intValue(int64(x))
	case int16:
		return intValue(int64(x))
	case int32:
		return intValue(int64(x))
	case int64:
		return intValue(x)
	case uint8:
		return intValue(int64(x))
	case uint16:
		return intValue(int64(x))
	case uint32:
		return intValue(int64(x))
	case uint64:
		return intValue(int64(x))
	case float32:
		f := float64(x)
		return AnyValue{DoubleValue: &f}
	case float64:
		return AnyValue{DoubleValue: &x}
	case time.Duration:
		return intValue(int64(x))
	case time.Time:
		s := x.Format(time.RFC3339Nano)
		return AnyValue{StringValue: &s}
	case fmt.Stringer:
		s := x.String()
		return AnyValue{StringValue: &s}
	case error:
		s := x.Error()
		return AnyValue{StringValue: &s}
	default:
		s := fmt.Sprint(v)
		return AnyValue{StringValue: &s}
	}
}

func intValue(i int64) AnyValue {
	return AnyValue{IntValue: &i}
}
