package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/opentracing/opentracing-go/log"

	"github.com/kzs0/autotrace/internal"
)

// SpanKind represents the role of a span in a trace.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

// kindFromTag maps a span.kind tag value onto a SpanKind.
func kindFromTag(v any) SpanKind {
	var s string
	switch k := v.(type) {
	case ext.SpanKindEnum:
		s = string(k)
	case string:
		s = k
	default:
		return SpanKindInternal
	}

	switch ext.SpanKindEnum(s) {
	case ext.SpanKindRPCServerEnum:
		return SpanKindServer
	case ext.SpanKindRPCClientEnum:
		return SpanKindClient
	case ext.SpanKindProducerEnum:
		return SpanKindProducer
	case ext.SpanKindConsumerEnum:
		return SpanKindConsumer
	default:
		return SpanKindInternal
	}
}

// SpanStatus represents the status of a span.
type SpanStatus int

const (
	StatusUnset SpanStatus = iota
	StatusOK
	StatusError
)

// Event is a timestamped log record attached to a span.
type Event struct {
	Name   string
	Time   time.Time
	Fields map[string]any
}

// Span is the native tracer's opentracing.Span.
type Span struct {
	mu sync.Mutex

	tracer    *Tracer
	name      string
	ctx       SpanContext
	parentID  internal.SpanID
	kind      SpanKind
	startTime time.Time
	endTime   time.Time
	tags      map[string]any
	events    []Event
	status    SpanStatus
	statusMsg string

	recording bool
	ended     bool
}

var _ opentracing.Span = (*Span)(nil)

// Finish implements opentracing.Span.
func (s *Span) Finish() {
	s.FinishWithOptions(opentracing.FinishOptions{})
}

// FinishWithOptions ends the span and hands it to the exporter. Only the
// first call has any effect.
func (s *Span) FinishWithOptions(opts opentracing.FinishOptions) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	for _, rec := range opts.LogRecords {
		s.appendEventLocked(rec.Timestamp, rec.Fields)
	}
	s.endTime = opts.FinishTime
	if s.endTime.IsZero() {
		s.endTime = s.tracer.clock.Now()
	}
	s.ended = true
	recording := s.recording
	s.mu.Unlock()

	if recording {
		s.tracer.export(s)
	}
}

// Context implements opentracing.Span.
func (s *Span) Context() opentracing.SpanContext {
	return s.SpanContext()
}

// SpanContext returns the concrete span context.
func (s *Span) SpanContext() SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// SetOperationName implements opentracing.Span.
func (s *Span) SetOperationName(name string) opentracing.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.name = name
	}
	return s
}

// SetTag implements opentracing.Span. The span.kind and error tags also set
// the span kind and status.
func (s *Span) SetTag(key string, value any) opentracing.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s
	}
	s.setTagLocked(key, value)
	return s
}

func (s *Span) setTagLocked(key string, value any) {
	if s.tags == nil {
		s.tags = make(map[string]any)
	}
	s.tags[key] = value

	switch key {
	case string(ext.SpanKind):
		s.kind = kindFromTag(value)
	case string(ext.Error):
		if b, ok := value.(bool); ok && b {
			s.status = StatusError
		}
	}
}

// LogFields implements opentracing.Span.
func (s *Span) LogFields(fields ...log.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.appendEventLocked(time.Time{}, fields)
}

func (s *Span) appendEventLocked(ts time.Time, fields []log.Field) {
	if ts.IsZero() {
		ts = s.tracer.clock.Now()
	}
	ev := Event{Name: "log", Time: ts, Fields: make(map[string]any, len(fields))}
	for _, f := range fields {
		if f.Key() == "event" {
			ev.Name = fmt.Sprint(f.Value())
			continue
		}
		ev.Fields[f.Key()] = f.Value()
		if f.Key() == "error.object" {
			s.status = StatusError
			s.statusMsg = fmt.Sprint(f.Value())
		}
	}
	s.events = append(s.events, ev)
}

// LogKV implements opentracing.Span.
func (s *Span) LogKV(alternatingKeyValues ...any) {
	fields, err := log.InterleavedKVToFields(alternatingKeyValues...)
	if err != nil {
		s.LogFields(log.Error(err), log.String("function", "LogKV"))
		return
	}
	s.LogFields(fields...)
}

// SetBaggageItem implements opentracing.Span.
func (s *Span) SetBaggageItem(key, value string) opentracing.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = s.ctx.withBaggageItem(key, value)
	return s
}

// BaggageItem implements opentracing.Span.
func (s *Span) BaggageItem(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.BaggageItem(key)
}

// Tracer implements opentracing.Span.
func (s *Span) Tracer() opentracing.Tracer {
	return s.tracer
}

// LogEvent implements the deprecated opentracing.Span method.
func (s *Span) LogEvent(event string) {
	s.LogFields(log.String("event", event))
}

// LogEventWithPayload implements the deprecated opentracing.Span method.
func (s *Span) LogEventWithPayload(event string, payload any) {
	s.LogFields(log.String("event", event), log.Object("payload", payload))
}

// Log implements the deprecated opentracing.Span method.
func (s *Span) Log(data opentracing.LogData) {
	rec := data.ToLogRecord()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.appendEventLocked(rec.Timestamp, rec.Fields)
}

// Name returns the operation name.
func (s *Span) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// TraceID returns the trace ID.
func (s *Span) TraceID() internal.TraceID {
	return s.ctx.TraceID
}

// SpanID returns the span ID.
func (s *Span) SpanID() internal.SpanID {
	return s.ctx.SpanID
}

// ParentID returns the parent span ID; zero for a root span.
func (s *Span) ParentID() internal.SpanID {
	return s.parentID
}

// Kind returns the span kind.
func (s *Span) Kind() SpanKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// StartTime returns the span start time.
func (s *Span) StartTime() time.Time {
	return s.startTime
}

// EndTime returns the span end time, zero while the span is open.
func (s *Span) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime
}

// Tags returns a copy of the span tags.
func (s *Span) Tags() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.tags))
	for k, v := range s.tags {
		out[k] = v
	}
	return out
}

// Tag returns a single tag value.
func (s *Span) Tag(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tags[key]
	return v, ok
}

// Events returns a copy of the span events.
func (s *Span) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	return events
}

// Status returns the span status.
func (s *Span) Status() (SpanStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.statusMsg
}

// IsRecording returns true if the span was sampled and is not finished.
func (s *Span) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording && !s.ended
}

// Duration returns the span duration, measured up to now while open.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime.IsZero() {
		return s.tracer.clock.Since(s.startTime)
	}
	return s.endTime.Sub(s.startTime)
}
