package trace

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/zoobzio/clockz"

	"github.com/kzs0/autotrace/internal"
)

// Exporter exports finished spans.
type Exporter interface {
	ExportSpans(ctx context.Context, spans []*Span) error
	Shutdown(ctx context.Context) error
}

// Tracer is an opentracing.Tracer that propagates W3C Trace Context and
// hands finished spans to an Exporter.
type Tracer struct {
	serviceName string
	resource    map[string]any
	sampler     Sampler
	exporter    Exporter
	clock       clockz.Clock
	onError     func(error)
}

var _ opentracing.Tracer = (*Tracer)(nil)

// TracerConfig configures the tracer.
type TracerConfig struct {
	ServiceName string
	Resource    map[string]any
	Sampler     Sampler
	Exporter    Exporter

	// Clock defaults to clockz.RealClock.
	Clock clockz.Clock

	// OnExportError receives exporter failures. Nil drops them.
	OnExportError func(error)
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = AlwaysSampler{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockz.RealClock
	}

	return &Tracer{
		serviceName: cfg.ServiceName,
		resource:    cfg.Resource,
		sampler:     sampler,
		exporter:    cfg.Exporter,
		clock:       clock,
		onError:     cfg.OnExportError,
	}
}

// StartSpan implements opentracing.Tracer. The first ChildOf or FollowsFrom
// reference carrying a valid SpanContext becomes the parent; references to
// other tracers' contexts are ignored.
func (t *Tracer) StartSpan(operationName string, opts ...opentracing.StartSpanOption) opentracing.Span {
	var sso opentracing.StartSpanOptions
	for _, opt := range opts {
		opt.Apply(&sso)
	}
	return t.start(operationName, sso)
}

func (t *Tracer) start(name string, sso opentracing.StartSpanOptions) *Span {
	var (
		parent    SpanContext
		hasParent bool
	)
	for _, ref := range sso.References {
		sc, ok := ref.ReferencedContext.(SpanContext)
		if ok && sc.IsValid() {
			parent, hasParent = sc, true
			break
		}
	}

	traceID := parent.TraceID
	if !hasParent {
		traceID = internal.NewTraceID()
	}

	result := t.sampler.ShouldSample(traceID, name, hasParent && parent.Sampled)
	sampled := result.Decision == SamplingDecisionRecordAndSample

	start := sso.StartTime
	if start.IsZero() {
		start = t.clock.Now()
	}

	span := &Span{
		tracer: t,
		name:   name,
		ctx: SpanContext{
			TraceID:    traceID,
			SpanID:     internal.NewSpanID(),
			Tracestate: parent.Tracestate,
			Sampled:    sampled,
			baggage:    parent.baggage,
		},
		parentID:  parent.SpanID,
		startTime: start,
		recording: result.Decision != SamplingDecisionDrop,
	}
	for k, v := range sso.Tags {
		span.setTagLocked(k, v)
	}
	return span
}

// export sends a completed span to the exporter. Exporters are expected to
// be non-blocking, as the batch processor is.
func (t *Tracer) export(span *Span) {
	if t.exporter == nil {
		return
	}
	if err := t.exporter.ExportSpans(context.Background(), []*Span{span}); err != nil && t.onError != nil {
		t.onError(err)
	}
}

// Shutdown shuts down the tracer and flushes any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.exporter != nil {
		return t.exporter.Shutdown(ctx)
	}
	return nil
}

// ServiceName returns the service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// Resource returns the resource attributes.
func (t *Tracer) Resource() map[string]any {
	return t.resource
}
