package trace

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/opentracing/opentracing-go/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/kzs0/autotrace/internal"
)

type recordingExporter struct {
	mu    sync.Mutex
	spans []*Span
	err   error
}

func (e *recordingExporter) ExportSpans(_ context.Context, spans []*Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	return e.err
}

func (e *recordingExporter) Shutdown(context.Context) error { return nil }

func (e *recordingExporter) exported() []*Span {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Span(nil), e.spans...)
}

func TestTracerStartSpan(t *testing.T) {
	tracer := NewTracer(TracerConfig{ServiceName: "test-service"})

	span := tracer.StartSpan("test.operation").(*Span)
	defer span.Finish()

	assert.Equal(t, "test.operation", span.Name())
	assert.False(t, span.TraceID().IsZero())
	assert.False(t, span.SpanID().IsZero())
	assert.True(t, span.ParentID().IsZero(), "root span has no parent")
	assert.True(t, span.IsRecording())
	assert.Same(t, tracer, span.Tracer())
}

func TestChildOf(t *testing.T) {
	tracer := NewTracer(TracerConfig{})

	parent := tracer.StartSpan("parent").(*Span)
	child := tracer.StartSpan("child", opentracing.ChildOf(parent.Context())).(*Span)

	assert.Equal(t, parent.TraceID(), child.TraceID())
	assert.Equal(t, parent.SpanID(), child.ParentID())
	assert.NotEqual(t, parent.SpanID(), child.SpanID())
}

func TestReferenceResolution(t *testing.T) {
	tracer := NewTracer(TracerConfig{})
	other := NewTracer(TracerConfig{})

	foreign := other.StartSpan("other").(*Span)
	span := tracer.StartSpan("invalid", opentracing.ChildOf(SpanContext{})).(*Span)
	assert.True(t, span.ParentID().IsZero())

	linked := tracer.StartSpan("linked", opentracing.FollowsFrom(foreign.Context())).(*Span)
	assert.Equal(t, foreign.TraceID(), linked.TraceID())
}

func TestStartTags(t *testing.T) {
	tracer := NewTracer(TracerConfig{})

	span := tracer.StartSpan("server", opentracing.Tags{
		string(ext.SpanKind):   ext.SpanKindRPCServerEnum,
		string(ext.HTTPMethod): "GET",
	}).(*Span)

	assert.Equal(t, SpanKindServer, span.Kind())
	v, ok := span.Tag(string(ext.HTTPMethod))
	require.True(t, ok)
	assert.Equal(t, "GET", v)
}

func TestErrorTagSetsStatus(t *testing.T) {
	tracer := NewTracer(TracerConfig{})

	span := tracer.StartSpan("op").(*Span)
	ext.Error.Set(span, true)

	status, _ := span.Status()
	assert.Equal(t, StatusError, status)
}

func TestSpanLogs(t *testing.T) {
	clock := clockz.NewFakeClock()
	tracer := NewTracer(TracerConfig{Clock: clock})

	span := tracer.StartSpan("op").(*Span)
	span.LogFields(log.String("peerRemoteAddress", "10.0.0.1:5555"))
	span.LogKV("event", "cache.miss", "key", "items")
	span.LogFields(log.Error(errors.New("boom")))

	events := span.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "log", events[0].Name)
	assert.Equal(t, "10.0.0.1:5555", events[0].Fields["peerRemoteAddress"])
	assert.Equal(t, clock.Now(), events[0].Time)
	assert.Equal(t, "cache.miss", events[1].Name)
	assert.Equal(t, "items", events[1].Fields["key"])

	status, msg := span.Status()
	assert.Equal(t, StatusError, status)
	assert.Equal(t, "boom", msg)
}

func TestFinishExportsOnce(t *testing.T) {
	exp := &recordingExporter{}
	tracer := NewTracer(TracerConfig{Exporter: exp})

	span := tracer.StartSpan("op")
	span.Finish()
	span.Finish()

	assert.Len(t, exp.exported(), 1)
}

func TestMutationAfterFinishIgnored(t *testing.T) {
	tracer := NewTracer(TracerConfig{})

	span := tracer.StartSpan("op").(*Span)
	span.Finish()
	span.SetTag("late", true)
	span.SetOperationName("renamed")
	span.LogKV("late", 1)

	_, ok := span.Tag("late")
	assert.False(t, ok)
	assert.Equal(t, "op", span.Name())
	assert.Empty(t, span.Events())
	assert.False(t, span.IsRecording())
}

func TestSpanDuration(t *testing.T) {
	clock := clockz.NewFakeClock()
	tracer := NewTracer(TracerConfig{Clock: clock})

	span := tracer.StartSpan("op").(*Span)
	clock.Advance(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, span.Duration())

	clock.Advance(50 * time.Millisecond)
	span.Finish()
	clock.Advance(time.Second)

	assert.Equal(t, 300*time.Millisecond, span.Duration())
	assert.Equal(t, span.StartTime().Add(300*time.Millisecond), span.EndTime())
}

func TestExplicitTimes(t *testing.T) {
	tracer := NewTracer(TracerConfig{})
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	span := tracer.StartSpan("op", opentracing.StartTime(start)).(*Span)
	span.FinishWithOptions(opentracing.FinishOptions{FinishTime: start.Add(time.Second)})

	assert.Equal(t, time.Second, span.Duration())
}

func TestExportErrorReported(t *testing.T) {
	var got error
	exp := &recordingExporter{err: errors.New("queue full")}
	tracer := NewTracer(TracerConfig{
		Exporter:      exp,
		OnExportError: func(err error) { got = err },
	})

	tracer.StartSpan("op").Finish()
	assert.EqualError(t, got, "queue full")
}

func TestNeverSamplerDoesNotExport(t *testing.T) {
	exp := &recordingExporter{}
	tracer := NewTracer(TracerConfig{Exporter: exp, Sampler: NeverSampler{}})

	span := tracer.StartSpan("op").(*Span)
	assert.False(t, span.IsRecording())
	assert.False(t, span.SpanContext().Sampled)
	span.Finish()

	assert.Empty(t, exp.exported())
}

func TestRatioSampler(t *testing.T) {
	id := internal.NewTraceID()

	assert.Equal(t, SamplingDecisionDrop, NewRatioSampler(0).ShouldSample(id, "op", false).Decision)
	assert.Equal(t, SamplingDecisionRecordAndSample, NewRatioSampler(1).ShouldSample(id, "op", false).Decision)

	half := NewRatioSampler(0.5)
	first := half.ShouldSample(id, "op", false).Decision
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, half.ShouldSample(id, "other", false).Decision, "decision depends only on trace ID")
	}

	var low, high internal.TraceID
	high[8] = 0xff
	low[15] = 0x01
	assert.Equal(t, SamplingDecisionRecordAndSample, half.ShouldSample(low, "op", false).Decision)
	assert.Equal(t, SamplingDecisionDrop, half.ShouldSample(high, "op", false).Decision)
}

func TestParentBasedSampler(t *testing.T) {
	s := NewParentBasedSampler(NeverSampler{})
	id := internal.NewTraceID()

	assert.Equal(t, SamplingDecisionRecordAndSample, s.ShouldSample(id, "op", true).Decision)
	assert.Equal(t, SamplingDecisionDrop, s.ShouldSample(id, "op", false).Decision)

	assert.Equal(t, SamplingDecisionDrop, NewParentBasedSampler(nil).ShouldSample(id, "op", false).Decision)
}

func TestParentSamplingFollowedAcrossExtract(t *testing.T) {
	tracer := NewTracer(TracerConfig{Sampler: NewParentBasedSampler(NeverSampler{})})

	h := http.Header{}
	h.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	parent, err := tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(h))
	require.NoError(t, err)

	span := tracer.StartSpan("op", opentracing.ChildOf(parent)).(*Span)
	assert.True(t, span.IsRecording())
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", span.TraceID().String())
	assert.Equal(t, "b7ad6b7169203331", span.ParentID().String())
}

func TestInjectExtractRoundTrip(t *testing.T) {
	tracer := NewTracer(TracerConfig{})

	span := tracer.StartSpan("op")
	span.SetBaggageItem("tenant", "acme corp")

	h := http.Header{}
	require.NoError(t, tracer.Inject(span.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(h)))
	assert.NotEmpty(t, h.Get("Traceparent"))
	assert.Equal(t, "tenant=acme%20corp", h.Get("Baggage"))

	got, err := tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(h))
	require.NoError(t, err)

	sc := got.(SpanContext)
	want := span.(*Span)
	assert.Equal(t, want.TraceID(), sc.TraceID)
	assert.Equal(t, want.SpanID(), sc.SpanID)
	assert.True(t, sc.IsRemote)
	assert.True(t, sc.Sampled)
	assert.Equal(t, "acme corp", sc.BaggageItem("tenant"))
}

func TestInjectTextMap(t *testing.T) {
	tracer := NewTracer(TracerConfig{})
	span := tracer.StartSpan("op").(*Span)

	carrier := opentracing.TextMapCarrier{}
	require.NoError(t, tracer.Inject(span.Context(), opentracing.TextMap, carrier))
	assert.Contains(t, carrier, TraceparentHeader)

	got, err := tracer.Extract(opentracing.TextMap, carrier)
	require.NoError(t, err)
	assert.Equal(t, span.SpanID(), got.(SpanContext).SpanID)
}

func TestInjectPlainHeader(t *testing.T) {
	tracer := NewTracer(TracerConfig{})
	span := tracer.StartSpan("op")

	h := http.Header{}
	require.NoError(t, tracer.Inject(span.Context(), opentracing.HTTPHeaders, h))
	assert.NotEmpty(t, h.Get(TraceparentHeader))
}

func TestTracestatePassthrough(t *testing.T) {
	tracer := NewTracer(TracerConfig{})

	in := http.Header{}
	in.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	in.Add("tracestate", "vendor1=value1")
	in.Add("tracestate", "vendor2=value2")

	parent, err := tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(in))
	require.NoError(t, err)
	assert.Equal(t, "vendor1=value1,vendor2=value2", parent.(SpanContext).Tracestate)

	child := tracer.StartSpan("op", opentracing.ChildOf(parent))
	out := http.Header{}
	require.NoError(t, tracer.Inject(child.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(out)))
	assert.Equal(t, "vendor1=value1,vendor2=value2", out.Get("tracestate"))
}

func TestInvalidTracestateDropped(t *testing.T) {
	tracer := NewTracer(TracerConfig{})

	in := http.Header{}
	in.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	in.Set("tracestate", "INVALID")

	sc, err := tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(in))
	require.NoError(t, err)
	assert.Empty(t, sc.(SpanContext).Tracestate)
}

func TestExtractErrors(t *testing.T) {
	tracer := NewTracer(TracerConfig{})

	_, err := tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(http.Header{}))
	assert.ErrorIs(t, err, opentracing.ErrSpanContextNotFound)

	bad := http.Header{}
	bad.Set("traceparent", "00-00000000000000000000000000000000-b7ad6b7169203331-01")
	_, err = tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(bad))
	assert.ErrorIs(t, err, opentracing.ErrSpanContextCorrupted)

	_, err = tracer.Extract(opentracing.Binary, opentracing.HTTPHeadersCarrier(bad))
	assert.ErrorIs(t, err, opentracing.ErrUnsupportedFormat)

	_, err = tracer.Extract(opentracing.HTTPHeaders, "not a carrier")
	assert.ErrorIs(t, err, opentracing.ErrInvalidCarrier)
}

func TestInjectErrors(t *testing.T) {
	tracer := NewTracer(TracerConfig{})
	span := tracer.StartSpan("op")

	err := tracer.Inject(SpanContext{}, opentracing.HTTPHeaders, http.Header{})
	assert.ErrorIs(t, err, opentracing.ErrInvalidSpanContext)

	err = tracer.Inject(span.Context(), opentracing.Binary, http.Header{})
	assert.ErrorIs(t, err, opentracing.ErrUnsupportedFormat)

	err = tracer.Inject(span.Context(), opentracing.HTTPHeaders, 42)
	assert.ErrorIs(t, err, opentracing.ErrInvalidCarrier)
}

func TestUnsampledFlagPropagates(t *testing.T) {
	tracer := NewTracer(TracerConfig{Sampler: NeverSampler{}})
	span := tracer.StartSpan("op")

	h := http.Header{}
	require.NoError(t, tracer.Inject(span.Context(), opentracing.HTTPHeaders, h))
	assert.Regexp(t, `-00$`, h.Get(TraceparentHeader))
}
