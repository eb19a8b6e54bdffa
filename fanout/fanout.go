// Package fanout starts, propagates and finishes one span per configured
// tracer for a single inbound request.
//
// The tracers are independent backends: each extracts its own parent from
// the inbound headers, owns exactly one span in the Set, and injects its own
// context into outbound headers. When two tracers write the same header key,
// the later tracer in the slice wins.
package fanout

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	otlog "github.com/opentracing/opentracing-go/log"
)

const (
	// OperationName is the operation name of every server span.
	OperationName = "http_server"

	// TagRequestPath carries the final request path.
	TagRequestPath = "request_path"

	// LogPeerRemoteAddress is the log field holding the caller's address.
	LogPeerRemoteAddress = "peerRemoteAddress"
)

// RequestMeta is the request data used to seed the initial span tags.
type RequestMeta struct {
	// URL is scheme://host followed by the request URI.
	URL    string
	Method string
	// RemoteAddr is the peer socket address, empty when unknown.
	RemoteAddr string
}

// Outcome is what a request ended with.
type Outcome struct {
	Path       string
	StatusCode int
	// Err marks the spans as failed regardless of status. Server spans leave
	// it nil; the outbound transport sets it on round-trip failures.
	Err error
}

// Failed reports whether the outcome should be tagged as an error.
func (o Outcome) Failed() bool {
	return o.StatusCode >= http.StatusBadRequest || o.Err != nil
}

// Set is the group of spans created for one request, positionally aligned
// with the tracers that created them. A nil *Set is valid and empty.
type Set struct {
	tracers   []opentracing.Tracer
	spans     []opentracing.Span
	parented  []bool
	meta      RequestMeta
	finish    sync.Once
	finished  atomic.Bool
	operation string
}

// StartAll starts one server span per tracer. A tracer that finds no usable
// parent in inbound (absent, corrupted or unsupported) starts a new root.
// If meta.RemoteAddr is set it is logged on every span.
func StartAll(tracers []opentracing.Tracer, inbound http.Header, meta RequestMeta) *Set {
	if inbound == nil {
		inbound = http.Header{}
	}
	carrier := opentracing.HTTPHeadersCarrier(inbound)

	s := newSet(tracers, meta, OperationName)
	for i, tracer := range tracers {
		opts := []opentracing.StartSpanOption{
			ext.SpanKindRPCServer,
			opentracing.Tag{Key: string(ext.HTTPUrl), Value: meta.URL},
			opentracing.Tag{Key: string(ext.HTTPMethod), Value: meta.Method},
		}
		if parent, err := tracer.Extract(opentracing.HTTPHeaders, carrier); err == nil && parent != nil {
			opts = append(opts, opentracing.ChildOf(parent))
			s.parented[i] = true
		}

		span := tracer.StartSpan(OperationName, opts...)
		if meta.RemoteAddr != "" {
			span.LogFields(otlog.String(LogPeerRemoteAddress, meta.RemoteAddr))
		}
		s.spans[i] = span
	}
	return s
}

func newSet(tracers []opentracing.Tracer, meta RequestMeta, operation string) *Set {
	return &Set{
		tracers:   tracers,
		spans:     make([]opentracing.Span, len(tracers)),
		parented:  make([]bool, len(tracers)),
		meta:      meta,
		operation: operation,
	}
}

// InjectAll writes every span's context into outbound, in tracer order. It
// stops at the first tracer that fails and returns its error.
func (s *Set) InjectAll(outbound http.Header) error {
	if s == nil {
		return nil
	}
	carrier := opentracing.HTTPHeadersCarrier(outbound)
	for i, tracer := range s.tracers {
		if err := tracer.Inject(s.spans[i].Context(), opentracing.HTTPHeaders, carrier); err != nil {
			return fmt.Errorf("fanout: inject tracer %d: %w", i, err)
		}
	}
	return nil
}

// FinishAll tags every span with the outcome and finishes them in tracer
// order. Only the first call has any effect; later calls return false.
func (s *Set) FinishAll(o Outcome) bool {
	if s == nil {
		return false
	}
	done := false
	s.finish.Do(func() {
		failed := o.Failed()
		for _, span := range s.spans {
			span.SetTag(TagRequestPath, o.Path)
			ext.HTTPStatusCode.Set(span, uint16(o.StatusCode))
			if failed {
				ext.Error.Set(span, true)
			}
			if o.Err != nil {
				span.LogFields(otlog.Error(o.Err))
			}
		}
		for _, span := range s.spans {
			span.Finish()
		}
		s.finished.Store(true)
		done = true
	})
	return done
}

// StartChildren starts one child span per tracer under the spans of s, for
// work done on behalf of the request such as an outbound call.
func (s *Set) StartChildren(operation string, tags opentracing.Tags) *Set {
	if s == nil {
		return nil
	}
	child := newSet(s.tracers, s.meta, operation)
	for i, tracer := range s.tracers {
		child.spans[i] = tracer.StartSpan(operation, opentracing.ChildOf(s.spans[i].Context()), tags)
		child.parented[i] = true
	}
	return child
}

// Len returns the number of spans, equal to the number of tracers.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.spans)
}

// Span returns the span started by the i-th tracer, nil on a nil set.
func (s *Set) Span(i int) opentracing.Span {
	if s == nil {
		return nil
	}
	return s.spans[i]
}

// Spans returns a copy of the spans in tracer order.
func (s *Set) Spans() []opentracing.Span {
	if s == nil {
		return nil
	}
	return append([]opentracing.Span(nil), s.spans...)
}

// Tracers returns the tracers the set was started with.
func (s *Set) Tracers() []opentracing.Tracer {
	if s == nil {
		return nil
	}
	return s.tracers
}

// HasParent reports whether the i-th span continues an extracted context.
func (s *Set) HasParent(i int) bool {
	return s != nil && s.parented[i]
}

// Meta returns the request metadata the set was seeded with.
func (s *Set) Meta() RequestMeta {
	if s == nil {
		return RequestMeta{}
	}
	return s.meta
}

// Operation returns the operation name shared by the spans.
func (s *Set) Operation() string {
	if s == nil {
		return ""
	}
	return s.operation
}

// Finished reports whether FinishAll has run.
func (s *Set) Finished() bool {
	return s != nil && s.finished.Load()
}
