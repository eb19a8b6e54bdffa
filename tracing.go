// Package autotrace traces inbound HTTP requests across any number of
// OpenTracing backends at once.
//
// For every request the middleware opens a scope, starts one http_server
// span per tracer (continuing each tracer's own parent from the request
// headers), writes the span contexts into the response headers, runs the
// rest of the handler chain and then tags and finishes every span exactly
// once, also when the chain panics.
//
// Usage:
//
//	tracing := autotrace.New([]opentracing.Tracer{native, jaegerTracer},
//	    autotrace.WithLogger(logger),
//	)
//	http.ListenAndServe(":8080", tracing.Handler(mux))
//
// Code running inside the handler reaches the spans through the request
// context with scope.Active, or propagates them with scope.Inject.
package autotrace

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/kzs0/autotrace/fanout"
	"github.com/kzs0/autotrace/metric"
	"github.com/kzs0/autotrace/scope"
)

// Exchange exposes the per-request state the middleware needs from an HTTP
// framework.
type Exchange interface {
	// Meta returns the request URL, method and peer address.
	Meta() fanout.RequestMeta
	// RequestHeader returns the inbound headers.
	RequestHeader() http.Header
	// ResponseHeader returns the outbound headers, still writable.
	ResponseHeader() http.Header
	// Status returns the response status and whether it was written.
	Status() (code int, written bool)
	// Path returns the request path as seen after the handler chain ran.
	Path() string
}

// Tracing is the configured middleware core shared by the net/http and gin
// integrations.
type Tracing struct {
	tracers []opentracing.Tracer
	names   []string
	logger  *zap.Logger
	metrics *metric.Metrics
	clock   clockz.Clock
}

// Option configures Tracing.
type Option func(*Tracing)

// WithLogger sets the logger for lifecycle debug lines and inject errors.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracing) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics records span and request metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(t *Tracing) {
		t.metrics = m
	}
}

// WithTracerNames labels the tracers in logs and metrics, in tracer order.
// Missing names fall back to the tracer's index.
func WithTracerNames(names ...string) Option {
	return func(t *Tracing) {
		for i := range t.names {
			if i < len(names) && names[i] != "" {
				t.names[i] = names[i]
			}
		}
	}
}

// WithClock sets the clock used for request durations.
func WithClock(clock clockz.Clock) Option {
	return func(t *Tracing) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// New creates the middleware core for tracers. The slice order is the
// fan-out order.
func New(tracers []opentracing.Tracer, opts ...Option) *Tracing {
	t := &Tracing{
		tracers: append([]opentracing.Tracer(nil), tracers...),
		names:   make([]string, len(tracers)),
		logger:  zap.NewNop(),
		clock:   clockz.RealClock,
	}
	for i := range t.names {
		t.names[i] = strconv.Itoa(i)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tracers returns the tracers in fan-out order.
func (t *Tracing) Tracers() []opentracing.Tracer {
	return t.tracers
}

// Logger returns the logger lifecycle lines are written to.
func (t *Tracing) Logger() *zap.Logger {
	return t.logger
}

// Metrics returns the metrics sink, nil when metrics are off.
func (t *Tracing) Metrics() *metric.Metrics {
	return t.metrics
}

// Around runs next inside a tracing scope for the exchange ex.
//
// The spans are started and injected into the response headers before next
// runs and finished after it returns. If next panics, the spans are
// finished with status 500 (or the status already written) and the panic
// continues with its original value. A handler that never writes a status
// is recorded as 200.
func (t *Tracing) Around(ctx context.Context, ex Exchange, next func(ctx context.Context)) {
	ctx = scope.Open(ctx)

	meta := ex.Meta()
	set := fanout.StartAll(t.tracers, ex.RequestHeader(), meta)
	scope.SetActive(ctx, set)
	start := t.clock.Now()

	t.logger.Debug("Operation started "+fanout.OperationName,
		zap.String(string(ext.HTTPUrl), meta.URL),
		zap.String(string(ext.HTTPMethod), meta.Method),
	)
	t.metrics.RequestStarted(t.names, t.parented(set))

	if err := set.InjectAll(ex.ResponseHeader()); err != nil {
		t.logger.Error("inject span context into response headers", zap.Error(err))
		t.metrics.InjectFailed()
	}

	panicked := true
	defer func() {
		if !panicked {
			t.finish(set, ex, meta, start, false)
			return
		}
		r := recover()
		t.finish(set, ex, meta, start, true)
		if r != nil {
			panic(r)
		}
		// runtime.Goexit: nothing to re-raise.
	}()

	next(ctx)
	panicked = false
}

func (t *Tracing) finish(set *fanout.Set, ex Exchange, meta fanout.RequestMeta, start time.Time, panicked bool) {
	status, written := ex.Status()
	switch {
	case !written && panicked:
		status = http.StatusInternalServerError
	case !written || status == 0:
		status = http.StatusOK
	}

	outcome := fanout.Outcome{Path: ex.Path(), StatusCode: status}
	if outcome.Failed() {
		reason := "Bad status code"
		if panicked {
			reason = "handler panicked"
		}
		t.logger.Debug("Operation error captured "+fanout.OperationName,
			zap.String("reason", reason),
			zap.Int("statusCode", status),
		)
	}

	if set.FinishAll(outcome) {
		t.metrics.RequestFinished(t.names, meta.Method, status, outcome.Failed(), t.clock.Since(start))
		t.logger.Debug("Operation finished "+fanout.OperationName,
			zap.Int(string(ext.HTTPStatusCode), status),
		)
	}
}

func (t *Tracing) parented(set *fanout.Set) []bool {
	out := make([]bool, set.Len())
	for i := range out {
		out[i] = set.HasParent(i)
	}
	return out
}
