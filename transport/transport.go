// Package transport propagates the active request's spans to outbound HTTP
// calls.
//
// A Transport looks up the span set opened by the autotrace middleware in
// the request context, starts one http_client child per tracer, writes every
// child's context into the outbound headers and finishes the children with
// the response status. Requests made outside a traced request pass through
// untouched.
package transport

import (
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"go.uber.org/zap"

	"github.com/kzs0/autotrace/config"
	"github.com/kzs0/autotrace/fanout"
	"github.com/kzs0/autotrace/log"
	"github.com/kzs0/autotrace/metric"
	"github.com/kzs0/autotrace/scope"
)

// OperationName is the operation name of every client span.
const OperationName = "http_client"

// Transport is an http.RoundTripper that traces requests made on behalf of
// an inbound request.
type Transport struct {
	// Base is the underlying http.RoundTripper.
	// If nil, http.DefaultTransport is used.
	Base http.RoundTripper

	// Metrics counts outbound requests. Optional.
	Metrics *metric.Metrics

	// Logger receives inject failures. Optional.
	Logger *zap.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	parent, ok := scope.Active(ctx)
	if !ok {
		resp, err := t.base().RoundTrip(req)
		t.Metrics.ClientRequest(req.Method, statusOf(resp), false)
		return resp, err
	}

	children := parent.StartChildren(OperationName, opentracing.Tags{
		string(ext.SpanKind):   ext.SpanKindRPCClientEnum,
		string(ext.HTTPUrl):    req.URL.String(),
		string(ext.HTTPMethod): req.Method,
	})

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(ctx)
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if err := children.InjectAll(out.Header); err != nil {
		if t.Logger != nil {
			t.Logger.Error("inject span context into outbound headers",
				zap.String("http.url", req.URL.String()),
				zap.Error(err),
			)
		}
		t.Metrics.InjectFailed()
	}

	resp, err := t.base().RoundTrip(out)

	children.FinishAll(fanout.Outcome{
		Path:       req.URL.Path,
		StatusCode: statusOf(resp),
		Err:        err,
	})
	t.Metrics.ClientRequest(req.Method, statusOf(resp), true)

	return resp, err
}

// base returns the base RoundTripper, defaulting to http.DefaultTransport.
func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// NewClient returns a copy of base whose transport traces requests. A nil
// base uses http.Client defaults.
//
// Usage:
//
//	client := transport.NewClient(nil, metrics)
//	req, _ := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
//	resp, err := client.Do(req)
func NewClient(base *http.Client, m *metric.Metrics) *http.Client {
	if base == nil {
		base = &http.Client{}
	}

	return &http.Client{
		Transport:     &Transport{Base: base.Transport, Metrics: m},
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
		Timeout:       base.Timeout,
	}
}

// NewRetryableClient returns a retrying client configured from cfg. Every
// attempt is traced as its own client span.
func NewRetryableClient(cfg config.Client, logger *zap.Logger, m *metric.Metrics) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	client.HTTPClient = &http.Client{
		Transport: &Transport{Metrics: m, Logger: logger},
		Timeout:   cfg.Timeout,
	}

	if logger != nil {
		client.Logger = log.NewRetryableLogger(logger)
	} else {
		client.Logger = nil
	}
	return client
}
