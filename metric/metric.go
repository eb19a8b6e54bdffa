// Package metric exposes the tracing pipeline's own health as Prometheus
// metrics.
package metric

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autotrace"

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SpansStarted      *prometheus.CounterVec
	SpansFinished     *prometheus.CounterVec
	ExtractMisses     *prometheus.CounterVec
	InjectErrors      prometheus.Counter
	OpenRequestTraces prometheus.Gauge
	RequestDuration   *prometheus.HistogramVec
	ClientRequests    *prometheus.CounterVec
	InstallsTotal     *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		SpansStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_started_total",
			Help:      "Server spans started, per tracer.",
		}, []string{"tracer"}),
		SpansFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_finished_total",
			Help:      "Server spans finished, per tracer and outcome.",
		}, []string{"tracer", "error"}),
		ExtractMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extract_misses_total",
			Help:      "Requests for which a tracer found no parent context.",
		}, []string{"tracer"}),
		InjectErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inject_errors_total",
			Help:      "Failures injecting span context into response headers.",
		}),
		OpenRequestTraces: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_request_traces",
			Help:      "Requests whose spans have been started but not finished.",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of traced requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
		ClientRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_requests_total",
			Help:      "Outbound requests made through the tracing transport.",
		}, []string{"method", "code", "traced"}),
		InstallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interceptor_installs_total",
			Help:      "Interceptor install calls, by whether they patched the engine.",
		}, []string{"result"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RequestStarted records a started span set.
func (m *Metrics) RequestStarted(tracers []string, parented []bool) {
	if m == nil {
		return
	}
	m.OpenRequestTraces.Inc()
	for i, name := range tracers {
		m.SpansStarted.WithLabelValues(name).Inc()
		if !parented[i] {
			m.ExtractMisses.WithLabelValues(name).Inc()
		}
	}
}

// RequestFinished records a finished span set.
func (m *Metrics) RequestFinished(tracers []string, method string, status int, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OpenRequestTraces.Dec()
	errLabel := strconv.FormatBool(failed)
	for _, name := range tracers {
		m.SpansFinished.WithLabelValues(name, errLabel).Inc()
	}
	m.RequestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// InjectFailed counts a failed response-header injection.
func (m *Metrics) InjectFailed() {
	if m == nil {
		return
	}
	m.InjectErrors.Inc()
}

// ClientRequest counts an outbound request. Code 0 means no response.
func (m *Metrics) ClientRequest(method string, code int, traced bool) {
	if m == nil {
		return
	}
	m.ClientRequests.WithLabelValues(method, strconv.Itoa(code), strconv.FormatBool(traced)).Inc()
}

// Installed counts an interceptor install call.
func (m *Metrics) Installed(patched bool) {
	if m == nil {
		return
	}
	result := "noop"
	if patched {
		result = "patched"
	}
	m.InstallsTotal.WithLabelValues(result).Inc()
}
