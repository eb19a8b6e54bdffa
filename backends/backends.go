// Package backends builds the configured tracer backends: the native W3C
// tracer, the Jaeger client and the Datadog OpenTracing bridge.
package backends

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	jprom "github.com/uber/jaeger-lib/metrics/prometheus"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/opentracer"
	ddtracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/kzs0/autotrace/config"
	"github.com/kzs0/autotrace/log"
	"github.com/kzs0/autotrace/metric"
	"github.com/kzs0/autotrace/trace"
	"github.com/kzs0/autotrace/trace/otlp"
)

// Set is the built tracers, in configured order.
type Set struct {
	Tracers []opentracing.Tracer
	Names   []string

	closers []func(context.Context) error
}

// Build creates one tracer per configured backend. On failure the tracers
// built so far are closed.
func Build(cfg config.Config, logger *zap.Logger, m *metric.Metrics) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Set{}
	for _, name := range cfg.Tracing.BackendNames() {
		var (
			tracer opentracing.Tracer
			closer func(context.Context) error
			err    error
		)
		switch name {
		case config.BackendNative:
			tracer, closer = newNative(cfg, logger)
		case config.BackendJaeger:
			tracer, closer, err = newJaeger(cfg, logger, m)
		case config.BackendDatadog:
			tracer, closer = newDatadog(cfg, logger)
		default:
			err = fmt.Errorf("%w: unknown tracing backend %q", config.ErrInvalidConfig, name)
		}
		if err != nil {
			_ = s.Close(context.Background())
			return nil, fmt.Errorf("backends: %s: %w", name, err)
		}

		s.Tracers = append(s.Tracers, tracer)
		s.Names = append(s.Names, name)
		s.closers = append(s.closers, closer)
		logger.Info("tracer backend ready", zap.String("backend", name))
	}
	return s, nil
}

// Close flushes and stops every backend, in reverse order.
func (s *Set) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, fmt.Errorf("backends: close %s: %w", s.Names[i], err))
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func newNative(cfg config.Config, logger *zap.Logger) (opentracing.Tracer, func(context.Context) error) {
	native := cfg.Tracing.Native

	var exporters multiExporter
	if native.OTLPEndpoint != "" {
		exp := otlp.NewExporter(otlp.ExporterConfig{
			Endpoint:    native.OTLPEndpoint,
			Headers:     native.OTLPHeaders,
			Timeout:     cfg.Client.Timeout,
			RetryMax:    cfg.Client.RetryMax,
			ServiceName: cfg.Service,
		})
		exp.SetLogger(log.NewRetryableLogger(logger))

		batch := otlp.DefaultBatchConfig()
		if native.BatchSize > 0 {
			batch.BatchSize = native.BatchSize
		}
		if native.BatchTimeout > 0 {
			batch.BatchTimeout = native.BatchTimeout
		}
		batch.OnError = func(err error) {
			logger.Warn("otlp export failed", zap.Error(err))
		}
		exporters = append(exporters, otlp.NewBatchProcessor(exp, batch))
	}
	if native.LogSpans {
		exporters = append(exporters, log.NewSpanExporter(logger))
	}

	tcfg := trace.TracerConfig{
		ServiceName: cfg.Service,
		Sampler:     sampler(cfg.Tracing.SampleRate),
		OnExportError: func(err error) {
			logger.Warn("span export failed", zap.Error(err))
		},
	}
	switch len(exporters) {
	case 0:
	case 1:
		tcfg.Exporter = exporters[0]
	default:
		tcfg.Exporter = exporters
	}

	tracer := trace.NewTracer(tcfg)
	return tracer, tracer.Shutdown
}

func sampler(rate float64) trace.Sampler {
	if rate >= 1 {
		return trace.AlwaysSampler{}
	}
	return trace.NewParentBasedSampler(trace.NewRatioSampler(rate))
}

func newJaeger(cfg config.Config, logger *zap.Logger, m *metric.Metrics) (opentracing.Tracer, func(context.Context) error, error) {
	jc := cfg.Tracing.Jaeger

	samplerCfg := &jaegercfg.SamplerConfig{Type: jaeger.SamplerTypeConst, Param: 1}
	if cfg.Tracing.SampleRate < 1 {
		samplerCfg = &jaegercfg.SamplerConfig{Type: jaeger.SamplerTypeProbabilistic, Param: cfg.Tracing.SampleRate}
	}

	tc := jaegercfg.Configuration{
		ServiceName: cfg.Service,
		Sampler:     samplerCfg,
		Reporter: &jaegercfg.ReporterConfig{
			LocalAgentHostPort:  jc.AgentHostPort,
			CollectorEndpoint:   jc.CollectorEndpoint,
			BufferFlushInterval: jc.FlushInterval,
			QueueSize:           jc.QueueSize,
		},
	}

	opts := []jaegercfg.Option{jaegercfg.Logger(log.NewJaegerLogger(logger))}
	if jc.AgentHostPort == "" && jc.CollectorEndpoint == "" {
		opts = append(opts, jaegercfg.Reporter(jaeger.NewNullReporter()))
	}
	if m != nil {
		opts = append(opts, jaegercfg.Metrics(jprom.New(jprom.WithRegisterer(m.Registry()))))
	}

	tracer, closer, err := tc.NewTracer(opts...)
	if err != nil {
		return nil, nil, err
	}
	return tracer, closeFunc(closer), nil
}

func newDatadog(cfg config.Config, logger *zap.Logger) (opentracing.Tracer, func(context.Context) error) {
	dd := cfg.Tracing.Datadog

	opts := []ddtracer.StartOption{
		ddtracer.WithService(cfg.Service),
		ddtracer.WithLogger(log.NewDatadogLogger(logger)),
		ddtracer.WithLogStartup(false),
		ddtracer.WithSampler(ddtracer.NewRateSampler(cfg.Tracing.SampleRate)),
	}
	if dd.AgentAddr != "" {
		opts = append(opts, ddtracer.WithAgentAddr(dd.AgentAddr))
	}
	if dd.Env != "" {
		opts = append(opts, ddtracer.WithEnv(dd.Env))
	}
	if dd.Version != "" {
		opts = append(opts, ddtracer.WithServiceVersion(dd.Version))
	}

	return opentracer.New(opts...), func(context.Context) error {
		ddtracer.Stop()
		return nil
	}
}

func closeFunc(c io.Closer) func(context.Context) error {
	return func(context.Context) error {
		return c.Close()
	}
}

// multiExporter hands every span to each exporter in turn.
type multiExporter []trace.Exporter

func (m multiExporter) ExportSpans(ctx context.Context, spans []*trace.Span) error {
	var errs []error
	for _, e := range m {
		if err := e.ExportSpans(ctx, spans); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiExporter) Shutdown(ctx context.Context) error {
	var errs []error
	for _, e := range m {
		if err := e.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
