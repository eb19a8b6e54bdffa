package log

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/uber/jaeger-client-go"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace"

	"github.com/kzs0/autotrace/trace"
)

// JaegerLogger adapts a zap logger to jaeger.Logger.
type JaegerLogger struct {
	logger *zap.Logger
}

var _ jaeger.Logger = (*JaegerLogger)(nil)

// NewJaegerLogger returns a jaeger.Logger writing to logger.
func NewJaegerLogger(logger *zap.Logger) *JaegerLogger {
	return &JaegerLogger{logger: logger.Named("jaeger").WithOptions(zap.AddCallerSkip(1))}
}

// Error implements jaeger.Logger.
func (l *JaegerLogger) Error(msg string) {
	l.logger.Error(msg)
}

// Infof implements jaeger.Logger.
func (l *JaegerLogger) Infof(msg string, args ...any) {
	l.logger.Info(fmt.Sprintf(msg, args...))
}

// Debugf implements jaeger's optional debug logger.
func (l *JaegerLogger) Debugf(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

// RetryableLogger adapts a zap logger to retryablehttp.LeveledLogger.
type RetryableLogger struct {
	logger *zap.SugaredLogger
}

var _ retryablehttp.LeveledLogger = (*RetryableLogger)(nil)

// NewRetryableLogger returns a retryablehttp.LeveledLogger writing to logger.
func NewRetryableLogger(logger *zap.Logger) *RetryableLogger {
	return &RetryableLogger{logger: logger.Named("http").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *RetryableLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, keysAndValues...)
}

func (l *RetryableLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Infow(msg, keysAndValues...)
}

func (l *RetryableLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *RetryableLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warnw(msg, keysAndValues...)
}

// SpanExporter is a trace.Exporter that writes finished spans to a logger.
type SpanExporter struct {
	logger *zap.Logger
}

var _ trace.Exporter = (*SpanExporter)(nil)

// NewSpanExporter returns an exporter logging each span at debug level.
func NewSpanExporter(logger *zap.Logger) *SpanExporter {
	return &SpanExporter{logger: logger.Named("span")}
}

// ExportSpans implements trace.Exporter.
func (e *SpanExporter) ExportSpans(_ context.Context, spans []*trace.Span) error {
	for _, s := range spans {
		if ce := e.logger.Check(zap.DebugLevel, "span finished"); ce != nil {
			status, msg := s.Status()
			fields := []zap.Field{
				zap.String("name", s.Name()),
				zap.Stringer("trace_id", s.TraceID()),
				zap.Stringer("span_id", s.SpanID()),
				zap.Duration("duration", s.Duration()),
				zap.Bool("error", status == trace.StatusError),
				zap.Any("tags", s.Tags()),
			}
			if !s.ParentID().IsZero() {
				fields = append(fields, zap.Stringer("parent_id", s.ParentID()))
			}
			if msg != "" {
				fields = append(fields, zap.String("status_message", msg))
			}
			ce.Write(fields...)
		}
	}
	return nil
}

// Shutdown implements trace.Exporter.
func (e *SpanExporter) Shutdown(context.Context) error {
	_ = e.logger.Sync()
	return nil
}

// DatadogLogger adapts a zap logger to ddtrace.Logger.
type DatadogLogger struct {
	logger *zap.Logger
}

var _ ddtrace.Logger = (*DatadogLogger)(nil)

// NewDatadogLogger returns a ddtrace.Logger writing to logger.
func NewDatadogLogger(logger *zap.Logger) *DatadogLogger {
	return &DatadogLogger{logger: logger.Named("datadog").WithOptions(zap.AddCallerSkip(1))}
}

// Log implements ddtrace.Logger. The tracer prefixes its own level.
func (l *DatadogLogger) Log(msg string) {
	l.logger.Info(msg)
}
