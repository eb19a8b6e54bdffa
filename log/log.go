// Package log builds the zap loggers used across autotrace and adapts them
// to the logger interfaces of the tracing backends and HTTP clients.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/uber/jaeger-client-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kzs0/autotrace/scope"
	"github.com/kzs0/autotrace/trace"
)

// Options configures the logger.
type Options struct {
	// Level is the minimum level: debug, info, warn or error. Defaults to info.
	Level string
	// Format is "json" or "console". Defaults to "json".
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encoderConfig())
	case "console", "text":
		cfg := encoderConfig()
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeDuration = zapcore.StringDurationEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("log: unknown format %q", opts.Format)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)
	return zap.New(core, zap.AddCaller()), nil
}

// ParseLevel converts a level name. The empty string means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log: %w", err)
	}
	return l, nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// TraceFields returns trace_id and span_id fields for the first span in
// the active set whose IDs can be read (native or Jaeger). It returns nil
// when ctx has no active set.
func TraceFields(ctx context.Context) []zap.Field {
	set, ok := scope.Active(ctx)
	if !ok {
		return nil
	}
	for _, span := range set.Spans() {
		switch sc := span.Context().(type) {
		case trace.SpanContext:
			return []zap.Field{
				zap.String("trace_id", sc.TraceID.String()),
				zap.String("span_id", sc.SpanID.String()),
			}
		case jaeger.SpanContext:
			return []zap.Field{
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			}
		}
	}
	return nil
}

// WithTrace returns logger annotated with TraceFields(ctx).
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := TraceFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
