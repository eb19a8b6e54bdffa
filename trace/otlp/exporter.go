package otlp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/kzs0/autotrace/internal"
	"github.com/kzs0/autotrace/trace"
)

// ExporterConfig configures the OTLP exporter.
type ExporterConfig struct {
	// Endpoint is the OTLP HTTP endpoint (e.g., "http://localhost:4318/v1/traces").
	Endpoint string
	// Headers are additional HTTP headers to send.
	Headers map[string]string
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// RetryMax is the number of retries after a failed attempt.
	RetryMax    int
	ServiceName string
	Resource    map[string]any
}

// Exporter posts spans to an OTLP/HTTP collector.
type Exporter struct {
	cfg    ExporterConfig
	client *retryablehttp.Client

	mu      sync.Mutex
	stopped bool
}

var _ trace.Exporter = (*Exporter)(nil)

// NewExporter creates a new OTLP exporter.
func NewExporter(cfg ExporterConfig) *Exporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = cfg.Timeout

	return &Exporter{cfg: cfg, client: client}
}

// SetLogger replaces the retry client's logger.
func (e *Exporter) SetLogger(l retryablehttp.LeveledLogger) {
	e.client.Logger = l
}

// ExportSpans exports spans to the OTLP endpoint. It returns nil once the
// exporter has been shut down.
func (e *Exporter) ExportSpans(ctx context.Context, spans []*trace.Span) error {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped || len(spans) == 0 {
		return nil
	}

	buf := internal.GetBuffer()
	defer internal.PutBuffer(buf)

	if err := EncodeSpans(buf, spans, e.cfg.ServiceName, e.cfg.Resource); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, buf.Bytes())
	if err != nil {
		return fmt.Errorf("otlp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("otlp: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("otlp: server returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Shutdown stops the exporter.
func (e *Exporter) Shutdown(context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	return nil
}
