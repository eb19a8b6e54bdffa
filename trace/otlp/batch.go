package otlp

import (
	"context"
	"sync"
	"time"

	"github.com/kzs0/autotrace/trace"
)

// BatchProcessorConfig configures the batch processor.
type BatchProcessorConfig struct {
	// MaxQueueSize is the maximum number of spans to queue.
	MaxQueueSize int
	// BatchSize is the maximum number of spans per export.
	BatchSize int
	// BatchTimeout is the maximum time to wait before exporting.
	BatchTimeout time.Duration
	// OnError receives failed background exports.
	OnError func(error)
}

// DefaultBatchConfig returns default batch processor configuration.
func DefaultBatchConfig() BatchProcessorConfig {
	return BatchProcessorConfig{
		MaxQueueSize: 2048,
		BatchSize:    512,
		BatchTimeout: 5 * time.Second,
	}
}

// BatchProcessor queues finished spans and hands them to the wrapped
// exporter in batches. It is itself a trace.Exporter, so a Tracer can use it
// directly without blocking Finish on the network.
type BatchProcessor struct {
	cfg      BatchProcessorConfig
	exporter trace.Exporter

	mu      sync.Mutex
	queue   []*trace.Span
	timer   *time.Timer
	stopped bool
	dropped int
	wg      sync.WaitGroup
}

var _ trace.Exporter = (*BatchProcessor)(nil)

// NewBatchProcessor creates a new batch processor.
func NewBatchProcessor(exporter trace.Exporter, cfg BatchProcessorConfig) *BatchProcessor {
	def := DefaultBatchConfig()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}

	return &BatchProcessor{
		cfg:      cfg,
		exporter: exporter,
		queue:    make([]*trace.Span, 0, cfg.BatchSize),
	}
}

// ExportSpans enqueues spans. It never blocks on the wrapped exporter.
func (bp *BatchProcessor) ExportSpans(_ context.Context, spans []*trace.Span) error {
	for _, s := range spans {
		bp.EnqueueSpan(s)
	}
	return nil
}

// EnqueueSpan adds a span to the queue for batched export. When the queue
// is full the oldest span is dropped.
func (bp *BatchProcessor) EnqueueSpan(span *trace.Span) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.stopped {
		return
	}

	if len(bp.queue) >= bp.cfg.MaxQueueSize {
		bp.queue = bp.queue[1:]
		bp.dropped++
	}
	bp.queue = append(bp.queue, span)

	if len(bp.queue) == 1 {
		bp.timer = time.AfterFunc(bp.cfg.BatchTimeout, bp.flush)
	}
	if len(bp.queue) >= bp.cfg.BatchSize {
		bp.exportLocked()
	}
}

// Dropped returns the number of spans discarded because the queue was full.
func (bp *BatchProcessor) Dropped() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.dropped
}

// ForceFlush exports whatever is queued and waits for in-flight exports.
func (bp *BatchProcessor) ForceFlush() {
	bp.flush()
	bp.wg.Wait()
}

func (bp *BatchProcessor) flush() {
	bp.mu.Lock()
	bp.exportLocked()
	bp.mu.Unlock()
}

func (bp *BatchProcessor) exportLocked() {
	if len(bp.queue) == 0 {
		return
	}
	if bp.timer != nil {
		bp.timer.Stop()
		bp.timer = nil
	}

	spans := bp.queue
	bp.queue = make([]*trace.Span, 0, bp.cfg.BatchSize)

	bp.wg.Add(1)
	go func() {
		defer bp.wg.Done()
		if err := bp.exporter.ExportSpans(context.Background(), spans); err != nil && bp.cfg.OnError != nil {
			bp.cfg.OnError(err)
		}
	}()
}

// Shutdown stops the processor, exports remaining spans and shuts down the
// wrapped exporter.
func (bp *BatchProcessor) Shutdown(ctx context.Context) error {
	bp.mu.Lock()
	if bp.stopped {
		bp.mu.Unlock()
		return nil
	}
	bp.stopped = true
	if bp.timer != nil {
		bp.timer.Stop()
		bp.timer = nil
	}
	spans := bp.queue
	bp.queue = nil
	bp.mu.Unlock()

	bp.wg.Wait()

	var err error
	if len(spans) > 0 {
		err = bp.exporter.ExportSpans(ctx, spans)
	}
	if serr := bp.exporter.Shutdown(ctx); err == nil {
		err = serr
	}
	return err
}
