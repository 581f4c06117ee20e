package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BatchConfig sizes the async writer.
type BatchConfig struct {
	BufferSize    int           // queued events before Write drops (default 10000)
	FlushInterval time.Duration // default 100ms
	FlushBatch    int           // events per insert (default 1000)
	DrainTimeout  time.Duration // how long Close keeps draining (default 2s)
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BufferSize:    10_000,
		FlushInterval: 100 * time.Millisecond,
		FlushBatch:    1000,
		DrainTimeout:  2 * time.Second,
	}
}

// batcher buffers events and hands them to flush in batches from a single
// background goroutine.
type batcher struct {
	cfg     BatchConfig
	flush   func([]*InspectionEvent)
	buffer  chan *InspectionEvent
	done    chan struct{}
	flushed chan struct{} // closed when loop returns
	logger  *zap.Logger
}

func newBatcher(cfg BatchConfig, flush func([]*InspectionEvent), logger *zap.Logger) *batcher {
	def := DefaultBatchConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = def.FlushBatch
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	b := &batcher{
		cfg:     cfg,
		flush:   flush,
		buffer:  make(chan *InspectionEvent, cfg.BufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go b.loop()
	return b
}

// Write queues an event, dropping it if the buffer is full.
func (b *batcher) Write(event *InspectionEvent) {
	select {
	case b.buffer <- event:
	default:
		b.logger.Warn("event buffer full, dropping event",
			zap.String("request_id", event.RequestID),
		)
	}
}

// Close drains what is buffered, flushes it and waits. Call once.
func (b *batcher) Close() {
	close(b.done)
	<-b.flushed
}

func (b *batcher) loop() {
	defer close(b.flushed)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*InspectionEvent, 0, b.cfg.FlushBatch)
	emit := func() {
		if len(batch) > 0 {
			b.flush(batch)
			batch = make([]*InspectionEvent, 0, b.cfg.FlushBatch)
		}
	}

	for {
		select {
		case event := <-b.buffer:
			batch = append(batch, event)
			if len(batch) >= b.cfg.FlushBatch {
				emit()
			}
		case <-ticker.C:
			emit()
		case <-b.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), b.cfg.DrainTimeout)
			defer cancel()
		drain:
			for {
				select {
				case event := <-b.buffer:
					batch = append(batch, event)
					if len(batch) >= b.cfg.FlushBatch {
						emit()
					}
				case <-drainCtx.Done():
					break drain
				default:
					break drain
				}
			}
			emit()
			return
		}
	}
}
