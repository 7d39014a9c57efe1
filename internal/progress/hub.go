package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/event"
	"github.com/JakeFAU/buildwatch/internal/metrics"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatch: flush once this many records queue (default 100).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize   int
	MaxBatch     int
	MaxBatchWait time.Duration
	SinkTimeout  time.Duration
	BaseContext  context.Context
	Logger       *zap.Logger
}

const (
	defaultBufferSize   = 4096
	defaultMaxBatch     = 100
	defaultMaxBatchWait = 500 * time.Millisecond
	defaultSinkTimeout  = 10 * time.Second
	dropLogInterval     = 5 * time.Second
)

// Stats is a point-in-time view of hub throughput.
type Stats struct {
	Accepted   int64
	Dropped    int64
	Flushed    int64
	SinkErrors int64
}

// Hub batches Records and fans them out to registered sinks. It is safe for
// concurrent use by multiple goroutines and never blocks callers.
type Hub struct {
	cfg     Config
	sinks   []Sink
	records chan Record
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger

	dropLimiter    rateLimiter
	pendingDropped atomic.Int64
	closed         atomic.Bool

	accepted   atomic.Int64
	dropped    atomic.Int64
	flushed    atomic.Int64
	sinkErrors atomic.Int64

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		records:     make(chan Record, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger.Named("progress"),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues a Record for batching. It never blocks; if the buffer is full
// the record is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(rec Record) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := rec.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress record", zap.Error(err))
		return
	}
	select {
	case h.records <- rec:
		h.accepted.Add(1)
	default:
		h.dropped.Add(1)
		h.pendingDropped.Add(1)
		metrics.ObserveDropped(1)
		if h.dropLimiter.Allow(time.Now()) {
			h.logger.Warn("progress records dropped due to backpressure",
				zap.Int64("dropped", h.pendingDropped.Swap(0)))
		}
	}
}

// Observe records every event read from stream until the stream closes or
// ctx ends. It releases the stream before returning.
func (h *Hub) Observe(ctx context.Context, stream event.Stream, origin Origin) {
	defer stream.Close()
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			h.Emit(NewRecord(e, origin, time.Now()))
		}
	}
}

// Stats reports cumulative counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Accepted:   h.accepted.Load(),
		Dropped:    h.dropped.Load(),
		Flushed:    h.flushed.Load(),
		SinkErrors: h.sinkErrors.Load(),
	}
}

// Close drains remaining records, flushes sinks, and blocks until the
// background goroutine exits. It is safe to call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Record, 0, h.cfg.MaxBatch)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	stopTimer(timer)
	armed := false

	for {
		select {
		case rec := <-h.records:
			batch = append(batch, rec)
			switch {
			case len(batch) >= h.cfg.MaxBatch:
				batch = h.flush(batch)
				if armed {
					stopTimer(timer)
					armed = false
				}
			case !armed:
				timer.Reset(h.cfg.MaxBatchWait)
				armed = true
			}
		case <-timer.C:
			armed = false
			batch = h.flush(batch)
		case <-h.stopCh:
			if armed {
				stopTimer(timer)
			}
			h.drain(batch)
			h.closeSinks()
			return
		}
	}
}

// drain flushes whatever is still buffered after shutdown begins.
func (h *Hub) drain(batch []Record) {
	for {
		select {
		case rec := <-h.records:
			batch = append(batch, rec)
			if len(batch) >= h.cfg.MaxBatch {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			return
		}
	}
}

// flush hands a copy of batch to every sink and returns batch emptied for reuse.
func (h *Hub) flush(batch []Record) []Record {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Record(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.sinkErrors.Add(1)
			h.logger.Warn("progress sink consume failed", zap.Int("records", len(out)), zap.Error(err))
		}
		cancel()
	}
	h.flushed.Add(int64(len(out)))
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
