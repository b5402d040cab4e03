package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/tracklab/tracklab/internal/model"
	"github.com/tracklab/tracklab/internal/storage"
	"github.com/tracklab/tracklab/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered metric points to
// prevent OOM. When this limit is reached, Append applies backpressure by
// returning an error.
const maxBufferCapacity = 100_000

// MetricBuffer accumulates metric points in memory and flushes them to the
// store in a single transaction when either the buffer size or flush timeout
// is reached. History ingest is the hot path; everything else writes through
// directly.
type MetricBuffer struct {
	store        *storage.Store
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu     sync.Mutex
	points []model.Metric

	droppedPoints atomic.Int64 // total points dropped due to capacity after flush failure

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so final flush respects caller's deadline
}

// NewMetricBuffer creates a new metric write buffer.
func NewMetricBuffer(store *storage.Store, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *MetricBuffer {
	return &MetricBuffer{
		store:        store,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop.
func (b *MetricBuffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append adds points for one run to the buffer, stamping the receive time.
// Returns an error if the buffer is at capacity (backpressure).
func (b *MetricBuffer) Append(runID string, points []model.MetricPoint) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.points)+len(points) > maxBufferCapacity {
		return 0, fmt.Errorf("server: metric buffer at capacity (%d points), try again later", len(b.points))
	}

	now := time.Now().UTC()
	for _, p := range points {
		b.points = append(b.points, model.Metric{
			RunID:      runID,
			Key:        p.Key,
			Value:      p.Value,
			Step:       p.Step,
			RecordedAt: now,
		})
	}

	if len(b.points) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}

	return len(points), nil
}

func (b *MetricBuffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// We need a non-cancelled context because ctx is already done.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *MetricBuffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.points) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.points
	b.points = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.store.InsertMetrics(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("server: metric flush failed", "error", err, "batch_size", len(batch))
		// Put points back for retry, but respect the capacity limit.
		b.mu.Lock()
		if len(b.points)+len(batch) <= maxBufferCapacity {
			b.points = append(batch, b.points...)
		} else {
			b.droppedPoints.Add(int64(len(batch)))
			b.logger.Error("server: dropping points, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Info("server: metric batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// FlushNow forces a synchronous flush. Used when a run finishes so its
// summary reflects every point already accepted.
func (b *MetricBuffer) FlushNow(ctx context.Context) {
	b.flush(ctx)
}

// Drain signals the background flush loop to stop, waits for it to complete
// its final flush, and returns. The ctx parameter controls the maximum time
// to wait for the goroutine to finish and is passed to the final flush so it
// respects the caller's deadline.
func (b *MetricBuffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("server: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health
// monitoring. Called from Start() after the global meter provider has been
// initialized.
func (b *MetricBuffer) registerMetrics() {
	meter := telemetry.Meter("tracklab/buffer")

	_, _ = meter.Int64ObservableGauge("tracklab.buffer.depth",
		metric.WithDescription("Current number of metric points in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tracklab.buffer.dropped_total",
		metric.WithDescription("Total metric points dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedPoints())
			return nil
		}),
	)
}

// Len returns the current number of buffered points.
func (b *MetricBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.points)
}

// DroppedPoints returns the total number of points dropped due to buffer
// capacity exhaustion after a flush failure. A non-zero value indicates
// data loss.
func (b *MetricBuffer) DroppedPoints() int64 {
	return b.droppedPoints.Load()
}
