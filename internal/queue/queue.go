package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/ipfsnut/nstplusd/internal/queue"

// Config configures the capture queue.
type Config struct {
	// MaxDepth caps the buffer. Zero means unbounded, which is the
	// base design: experiments are bounded in trial count. Deployments
	// facing untrusted input should set a cap; overflow is rejected
	// with ErrQueueSaturated.
	MaxDepth int
}

// Queue serializes capture requests into the session store.
type Queue struct {
	config   *Config
	capturer Capturer
	uploader Uploader
	logger   *zap.Logger

	meter          metric.Meter
	processedCount metric.Int64Counter
	droppedCount   metric.Int64Counter
	depthGauge     metric.Int64UpDownCounter

	mu       sync.Mutex
	cond     *sync.Cond
	items    []Request
	inflight bool
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a capture queue and starts its single drain worker.
func New(cfg *Config, capturer Capturer, uploader Uploader, logger *zap.Logger) (*Queue, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if capturer == nil {
		return nil, errors.New("capturer is required")
	}
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		config:   cfg,
		capturer: capturer,
		uploader: uploader,
		logger:   logger,
		meter:    otel.Meter(instrumentationName),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.initMetrics()

	go q.drain(ctx)
	return q, nil
}

func (q *Queue) initMetrics() {
	var err error

	q.processedCount, err = q.meter.Int64Counter(
		"nstplusd.queue.processed_total",
		metric.WithDescription("Total number of capture requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		q.logger.Warn("failed to create processed counter", zap.Error(err))
	}

	q.droppedCount, err = q.meter.Int64Counter(
		"nstplusd.queue.dropped_total",
		metric.WithDescription("Total number of capture requests dropped after failure"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		q.logger.Warn("failed to create dropped counter", zap.Error(err))
	}

	q.depthGauge, err = q.meter.Int64UpDownCounter(
		"nstplusd.queue.depth",
		metric.WithDescription("Current capture queue depth"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		q.logger.Warn("failed to create depth gauge", zap.Error(err))
	}
}

// Enqueue appends a request to the buffer. Performs no I/O; safe to
// call from a hot response path.
func (q *Queue) Enqueue(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.config.MaxDepth > 0 && len(q.items) >= q.config.MaxDepth {
		return fmt.Errorf("%w: depth %d", ErrQueueSaturated, len(q.items))
	}

	q.items = append(q.items, req)
	if q.depthGauge != nil {
		q.depthGauge.Add(context.Background(), 1)
	}
	q.cond.Broadcast()
	return nil
}

// Depth returns the current buffer length, excluding any in-flight
// item.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait blocks until the buffer is empty and no upload is in flight,
// or the context expires. The predicate is evaluated under the
// queue's own lock against the worker's own signal, so there is no
// window where Wait returns while an already-enqueued item is still
// pending.
func (q *Queue) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 || q.inflight {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.closed {
			return ErrClosed
		}
		q.cond.Wait()
	}
	return nil
}

// Close stops the drain worker. Items still buffered are not
// processed; call Wait first for a clean shutdown.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancel()
	<-q.done
	return nil
}

// drain is the single active worker: pop the oldest request, capture,
// upload, then move on regardless of the previous outcome.
func (q *Queue) drain(ctx context.Context) {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		req := q.items[0]
		q.items = q.items[1:]
		q.inflight = true
		q.mu.Unlock()

		if q.depthGauge != nil {
			q.depthGauge.Add(ctx, -1)
		}

		q.process(ctx, req)

		q.mu.Lock()
		q.inflight = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// process captures and uploads one request. Errors are data-quality
// events: logged, counted, and the item is dropped so the queue keeps
// moving.
func (q *Queue) process(ctx context.Context, req Request) {
	mainLabel := fmt.Sprintf("%s trial %d", req.SessionID, req.TrialNumber)
	secondaryLabel := fmt.Sprintf("%s equipment trial %d", req.SessionID, req.TrialNumber)

	pair := q.capturer.CaptureBoth(ctx, mainLabel, secondaryLabel)

	if err := q.uploader.UploadCapture(ctx, req, pair); err != nil {
		q.logger.Warn("capture upload failed, dropping request",
			zap.String("session_id", req.SessionID),
			zap.Int("trial", req.TrialNumber),
			zap.Int("position", req.Position),
			zap.Error(err))
		if q.droppedCount != nil {
			q.droppedCount.Add(ctx, 1)
		}
		return
	}

	if q.processedCount != nil {
		q.processedCount.Add(ctx, 1)
	}
	q.logger.Debug("capture stored",
		zap.String("session_id", req.SessionID),
		zap.Int("trial", req.TrialNumber),
		zap.Int("position", req.Position))
}
