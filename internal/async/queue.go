// Package async runs extraction jobs on a bounded worker pool.
package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job asks for one receipt to be extracted.
type Job struct {
	ReceiptID   string
	SubmittedAt time.Time
	RequestID   string
}

// Handler processes one job.
type Handler interface {
	Process(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Process(ctx context.Context, job Job) error { return f(ctx, job) }

// ErrClosed is returned by Enqueue after Shutdown has begun.
var ErrClosed = errors.New("queue is shutting down")

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receipts_extraction_jobs_total",
		Help: "Extraction jobs finished, by result.",
	}, []string{"result"})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "receipts_extraction_queue_depth",
		Help: "Extraction jobs waiting for a worker.",
	})
)

type Queue struct {
	handler Handler
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// NewQueue starts the workers.
func NewQueue(h Handler, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		handler: h,
		logger:  logger.With(slog.String("component", "extraction_queue")),
		workers: 4,
		timeout: 3 * time.Minute,
		ch:      make(chan Job, 256),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.work(i + 1)
		}
	})
}

func (q *Queue) work(workerID int) {
	defer q.wg.Done()
	q.logger.Debug("worker started", "worker_id", workerID)
	for job := range q.ch {
		queueDepth.Dec()
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		start := time.Now()
		err := q.run(ctx, job)
		cancel()

		if err != nil {
			jobsTotal.WithLabelValues("failed").Inc()
			q.logger.Error("queue.job.failed", "worker_id", workerID, "receipt_id", job.ReceiptID, "request_id", job.RequestID, "error", err)
		} else {
			jobsTotal.WithLabelValues("ok").Inc()
			q.logger.Info("queue.job.ok", "worker_id", workerID, "receipt_id", job.ReceiptID, "duration_ms", time.Since(start).Milliseconds())
		}
	}
	q.logger.Debug("worker stopped", "worker_id", workerID)
}

// run keeps a panicking handler from taking the worker down.
func (q *Queue) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked")
			q.logger.Error("queue.job.panic", "receipt_id", job.ReceiptID, "panic", r)
		}
	}()
	return q.handler.Process(ctx, job)
}

// Enqueue adds a job, blocking while the queue is full until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "receipt_id", job.ReceiptID)
		return ErrClosed
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	select {
	case q.ch <- job:
	default:
		q.logger.Warn("queue full, applying backpressure", "receipt_id", job.ReceiptID)
		select {
		case q.ch <- job:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	queueDepth.Inc()
	q.logger.Debug("queue.job.enqueued", "receipt_id", job.ReceiptID)
	return nil
}

// Shutdown stops accepting jobs and waits for queued ones to drain or ctx to end.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
		return ctx.Err()
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
		return nil
	}
}
