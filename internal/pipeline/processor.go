// Package pipeline runs extraction for stored receipts and records the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/async"
	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
	"github.com/joseph-ayodele/receipts-reconcile/internal/extract"
	"github.com/joseph-ayodele/receipts-reconcile/internal/repository"
	"github.com/joseph-ayodele/receipts-reconcile/internal/storage"
)

var extractionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "receipts_extraction_duration_seconds",
	Help:    "Time spent in the OCR extractor.",
	Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 45},
}, []string{"outcome"})

// Processor moves a record from pending or processing to completed or failed.
type Processor struct {
	repo      repository.ReceiptRepository
	blobs     storage.BlobStore
	extractor extract.Extractor
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func NewProcessor(repo repository.ReceiptRepository, blobs storage.BlobStore, ex extract.Extractor, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		repo:      repo,
		blobs:     blobs,
		extractor: ex,
		logger:    logger.With(slog.String("component", "extraction_processor")),
		now:       time.Now,
		waiters:   make(map[string][]chan struct{}),
	}
}

// Watch returns a channel closed once the next processing of id finishes, whatever the
// outcome. Call stop when no longer interested.
func (p *Processor) Watch(id string) (done <-chan struct{}, stop func()) {
	ch := make(chan struct{})
	p.mu.Lock()
	p.waiters[id] = append(p.waiters[id], ch)
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		list := p.waiters[id]
		for i, c := range list {
			if c == ch {
				p.waiters[id] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(p.waiters[id]) == 0 {
			delete(p.waiters, id)
		}
	}
}

func (p *Processor) notify(id string) {
	p.mu.Lock()
	list := p.waiters[id]
	delete(p.waiters, id)
	p.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

// Process implements async.Handler.
func (p *Processor) Process(ctx context.Context, job async.Job) error {
	defer p.notify(job.ReceiptID)

	rec, err := p.repo.Get(ctx, job.ReceiptID)
	if err != nil {
		return fmt.Errorf("load receipt %s: %w", job.ReceiptID, err)
	}
	if !rec.Status.InFlight() {
		p.logger.Info("processor.skip", "receipt_id", rec.ID, "status", rec.Status)
		return nil
	}

	if rec.Status != constants.ReceiptStatusProcessing {
		rec.Status = constants.ReceiptStatusProcessing
		rec.UpdatedAt = p.now()
		if err := p.repo.UpdateInFlight(ctx, rec); err != nil {
			if errors.Is(err, common.ErrConflict) {
				p.superseded(rec.ID, err)
				return nil
			}
			return fmt.Errorf("mark receipt %s processing: %w", rec.ID, err)
		}
	}

	data, err := p.blobs.Get(ctx, rec.StorageKey)
	if err != nil {
		return p.fail(ctx, rec.ID, fmt.Errorf("read stored file: %w", err))
	}

	start := p.now()
	res, err := p.extractor.Extract(ctx, extract.Input{Filename: rec.Filename, MediaType: rec.MediaType, Data: data})
	elapsed := p.now().Sub(start)
	if err != nil {
		extractionSeconds.WithLabelValues("failed").Observe(elapsed.Seconds())
		return p.fail(ctx, rec.ID, err)
	}
	extractionSeconds.WithLabelValues("completed").Observe(elapsed.Seconds())

	// the operator may have corrected the record while the extractor ran
	rec, err = p.repo.Get(ctx, job.ReceiptID)
	if err != nil {
		return fmt.Errorf("reload receipt %s: %w", job.ReceiptID, err)
	}
	if !rec.Status.InFlight() {
		p.superseded(rec.ID, fmt.Errorf("receipt is %s", rec.Status))
		return nil
	}
	apply(&rec, res)
	rec.Status = constants.ReceiptStatusCompleted
	rec.OCRCompleted = true
	rec.FailureReason = ""
	rec.ProcessingTime = elapsed
	rec.UpdatedAt = p.now()
	if err := p.repo.UpdateInFlight(ctx, rec); err != nil {
		if errors.Is(err, common.ErrConflict) {
			p.superseded(rec.ID, err)
			return nil
		}
		return fmt.Errorf("store extraction for %s: %w", rec.ID, err)
	}
	p.logger.Info("processor.extract.ok",
		"receipt_id", rec.ID,
		"elapsed_ms", elapsed.Milliseconds(),
		"confidence", deref(res.Confidence),
		"dropped", len(res.Dropped),
	)
	return nil
}

func (p *Processor) superseded(id string, reason error) {
	p.logger.Info("processor.extract.superseded", "receipt_id", id, "reason", reason.Error())
}

func (p *Processor) fail(ctx context.Context, id string, cause error) error {
	p.logger.Error("processor.extract.failed", "receipt_id", id, "error", cause)
	// the job context may already be done; the failure still has to be stored
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	rec, err := p.repo.Get(uctx, id)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("reload receipt %s: %w", id, err))
	}
	if !rec.Status.InFlight() {
		p.superseded(id, fmt.Errorf("receipt is %s", rec.Status))
		return cause
	}
	rec.Status = constants.ReceiptStatusFailed
	rec.OCRCompleted = false
	rec.FailureReason = cause.Error()
	rec.UpdatedAt = p.now()
	if err := p.repo.UpdateInFlight(uctx, rec); err != nil {
		if errors.Is(err, common.ErrConflict) {
			p.superseded(id, err)
			return cause
		}
		return errors.Join(cause, fmt.Errorf("mark receipt %s failed: %w", id, err))
	}
	return cause
}

// apply copies extracted values onto rec. Values the operator supplied, as upload hints
// or through a manual correction, are left alone.
func apply(rec *entity.ReceiptRecord, res extract.Result) {
	rec.OCRConfidence = res.Confidence
	rec.OCRRawText = res.RawText
	if rec.ManuallyEdited {
		return
	}
	rec.Vendor = keep(rec.Vendor, res.Vendor)
	if rec.Total == nil {
		rec.Total = res.Total
	}
	rec.Currency = keep(rec.Currency, res.Currency)
	if rec.Date == nil {
		rec.Date = res.Date
	}
	rec.Category = keep(rec.Category, res.Category)
	if len(rec.LineItems) == 0 {
		rec.LineItems = res.Items
	}
}

func keep(cur, extracted *string) *string {
	if cur != nil && *cur != "" {
		return cur
	}
	return extracted
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// Requeue enqueues every record left pending or processing, e.g. after a restart.
func Requeue(ctx context.Context, repo repository.ReceiptRepository, q *async.Queue, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	recs, err := repo.ListByStatus(ctx, constants.ReceiptStatusPending, constants.ReceiptStatusProcessing)
	if err != nil {
		return 0, common.WrapError(err, "list in-flight receipts")
	}
	n := 0
	for _, rec := range recs {
		if err := q.Enqueue(ctx, async.Job{ReceiptID: rec.ID}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		logger.Info("processor.requeued", "count", n)
	}
	return n, nil
}
