// Package workflow owns one review context: it ties capture, submission, polling, the
// reconciliation draft and commit together and tears them down in one place.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/boundary"
	"github.com/joseph-ayodele/receipts-reconcile/internal/cache"
	"github.com/joseph-ayodele/receipts-reconcile/internal/capture"
	"github.com/joseph-ayodele/receipts-reconcile/internal/commit"
	"github.com/joseph-ayodele/receipts-reconcile/internal/draft"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
	"github.com/joseph-ayodele/receipts-reconcile/internal/ingest"
	"github.com/joseph-ayodele/receipts-reconcile/internal/poller"
	"github.com/joseph-ayodele/receipts-reconcile/internal/upload"
)

// ErrNoCamera is returned by Capture when no camera was configured.
var ErrNoCamera = errors.New("workflow: no camera configured")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("workflow: closed")

// Boundary is every boundary call the workflow makes.
type Boundary interface {
	ingest.Client
	poller.StatusFetcher
	commit.Updater
	Get(ctx context.Context, id string) (boundary.Normalized, error)
	Reprocess(ctx context.Context, id string) (boundary.Normalized, error)
}

// Deps are the collaborators of a Workflow. Only Client is required.
type Deps struct {
	Client    Boundary
	Validator *upload.Validator
	Cache     *cache.Cache
	Camera    *capture.Camera
	Poller    []poller.Option
	Logger    *slog.Logger
}

type Workflow struct {
	client    Boundary
	validator *upload.Validator
	cache     *cache.Cache
	camera    *capture.Camera
	desk      *draft.Desk
	submitter *ingest.Submitter
	poller    *poller.Poller
	committer *commit.Submitter
	logger    *slog.Logger

	// base parents every poll session so sessions outlive the call that started them.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func New(d Deps) (*Workflow, error) {
	if d.Client == nil {
		return nil, errors.New("workflow: client is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Validator == nil {
		d.Validator = upload.New()
	}
	if d.Cache == nil {
		c, err := cache.New(0, nil, logger)
		if err != nil {
			return nil, err
		}
		d.Cache = c
	}
	base, cancel := context.WithCancel(context.Background())
	desk := draft.NewDesk()
	return &Workflow{
		client:    d.Client,
		validator: d.Validator,
		cache:     d.Cache,
		camera:    d.Camera,
		desk:      desk,
		submitter: ingest.NewSubmitter(d.Client, d.Validator, logger),
		poller:    poller.New(d.Client, d.Cache, logger, d.Poller...),
		committer: commit.NewSubmitter(d.Client, d.Cache, desk, logger),
		logger:    logger.With(slog.String("component", "workflow")),
		base:      base,
		cancel:    cancel,
	}, nil
}

func (w *Workflow) Desk() *draft.Desk { return w.desk }

func (w *Workflow) Cache() *cache.Cache { return w.cache }

func (w *Workflow) Poller() *poller.Poller { return w.poller }

// Capture opens the camera with facing, freezes one frame and releases the camera.
func (w *Workflow) Capture(ctx context.Context, facing capture.FacingMode) (capture.CandidateFile, error) {
	if w.camera == nil {
		return capture.CandidateFile{}, ErrNoCamera
	}
	if err := w.camera.Start(ctx, facing); err != nil {
		return capture.CandidateFile{}, err
	}
	return w.camera.Capture(ctx)
}

// IngestFile reads path (bounded by the upload limit) and ingests it.
func (w *Workflow) IngestFile(ctx context.Context, path string, h ingest.Hints) (*Review, error) {
	f, err := capture.FromFile(path, w.validator.MaxBytes())
	if err != nil {
		return nil, err
	}
	return w.Ingest(ctx, f, h)
}

// Ingest submits f and returns the review that follows. For an immediate result the draft
// is ready; for a deferred one a poll session is running and Await yields the draft.
func (w *Workflow) Ingest(ctx context.Context, f capture.CandidateFile, h ingest.Hints) (*Review, error) {
	if w.isClosed() {
		return nil, ErrClosed
	}
	out, err := w.submitter.Submit(ctx, f, h)
	if err != nil {
		return nil, err
	}
	r := &Review{w: w, record: out.Record, disposition: out.Disposition}
	switch out.Disposition {
	case ingest.Immediate:
		err = r.open(draft.Seed(out.Record))
	case ingest.Failed:
		err = r.open(draft.Blank(out.Record.ID))
	case ingest.Deferred:
		err = r.startSession()
	default:
		panic(fmt.Sprintf("workflow: unhandled disposition %q", out.Disposition))
	}
	return r, err
}

// Resume opens a review for a record submitted earlier, polling it if extraction is still
// running.
func (w *Workflow) Resume(ctx context.Context, id string) (*Review, error) {
	if w.isClosed() {
		return nil, ErrClosed
	}
	rec, ok := w.cache.Get(id)
	if !ok {
		n, err := w.client.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		rec = n.Record
		if rec.ID == "" {
			rec.ID = id
		}
	}
	r := &Review{w: w, record: rec}
	if existing, ok := w.desk.Get(id); ok {
		r.draft = existing
		return r, nil
	}
	switch {
	case rec.OCRCompleted:
		r.disposition = ingest.Immediate
		return r, r.open(draft.Seed(rec))
	case rec.Status == constants.ReceiptStatusFailed:
		r.disposition = ingest.Failed
		return r, r.open(draft.Blank(id))
	default:
		r.disposition = ingest.Deferred
		return r, r.startSession()
	}
}

// Close cancels every poll session, releases the camera and discards open drafts. Each
// step runs even if an earlier one fails.
func (w *Workflow) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	var errs []error
	w.cancel()
	if err := w.poller.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stop polling: %w", err))
	}
	if w.camera != nil {
		if err := w.camera.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n := w.desk.DiscardAll()
	w.logger.Info("workflow.closed", "drafts_discarded", n)
	return errors.Join(errs...)
}

func (w *Workflow) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Review is one record under reconciliation.
type Review struct {
	w *Workflow

	mu          sync.Mutex
	record      entity.ReceiptRecord
	disposition ingest.Disposition
	session     *poller.Session
	outcome     *poller.Outcome
	draft       *draft.Draft
}

func (r *Review) RecordID() string { return r.Record().ID }

func (r *Review) Record() entity.ReceiptRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

func (r *Review) Disposition() ingest.Disposition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposition
}

// Draft is nil until extraction has reached an end state.
func (r *Review) Draft() *draft.Draft {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draft
}

// Session is the live or finished poll session, nil for immediate results.
func (r *Review) Session() *poller.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Outcome is the terminal poll outcome, nil while polling or when no poll ran.
func (r *Review) Outcome() *poller.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Await blocks until the poll session ends (or ctx is done) and opens the resulting draft:
// seeded on completion, blank for manual entry otherwise.
func (r *Review) Await(ctx context.Context) (*draft.Draft, error) {
	r.mu.Lock()
	s, d := r.session, r.draft
	r.mu.Unlock()
	if s == nil {
		return d, nil
	}
	o, err := s.Wait(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.outcome = &o
	if o.Record.ID != "" {
		r.record = o.Record
	}
	r.mu.Unlock()

	if o.Draft == nil {
		// Cancelled: nothing to review.
		return nil, o.Err
	}
	if err := r.open(o.Draft); err != nil {
		return r.Draft(), err
	}
	return r.Draft(), o.Err
}

// Retry asks the boundary to extract again and starts a fresh poll session. A clean draft
// is dropped; an edited one is kept and wins over the new result.
func (r *Review) Retry(ctx context.Context) error {
	if r.w.isClosed() {
		return ErrClosed
	}
	id := r.RecordID()
	n, err := r.w.client.Reprocess(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if n.Record.ID != "" {
		r.record = n.Record
	}
	r.outcome = nil
	if r.draft != nil && !r.draft.IsDirty() {
		r.w.desk.Discard(id)
		r.draft = nil
	}
	r.disposition = ingest.Deferred
	r.mu.Unlock()
	r.w.logger.Info("workflow.retry", "receipt_id", id)
	return r.startSession()
}

// ManualEntry stops any polling and opens a blank draft. An edited draft already open for
// the record is returned as is.
func (r *Review) ManualEntry() (*draft.Draft, error) {
	id := r.RecordID()
	r.w.poller.Cancel(id)
	if existing, ok := r.w.desk.Get(id); ok && (existing.IsDirty() || existing.ManualEntry()) {
		r.mu.Lock()
		r.draft = existing
		r.mu.Unlock()
		return existing, nil
	}
	if err := r.open(draft.Blank(id)); err != nil {
		return r.Draft(), err
	}
	return r.Draft(), nil
}

// Commit sends the open draft.
func (r *Review) Commit(ctx context.Context) (entity.ReceiptRecord, error) {
	d := r.Draft()
	if d == nil {
		return entity.ReceiptRecord{}, errors.New("workflow: no draft to commit; extraction has not finished")
	}
	rec, err := r.w.committer.Commit(ctx, d)
	if err != nil {
		if errors.Is(err, commit.ErrRecordGone) {
			r.mu.Lock()
			r.draft = nil
			r.mu.Unlock()
		}
		return rec, err
	}
	r.mu.Lock()
	r.record = rec
	r.draft = nil
	r.mu.Unlock()
	return rec, nil
}

func (r *Review) open(d *draft.Draft) error {
	got, err := r.w.desk.Open(d, false)
	r.mu.Lock()
	r.draft = got
	r.mu.Unlock()
	return err
}

func (r *Review) startSession() error {
	s, err := r.w.poller.Start(r.w.base, r.RecordID())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
	return nil
}
