package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/async"
	"github.com/joseph-ayodele/receipts-reconcile/internal/capture"
	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
	"github.com/joseph-ayodele/receipts-reconcile/internal/repository"
	"github.com/joseph-ayodele/receipts-reconcile/internal/storage"
	"github.com/joseph-ayodele/receipts-reconcile/internal/upload"
)

const (
	// multipart framing and form fields on top of the file itself
	multipartSlack = 1 << 20
	formMemory     = 8 << 20
	maxJSONBody    = 1 << 20
)

// Enqueuer schedules extraction.
type Enqueuer interface {
	Enqueue(ctx context.Context, job async.Job) error
}

// Watcher signals when extraction of a record finishes.
type Watcher interface {
	Watch(id string) (done <-chan struct{}, stop func())
}

// ReceiptsDeps wires a ReceiptsHandler.
type ReceiptsDeps struct {
	Repo    repository.ReceiptRepository
	Blobs   storage.BlobStore
	Queue   Enqueuer
	Watcher Watcher
	Uploads *upload.Validator
	// ImmediateBudget is how long an upload waits for extraction. Zero always answers
	// with the processing record.
	ImmediateBudget time.Duration
	Logger          *slog.Logger
}

type ReceiptsHandler struct {
	repo    repository.ReceiptRepository
	blobs   storage.BlobStore
	queue   Enqueuer
	watcher Watcher
	uploads *upload.Validator
	budget  time.Duration
	fields  *fieldValidator
	logger  *slog.Logger
	now     func() time.Time
}

func NewReceiptsHandler(d ReceiptsDeps) *ReceiptsHandler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	uploads := d.Uploads
	if uploads == nil {
		uploads = upload.New()
	}
	return &ReceiptsHandler{
		repo:    d.Repo,
		blobs:   d.Blobs,
		queue:   d.Queue,
		watcher: d.Watcher,
		uploads: uploads,
		budget:  d.ImmediateBudget,
		fields:  newFieldValidator(),
		logger:  logger.With(slog.String("component", "receipts_api")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Upload handles POST /api/v1/receipts/upload.
func (h *ReceiptsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cf, err := h.readFile(w, r)
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}

	form := uploadForm{
		Category:   strings.TrimSpace(r.FormValue("category")),
		VendorName: collapseSpace(r.FormValue("vendor_name")),
		Notes:      strings.TrimSpace(r.FormValue("notes")),
	}
	if err := h.fields.check(form); err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}

	rec := h.newRecord(cf, constants.ReceiptStatusProcessing)
	rec.UploaderID = common.SubjectFromContext(ctx)
	rec.Vendor = optional(form.VendorName)
	rec.Category = optional(canonicalCategory(form.Category))
	rec.Notes = optional(form.Notes)

	var done <-chan struct{}
	if h.budget > 0 && h.watcher != nil {
		ch, stop := h.watcher.Watch(rec.ID)
		defer stop()
		done = ch
	}

	if err := h.store(ctx, cf, rec); err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	rec = h.dispatch(ctx, rec)
	if done != nil && rec.Status.InFlight() {
		rec = h.awaitExtraction(ctx, rec, done)
	}
	h.logger.InfoContext(ctx, "upload.accepted",
		"receipt_id", rec.ID,
		"status", rec.Status,
		"mime_type", rec.MediaType,
		"file_size", rec.FileSize,
	)
	writeJSON(w, http.StatusCreated, rec)
}

// PurchaserSubmit handles the public POST /api/v1/receipts/purchaser-submit.
func (h *ReceiptsHandler) PurchaserSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cf, err := h.readFile(w, r)
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}

	form := purchaserForm{
		PurchaserName:  collapseSpace(r.FormValue("purchaser_name")),
		PurchaserEmail: strings.TrimSpace(r.FormValue("purchaser_email")),
		EventPurpose:   strings.TrimSpace(r.FormValue("event_purpose")),
		ApprovedBy:     collapseSpace(r.FormValue("approved_by")),
		Notes:          strings.TrimSpace(r.FormValue("notes")),
	}
	if err := h.fields.check(form); err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}

	rec := h.newRecord(cf, constants.ReceiptStatusPending)
	rec.Notes = optional(form.Notes)
	rec.Purchaser = &entity.Purchaser{
		Name:         form.PurchaserName,
		Email:        form.PurchaserEmail,
		EventPurpose: form.EventPurpose,
		ApprovedBy:   form.ApprovedBy,
	}
	if err := h.store(ctx, cf, rec); err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	rec = h.dispatch(ctx, rec)
	h.logger.InfoContext(ctx, "purchaser_submit.accepted", "receipt_id", rec.ID, "purchaser_email", form.PurchaserEmail)
	writeJSON(w, http.StatusCreated, rec)
}

type extractedData struct {
	Vendor   *string           `json:"vendor,omitempty"`
	Total    *string           `json:"total,omitempty"`
	Currency *string           `json:"currency,omitempty"`
	Date     *entity.Date      `json:"date,omitempty"`
	Items    []entity.LineItem `json:"items,omitempty"`
}

type statusResponse struct {
	ID            string                  `json:"id"`
	Status        constants.ReceiptStatus `json:"status"`
	OCRCompleted  bool                    `json:"ocr_completed"`
	OCRConfidence *float64                `json:"ocr_confidence,omitempty"`
	UploadedAt    time.Time               `json:"uploaded_at"`
	ExtractedData *extractedData          `json:"extracted_data,omitempty"`
}

// Status handles GET /api/v1/receipts/{id}/status.
func (h *ReceiptsHandler) Status(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	resp := statusResponse{
		ID:            rec.ID,
		Status:        rec.Status,
		OCRCompleted:  rec.OCRCompleted,
		OCRConfidence: rec.OCRConfidence,
		UploadedAt:    rec.CreatedAt,
	}
	if rec.OCRCompleted {
		resp.ExtractedData = &extractedData{
			Vendor:   rec.Vendor,
			Currency: rec.Currency,
			Date:     rec.Date,
			Items:    rec.LineItems,
		}
		if rec.Total != nil {
			s := rec.Total.StringFixed(2)
			resp.ExtractedData.Total = &s
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/receipts/{id}.
func (h *ReceiptsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Replace handles PUT: every editable field is taken from the body, absent ones are cleared.
func (h *ReceiptsHandler) Replace(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, false)
}

// Patch handles PATCH: only fields present in the body change.
func (h *ReceiptsHandler) Patch(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, true)
}

func (h *ReceiptsHandler) update(w http.ResponseWriter, r *http.Request, partial bool) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, CodeTooLarge, "correction body is too large")
		return
	}
	corr, err := h.fields.decodeCorrection(body)
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}

	rec, err := h.repo.Get(ctx, id)
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	corr.applyTo(&rec, partial)
	rec.Status = constants.ReceiptStatusReviewed
	rec.UpdatedAt = h.now()
	if err := h.repo.Update(ctx, rec); err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(ctx, "correction.saved",
		"receipt_id", rec.ID,
		"partial", partial,
		"manually_edited", rec.ManuallyEdited,
		"fields", len(corr.set),
	)
	writeJSON(w, http.StatusOK, rec)
}

// Reprocess handles POST /api/v1/receipts/{id}/reprocess.
func (h *ReceiptsHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.repo.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	if rec.Status.InFlight() {
		WriteError(w, http.StatusConflict, CodeConflict, "extraction is already in progress")
		return
	}
	rec.Status = constants.ReceiptStatusProcessing
	rec.OCRCompleted = false
	rec.FailureReason = ""
	rec.UpdatedAt = h.now()
	if err := h.repo.Update(ctx, rec); err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	rec = h.dispatch(ctx, rec)
	h.logger.InfoContext(ctx, "reprocess.accepted", "receipt_id", rec.ID, "status", rec.Status)
	writeJSON(w, http.StatusAccepted, rec)
}

// readFile parses the multipart body and validates its file part with the same rules the
// client applies.
func (h *ReceiptsHandler) readFile(w http.ResponseWriter, r *http.Request) (capture.CandidateFile, error) {
	limit := h.uploads.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return capture.CandidateFile{}, &upload.Violation{
				Code:    upload.CodeTooLarge,
				Message: fmt.Sprintf("request exceeds the %d byte upload limit", limit),
			}
		}
		return capture.CandidateFile{}, common.ValidationErrorsFromMap(map[string]string{"file": "request must be multipart/form-data"})
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		return capture.CandidateFile{}, common.ValidationErrorsFromMap(map[string]string{"file": "file is required"})
	}
	defer file.Close()

	cf, err := capture.FromReader(path.Base(hdr.Filename), hdr.Header.Get("Content-Type"), file, limit)
	if err != nil {
		return capture.CandidateFile{}, fmt.Errorf("read upload: %w", err)
	}
	if err := h.uploads.Validate(cf); err != nil {
		return capture.CandidateFile{}, err
	}
	return cf, nil
}

func (h *ReceiptsHandler) newRecord(cf capture.CandidateFile, status constants.ReceiptStatus) entity.ReceiptRecord {
	now := h.now()
	id := uuid.NewString()
	ext := path.Ext(cf.Name)
	if ext == "" {
		ext = ".bin"
	}
	return entity.ReceiptRecord{
		ID:         id,
		Status:     status,
		Filename:   cf.Name,
		MediaType:  cf.MediaType,
		FileSize:   cf.Size,
		StorageKey: fmt.Sprintf("%s/%s%s", now.Format("2006/01"), id, strings.ToLower(ext)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (h *ReceiptsHandler) store(ctx context.Context, cf capture.CandidateFile, rec entity.ReceiptRecord) error {
	if err := h.blobs.Put(ctx, rec.StorageKey, cf.MediaType, cf.Data); err != nil {
		return fmt.Errorf("store upload: %w", err)
	}
	if err := h.repo.Create(ctx, rec); err != nil {
		if derr := h.blobs.Delete(context.WithoutCancel(ctx), rec.StorageKey); derr != nil {
			h.logger.Warn("upload.cleanup.failed", "receipt_id", rec.ID, "error", derr)
		}
		return fmt.Errorf("create receipt: %w", err)
	}
	return nil
}

// dispatch enqueues extraction. When the queue refuses the job the record is marked
// failed so the client offers manual entry instead of polling forever.
func (h *ReceiptsHandler) dispatch(ctx context.Context, rec entity.ReceiptRecord) entity.ReceiptRecord {
	err := h.queue.Enqueue(ctx, async.Job{
		ReceiptID:   rec.ID,
		SubmittedAt: h.now(),
		RequestID:   common.RequestIDFromContext(ctx),
	})
	if err == nil {
		return rec
	}
	h.logger.ErrorContext(ctx, "extraction.enqueue.failed", "receipt_id", rec.ID, "error", err)
	rec.Status = constants.ReceiptStatusFailed
	rec.FailureReason = "extraction could not be scheduled: " + err.Error()
	rec.UpdatedAt = h.now()
	if uerr := h.repo.Update(context.WithoutCancel(ctx), rec); uerr != nil {
		h.logger.ErrorContext(ctx, "extraction.enqueue.mark_failed", "receipt_id", rec.ID, "error", uerr)
	}
	return rec
}

func (h *ReceiptsHandler) awaitExtraction(ctx context.Context, rec entity.ReceiptRecord, done <-chan struct{}) entity.ReceiptRecord {
	timer := time.NewTimer(h.budget)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return rec
	case <-ctx.Done():
		return rec
	}
	latest, err := h.repo.Get(ctx, rec.ID)
	if err != nil {
		h.logger.WarnContext(ctx, "upload.reload.failed", "receipt_id", rec.ID, "error", err)
		return rec
	}
	return latest
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// canonicalCategory folds known synonyms onto the category list and keeps anything
// else as typed.
func canonicalCategory(s string) string {
	if s == "" {
		return ""
	}
	if cat, ok := constants.Canonicalize(s); ok {
		return string(cat)
	}
	return s
}
