// Package ingest submits validated candidate files to the extraction boundary.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/boundary"
	"github.com/joseph-ayodele/receipts-reconcile/internal/capture"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
	"github.com/joseph-ayodele/receipts-reconcile/internal/upload"
)

// Client is the slice of the boundary the submitter needs.
type Client interface {
	Ingest(ctx context.Context, u boundary.Upload) (boundary.Normalized, error)
}

// Disposition says what the caller must do next with a submitted record.
type Disposition string

const (
	// Immediate: extraction already finished; seed a draft from the record.
	Immediate Disposition = "immediate"
	// Deferred: extraction is running; start a poll session.
	Deferred Disposition = "deferred"
	// Failed: the boundary accepted the file but extraction failed; offer manual entry.
	Failed Disposition = "failed"
)

// Outcome is the result of a successful submission.
type Outcome struct {
	Disposition Disposition
	Record      entity.ReceiptRecord
}

// Hints are optional known fields sent with the file.
type Hints struct {
	Category   string
	VendorName string
	Notes      string
	// Purchaser routes the submission through the public purchaser endpoint.
	Purchaser *entity.Purchaser
}

func (h Hints) fields() map[string]string {
	f := map[string]string{}
	if c := strings.TrimSpace(h.Category); c != "" {
		if cat, ok := constants.Canonicalize(c); ok {
			c = string(cat)
		}
		f["category"] = c
	}
	if v := strings.TrimSpace(h.VendorName); v != "" {
		f["vendor_name"] = v
	}
	if n := strings.TrimSpace(h.Notes); n != "" {
		f["notes"] = n
	}
	if p := h.Purchaser; p != nil {
		f["purchaser_name"] = p.Name
		f["purchaser_email"] = p.Email
		f["event_purpose"] = p.EventPurpose
		f["approved_by"] = p.ApprovedBy
	}
	return f
}

type Submitter struct {
	client    Client
	validator *upload.Validator
	logger    *slog.Logger
}

func NewSubmitter(client Client, validator *upload.Validator, logger *slog.Logger) *Submitter {
	if validator == nil {
		validator = upload.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{client: client, validator: validator, logger: logger.With(slog.String("component", "ingest"))}
}

// Submit validates f locally and, only if it passes, sends it with the hints as a single
// multipart request. Errors are *upload.Violation (nothing was sent) or one of the
// boundary error types.
func (s *Submitter) Submit(ctx context.Context, f capture.CandidateFile, h Hints) (Outcome, error) {
	if err := s.validator.Validate(f); err != nil {
		s.logger.Info("ingest.validate.rejected", "file", f.Name, "media_type", f.MediaType, "size", f.Size, "error", err)
		return Outcome{}, err
	}
	if f.Truncated() {
		return Outcome{}, fmt.Errorf("ingest: %s was not read in full", f.Name)
	}

	n, err := s.client.Ingest(ctx, boundary.Upload{
		Filename:  f.Name,
		MediaType: constants.NormalizeMediaType(f.MediaType),
		Data:      f.Data,
		Fields:    h.fields(),
		Public:    h.Purchaser != nil,
	})
	if err != nil {
		s.logger.Warn("ingest.submit.failed", "file", f.Name, "kind", boundary.Kind(err), "error", err)
		return Outcome{}, err
	}

	rec := n.Record
	if rec.ID == "" {
		return Outcome{}, &boundary.FaultError{Op: "ingest", StatusCode: http.StatusOK, Code: "INVALID_RESPONSE", Message: "record has no identifier", Cause: boundary.ErrMalformedResponse}
	}
	out := Outcome{Record: rec, Disposition: disposition(rec)}
	s.logger.Info("ingest.submit.ok", "file", f.Name, "receipt_id", rec.ID, "status", string(rec.Status), "disposition", string(out.Disposition))
	return out, nil
}

func disposition(rec entity.ReceiptRecord) Disposition {
	switch rec.Status {
	case constants.ReceiptStatusCompleted, constants.ReceiptStatusReviewed:
		if rec.OCRCompleted {
			return Immediate
		}
		return Deferred
	case constants.ReceiptStatusPending, constants.ReceiptStatusProcessing:
		return Deferred
	case constants.ReceiptStatusFailed:
		return Failed
	}
	panic(fmt.Sprintf("ingest: unhandled receipt status %q", string(rec.Status)))
}
