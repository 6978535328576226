// Package commit sends operator corrections to the persistence boundary.
package commit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joseph-ayodele/receipts-reconcile/internal/boundary"
	"github.com/joseph-ayodele/receipts-reconcile/internal/cache"
	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/draft"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

var (
	// ErrNothingToCommit is returned for a clean, non-manual draft.
	ErrNothingToCommit = errors.New("commit: draft has no changes")
	// ErrRecordGone means the boundary no longer has the record. The draft is discarded.
	ErrRecordGone = errors.New("commit: receipt no longer exists")
)

// Updater is the slice of the boundary the submitter needs.
type Updater interface {
	Update(ctx context.Context, id string, corr entity.Correction) (boundary.Normalized, error)
}

type Submitter struct {
	client Updater
	cache  *cache.Cache
	desk   *draft.Desk
	logger *slog.Logger
}

// NewSubmitter wires the submitter. desk may be nil when drafts are not tracked.
func NewSubmitter(client Updater, c *cache.Cache, desk *draft.Desk, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{client: client, cache: c, desk: desk, logger: logger.With(slog.String("component", "commit"))}
}

// Commit validates d and sends it as a single correction.
//
// On success the returned record replaces the cached one and the draft is closed. A field
// rejection attaches the reasons to d and keeps it open. Transport and fault errors leave
// d untouched so the operator can retry.
func (s *Submitter) Commit(ctx context.Context, d *draft.Draft) (entity.ReceiptRecord, error) {
	if !d.IsDirty() && !d.ManualEntry() {
		return entity.ReceiptRecord{}, ErrNothingToCommit
	}
	corr, err := d.Correction()
	if err != nil {
		return entity.ReceiptRecord{}, err
	}

	id := d.RecordID()
	n, err := s.client.Update(ctx, id, corr)
	if err != nil {
		return entity.ReceiptRecord{}, s.fail(ctx, d, err)
	}

	rec := n.Record
	if rec.ID == "" {
		rec.ID = id
	}
	s.cache.ApplyCommit(ctx, rec)
	if s.desk != nil {
		s.desk.Discard(id)
	}
	s.logger.Info("commit.ok", "receipt_id", id, "manual_entry", d.ManualEntry(), "items", len(corr.LineItems))
	return rec, nil
}

func (s *Submitter) fail(ctx context.Context, d *draft.Draft, err error) error {
	id := d.RecordID()
	var re *boundary.RejectedError
	switch {
	case errors.Is(err, common.ErrNotFound):
		s.cache.Remove(ctx, id)
		if s.desk != nil {
			s.desk.Discard(id)
		}
		s.logger.Warn("commit.record_gone", "receipt_id", id)
		return errors.Join(ErrRecordGone, err)
	case errors.As(err, &re) && len(re.Fields) > 0:
		d.SetServerErrors(re.Fields)
		s.logger.Info("commit.rejected", "receipt_id", id, "fields", len(re.Fields))
	default:
		s.logger.Warn("commit.failed", "receipt_id", id, "kind", boundary.Kind(err), "error", err)
	}
	return err
}
