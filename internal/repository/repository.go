// Package repository persists receipt records for the reference server.
package repository

import (
	"context"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

// ReceiptRepository stores records. Missing records yield common.ErrNotFound and duplicate
// inserts common.ErrConflict.
type ReceiptRepository interface {
	Create(ctx context.Context, rec entity.ReceiptRecord) error
	Get(ctx context.Context, id string) (entity.ReceiptRecord, error)
	Update(ctx context.Context, rec entity.ReceiptRecord) error
	// UpdateInFlight stores rec only while the stored record is still pending or
	// processing. Otherwise it returns common.ErrConflict and leaves the record untouched.
	UpdateInFlight(ctx context.Context, rec entity.ReceiptRecord) error
	ListByStatus(ctx context.Context, statuses ...constants.ReceiptStatus) ([]entity.ReceiptRecord, error)
}
