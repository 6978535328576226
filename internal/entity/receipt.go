package entity

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
)

// ReceiptRecord is the canonical, server-owned receipt. Extracted fields are individually
// optional because OCR may miss any one of them.
type ReceiptRecord struct {
	ID             string                  `json:"id"`
	Status         constants.ReceiptStatus `json:"status"`
	OCRCompleted   bool                    `json:"ocr_completed"`
	Filename       string                  `json:"filename,omitempty"`
	MediaType      string                  `json:"mime_type,omitempty"`
	FileSize       int64                   `json:"file_size,omitempty"`
	Vendor         *string                 `json:"extracted_vendor,omitempty"`
	Total          *decimal.Decimal        `json:"extracted_total,omitempty"`
	Currency       *string                 `json:"currency,omitempty"`
	Date           *Date                   `json:"extracted_date,omitempty"`
	LineItems      []LineItem              `json:"extracted_items,omitempty"`
	Category       *string                 `json:"category,omitempty"`
	Notes          *string                 `json:"notes,omitempty"`
	OCRConfidence  *float64                `json:"ocr_confidence,omitempty"`
	Purchaser      *Purchaser              `json:"purchaser,omitempty"`
	ManuallyEdited bool                    `json:"manually_edited"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`

	// Server-side bookkeeping, never sent to clients.
	StorageKey     string        `json:"-"`
	UploaderID     string        `json:"-"`
	OCRRawText     string        `json:"-"`
	FailureReason  string        `json:"-"`
	ProcessingTime time.Duration `json:"-"`
}

// LineItem is one (description, amount) pair on a receipt.
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Purchaser identifies who made a purchase submitted through the public purchaser form.
type Purchaser struct {
	Name         string `json:"purchaser_name"`
	Email        string `json:"purchaser_email"`
	EventPurpose string `json:"event_purpose,omitempty"`
	ApprovedBy   string `json:"approved_by,omitempty"`
}

// Correction is the full operator-corrected field set sent to the persistence boundary.
// Nil fields are sent as null and clear the stored value.
type Correction struct {
	Vendor         *string          `json:"vendor"`
	Total          *decimal.Decimal `json:"total"`
	Date           *Date            `json:"date"`
	Category       *string          `json:"category"`
	Notes          *string          `json:"notes"`
	LineItems      []LineItem       `json:"items"`
	ManuallyEdited bool             `json:"manually_edited"`
}

// Clone returns a deep copy so cached records can be handed out safely.
func (r ReceiptRecord) Clone() ReceiptRecord {
	out := r
	out.Vendor = clonePtr(r.Vendor)
	out.Total = clonePtr(r.Total)
	out.Currency = clonePtr(r.Currency)
	out.Date = clonePtr(r.Date)
	out.Category = clonePtr(r.Category)
	out.Notes = clonePtr(r.Notes)
	out.OCRConfidence = clonePtr(r.OCRConfidence)
	out.Purchaser = clonePtr(r.Purchaser)
	if r.LineItems != nil {
		out.LineItems = append([]LineItem(nil), r.LineItems...)
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
