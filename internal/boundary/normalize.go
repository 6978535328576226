package boundary

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
	"github.com/joseph-ayodele/receipts-reconcile/internal/schema"
)

// The service has answered with flat fields (extracted_vendor, extracted_total), with the
// form names of the edit endpoint (vendor_name, total_amount), and with a nested
// extracted_data object on the status endpoint. All of them collapse into one
// entity.ReceiptRecord here; nothing downstream looks at the wire shape.

type wireItem struct {
	Description *string         `json:"description"`
	Name        *string         `json:"name"`
	Amount      json.RawMessage `json:"amount"`
	Price       json.RawMessage `json:"price"`
	Total       json.RawMessage `json:"total"`
}

type wireExtracted struct {
	Vendor     *string         `json:"vendor"`
	VendorName *string         `json:"vendor_name"`
	Total      json.RawMessage `json:"total"`
	Amount     json.RawMessage `json:"amount"`
	Currency   *string         `json:"currency"`
	Date       *string         `json:"date"`
	Items      []wireItem      `json:"items"`
}

type wireRecord struct {
	ID              json.RawMessage   `json:"id"`
	Status          string            `json:"status"`
	OCRCompleted    *bool             `json:"ocr_completed"`
	Filename        string            `json:"filename"`
	MimeType        string            `json:"mime_type"`
	FileSize        int64             `json:"file_size"`
	ExtractedVendor *string           `json:"extracted_vendor"`
	VendorName      *string           `json:"vendor_name"`
	ExtractedTotal  json.RawMessage   `json:"extracted_total"`
	TotalAmount     json.RawMessage   `json:"total_amount"`
	Currency        *string           `json:"currency"`
	ExtractedDate   *string           `json:"extracted_date"`
	TransactionDate *string           `json:"transaction_date"`
	ExtractedItems  []wireItem        `json:"extracted_items"`
	ExtractedData   *wireExtracted    `json:"extracted_data"`
	Category        *string           `json:"category"`
	Notes           *string           `json:"notes"`
	Description     *string           `json:"description"`
	OCRConfidence   *float64          `json:"ocr_confidence"`
	ManuallyEdited  bool              `json:"manually_edited"`
	CreatedAt       *string           `json:"created_at"`
	UploadedAt      *string           `json:"uploaded_at"`
	UpdatedAt       *string           `json:"updated_at"`
	Purchaser       *entity.Purchaser `json:"purchaser"`
	PurchaserName   *string           `json:"purchaser_name"`
	PurchaserEmail  *string           `json:"purchaser_email"`
	EventPurpose    *string           `json:"event_purpose"`
	ApprovedBy      *string           `json:"approved_by"`
}

var recordSchema = schema.MustCompile("receipt_record.json", map[string]any{
	"type":     "object",
	"required": []string{"status"},
	"properties": map[string]any{
		"id":              map[string]any{"type": []any{"string", "integer"}},
		"status":          map[string]any{"type": "string", "enum": statusStrings()},
		"ocr_completed":   map[string]any{"type": "boolean"},
		"extracted_total": schema.DecimalProp(),
		"total_amount":    schema.DecimalProp(),
		"extracted_data": map[string]any{
			"type": []any{"object", "null"},
			"properties": map[string]any{
				"total":  schema.DecimalProp(),
				"amount": schema.DecimalProp(),
				"items":  map[string]any{"type": []any{"array", "null"}},
			},
		},
		"extracted_items": map[string]any{"type": []any{"array", "null"}},
		"manually_edited": map[string]any{"type": "boolean"},
	},
})

func statusStrings() []string {
	out := []string{}
	for _, s := range constants.ReceiptStatuses() {
		out = append(out, string(s))
	}
	return out
}

// Normalized is a decoded record plus the names of fields that were present but unusable.
type Normalized struct {
	Record  entity.ReceiptRecord
	Dropped []string
}

// NormalizeRecord validates and decodes any record-bearing response body.
func NormalizeRecord(body []byte) (Normalized, error) {
	return normalize(recordSchema, body)
}

func normalize(s *jsonschema.Schema, body []byte) (Normalized, error) {
	if err := schema.Validate(s, body); err != nil {
		return Normalized{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var w wireRecord
	if err := json.Unmarshal(body, &w); err != nil {
		return Normalized{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	status, err := constants.ParseReceiptStatus(w.Status)
	if err != nil {
		return Normalized{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	n := Normalized{}
	rec := entity.ReceiptRecord{
		ID:             rawID(w.ID),
		Status:         status,
		Filename:       w.Filename,
		MediaType:      w.MimeType,
		FileSize:       w.FileSize,
		ManuallyEdited: w.ManuallyEdited,
		OCRConfidence:  w.OCRConfidence,
	}
	if w.OCRCompleted != nil {
		rec.OCRCompleted = *w.OCRCompleted
	} else {
		rec.OCRCompleted = status.ExtractionDone()
	}

	ex := w.ExtractedData
	if ex == nil {
		ex = &wireExtracted{}
	}

	rec.Vendor = firstString(w.ExtractedVendor, ex.Vendor, ex.VendorName, w.VendorName)
	rec.Currency = firstString(w.Currency, ex.Currency)
	if rec.Currency != nil {
		c := strings.ToUpper(*rec.Currency)
		rec.Currency = &c
	}
	rec.Category = firstString(w.Category)
	rec.Notes = firstString(w.Notes, w.Description)

	if total, ok := firstAmount(w.ExtractedTotal, ex.Total, ex.Amount, w.TotalAmount); ok {
		rec.Total = total
	} else {
		n.Dropped = append(n.Dropped, "total")
	}

	if ds := firstString(w.ExtractedDate, ex.Date, w.TransactionDate); ds != nil {
		if d, err := entity.ParseDate(*ds); err == nil {
			rec.Date = &d
		} else {
			n.Dropped = append(n.Dropped, "date")
		}
	}

	items := w.ExtractedItems
	if len(items) == 0 {
		items = ex.Items
	}
	for i, it := range items {
		desc := firstString(it.Description, it.Name)
		amt, ok := firstAmount(it.Amount, it.Price, it.Total)
		if desc == nil || !ok || amt == nil {
			n.Dropped = append(n.Dropped, fmt.Sprintf("items[%d]", i))
			continue
		}
		rec.LineItems = append(rec.LineItems, entity.LineItem{Description: *desc, Amount: *amt})
	}

	switch {
	case w.Purchaser != nil:
		rec.Purchaser = w.Purchaser
	case w.PurchaserName != nil || w.PurchaserEmail != nil:
		rec.Purchaser = &entity.Purchaser{
			Name:         deref(w.PurchaserName),
			Email:        deref(w.PurchaserEmail),
			EventPurpose: deref(w.EventPurpose),
			ApprovedBy:   deref(w.ApprovedBy),
		}
	}

	if ts := firstString(w.CreatedAt, w.UploadedAt); ts != nil {
		rec.CreatedAt = parseTimestamp(*ts)
	}
	if w.UpdatedAt != nil {
		rec.UpdatedAt = parseTimestamp(*w.UpdatedAt)
	}
	n.Record = rec
	return n, nil
}

func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// firstString returns the first non-nil, non-blank value, trimmed.
func firstString(vals ...*string) *string {
	for _, v := range vals {
		if v == nil {
			continue
		}
		s := strings.TrimSpace(*v)
		if s == "" {
			continue
		}
		return &s
	}
	return nil
}

// firstAmount returns the first present amount. ok is false when a present value could not
// be parsed; absent everywhere is (nil, true).
func firstAmount(vals ...json.RawMessage) (*decimal.Decimal, bool) {
	for _, raw := range vals {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || string(raw) == "null" || string(raw) == `""` {
			continue
		}
		var d decimal.Decimal
		if err := d.UnmarshalJSON(raw); err != nil {
			return nil, false
		}
		return &d, true
	}
	return nil, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC 3339 and naive ISO timestamps (read as UTC). Unparseable
// values become the zero time.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
