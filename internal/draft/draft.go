// Package draft models the operator's editable copy of a receipt's correctable fields.
//
// Field values are held as the operator typed them. Nothing is parsed or defaulted until
// Correction is called, so an invalid amount stays visible as typed with its error. The
// one exception is an extracted amount finer than cents: it is offered rounded to cents,
// and the draft counts as edited because of it.
package draft

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

// Field names used for field-scoped errors.
const (
	FieldVendor   = "vendor"
	FieldAmount   = "amount"
	FieldDate     = "date"
	FieldCategory = "category"
	FieldNotes    = "notes"
	FieldItems    = "items"
)

const (
	maxVendorLen   = 255
	maxCategoryLen = 64
	maxNotesLen    = 2000
)

// LineItem is one editable (description, amount) pair.
type LineItem struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// Values is the editable field set.
type Values struct {
	Vendor   string     `json:"vendor"`
	Amount   string     `json:"amount"`
	Date     string     `json:"date"`
	Category string     `json:"category"`
	Notes    string     `json:"notes"`
	Items    []LineItem `json:"items,omitempty"`
}

func (v Values) clone() Values {
	out := v
	out.Items = append([]LineItem(nil), v.Items...)
	return out
}

func (v Values) equal(o Values) bool {
	if strings.TrimSpace(v.Vendor) != strings.TrimSpace(o.Vendor) ||
		strings.TrimSpace(v.Amount) != strings.TrimSpace(o.Amount) ||
		strings.TrimSpace(v.Date) != strings.TrimSpace(o.Date) ||
		strings.TrimSpace(v.Category) != strings.TrimSpace(o.Category) ||
		strings.TrimSpace(v.Notes) != strings.TrimSpace(o.Notes) ||
		len(v.Items) != len(o.Items) {
		return false
	}
	for i := range v.Items {
		if strings.TrimSpace(v.Items[i].Description) != strings.TrimSpace(o.Items[i].Description) ||
			strings.TrimSpace(v.Items[i].Amount) != strings.TrimSpace(o.Items[i].Amount) {
			return false
		}
	}
	return true
}

// toCents returns a copy with every amount finer than cents rounded half away from zero.
func (v Values) toCents() Values {
	out := v.clone()
	out.Amount = cents(out.Amount)
	for i := range out.Items {
		out.Items[i].Amount = cents(out.Items[i].Amount)
	}
	return out
}

func cents(s string) string {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || d.Exponent() >= -2 {
		return s
	}
	return d.Round(2).StringFixed(2)
}

// Draft is a client-local editable copy of one record. It is owned by a single review
// context and is not safe for concurrent mutation.
type Draft struct {
	recordID     string
	seed         Values
	cur          Values
	manual       bool
	serverErrors map[string]string
}

// Seed builds a draft from the last-known record.
func Seed(rec entity.ReceiptRecord) *Draft {
	v := Values{
		Vendor:   deref(rec.Vendor),
		Amount:   formatAmount(rec.Total),
		Category: deref(rec.Category),
		Notes:    deref(rec.Notes),
	}
	if rec.Date != nil {
		v.Date = rec.Date.String()
	}
	for _, it := range rec.LineItems {
		amt := it.Amount
		v.Items = append(v.Items, LineItem{Description: it.Description, Amount: formatAmount(&amt)})
	}
	return &Draft{recordID: rec.ID, seed: v, cur: v.toCents()}
}

// Blank builds an empty draft for manual entry after extraction failed or timed out.
func Blank(recordID string) *Draft {
	return &Draft{recordID: recordID, manual: true}
}

// Restore rebuilds a draft saved earlier with its seed and edited values.
func Restore(recordID string, seed, cur Values, manual bool) *Draft {
	return &Draft{recordID: recordID, seed: seed.clone(), cur: cur.clone(), manual: manual}
}

func (d *Draft) RecordID() string { return d.recordID }

// ManualEntry reports whether the draft was opened without extracted values.
func (d *Draft) ManualEntry() bool { return d.manual }

// Values returns a copy of the current field values.
func (d *Draft) Values() Values { return d.cur.clone() }

// SeedValues returns a copy of the values the draft was seeded with.
func (d *Draft) SeedValues() Values { return d.seed.clone() }

// IsDirty reports whether any field differs from its seed value.
func (d *Draft) IsDirty() bool { return !d.cur.equal(d.seed) }

// Reset discards edits and restores the extracted values the draft was seeded with.
func (d *Draft) Reset() {
	d.cur = d.seed.toCents()
	d.serverErrors = nil
}

func (d *Draft) SetVendor(s string) error {
	d.cur.Vendor = s
	return d.touch(FieldVendor)
}

func (d *Draft) SetAmount(s string) error {
	d.cur.Amount = s
	return d.touch(FieldAmount)
}

func (d *Draft) SetDate(s string) error {
	d.cur.Date = s
	return d.touch(FieldDate)
}

func (d *Draft) SetCategory(s string) error {
	d.cur.Category = s
	return d.touch(FieldCategory)
}

func (d *Draft) SetNotes(s string) error {
	d.cur.Notes = s
	return d.touch(FieldNotes)
}

// AddLineItem appends an item and returns its index with any immediate field error.
func (d *Draft) AddLineItem(description, amount string) (int, error) {
	d.cur.Items = append(d.cur.Items, LineItem{Description: description, Amount: amount})
	i := len(d.cur.Items) - 1
	return i, d.touch(itemField(i, ""))
}

// SetLineItem replaces item i.
func (d *Draft) SetLineItem(i int, description, amount string) error {
	if i < 0 || i >= len(d.cur.Items) {
		return fmt.Errorf("line item %d does not exist", i)
	}
	d.cur.Items[i] = LineItem{Description: description, Amount: amount}
	return d.touch(itemField(i, ""))
}

// RemoveLineItem deletes item i; later items shift down.
func (d *Draft) RemoveLineItem(i int) error {
	if i < 0 || i >= len(d.cur.Items) {
		return fmt.Errorf("line item %d does not exist", i)
	}
	d.cur.Items = append(d.cur.Items[:i], d.cur.Items[i+1:]...)
	d.clearServerErrors(FieldItems)
	return nil
}

// touch clears stale server errors for the edited field and returns its local validation result.
func (d *Draft) touch(field string) error {
	d.clearServerErrors(field)
	return d.ValidateField(field)
}

func (d *Draft) clearServerErrors(field string) {
	for k := range d.serverErrors {
		if k == field || strings.HasPrefix(k, field+"[") || strings.HasPrefix(k, field+".") || strings.HasPrefix(field, k+"[") {
			delete(d.serverErrors, k)
		}
	}
}

// ValidateField validates one field as the operator edits it. Vendor blankness is only an
// error at commit time, since every field may stay blank while editing.
func (d *Draft) ValidateField(field string) error {
	v := common.NewValidator()
	switch {
	case field == FieldVendor:
		v.Field(FieldVendor, d.cur.Vendor, common.MaxLength(maxVendorLen))
	case field == FieldAmount:
		v.Field(FieldAmount, d.cur.Amount, common.NonNegativeDecimal)
	case field == FieldDate:
		v.Field(FieldDate, d.cur.Date, common.CalendarDate)
	case field == FieldCategory:
		v.Field(FieldCategory, d.cur.Category, common.MaxLength(maxCategoryLen))
	case field == FieldNotes:
		v.Field(FieldNotes, d.cur.Notes, common.MaxLength(maxNotesLen))
	case strings.HasPrefix(field, FieldItems+"["):
		var i int
		if _, err := fmt.Sscanf(field, FieldItems+"[%d]", &i); err == nil && i >= 0 && i < len(d.cur.Items) {
			it := d.cur.Items[i]
			v.Field(itemField(i, "amount"), it.Amount, common.NonNegativeDecimal)
		}
	}
	return v.Err()
}

// Validate runs the full commit-time rule set.
func (d *Draft) Validate() error {
	v := common.NewValidator().
		Field(FieldVendor, d.cur.Vendor, common.Required, common.MaxLength(maxVendorLen)).
		Field(FieldAmount, d.cur.Amount, common.Required, common.NonNegativeDecimal).
		Field(FieldDate, d.cur.Date, common.CalendarDate).
		Field(FieldCategory, d.cur.Category, common.MaxLength(maxCategoryLen)).
		Field(FieldNotes, d.cur.Notes, common.MaxLength(maxNotesLen))
	for i, it := range d.cur.Items {
		v.Field(itemField(i, "description"), it.Description, common.Required)
		v.Field(itemField(i, "amount"), it.Amount, common.Required, common.NonNegativeDecimal)
	}
	return v.Err()
}

// CanCommit reports whether commit should be offered: the draft is dirty (or a manual
// entry) and passes validation.
func (d *Draft) CanCommit() bool {
	return (d.IsDirty() || d.manual) && d.Validate() == nil
}

// Correction validates the draft and converts it to the wire correction, marked as
// manually edited.
func (d *Draft) Correction() (entity.Correction, error) {
	if err := d.Validate(); err != nil {
		return entity.Correction{}, err
	}
	total, _ := decimal.NewFromString(strings.TrimSpace(d.cur.Amount))
	corr := entity.Correction{
		Vendor:         optional(d.cur.Vendor),
		Total:          &total,
		Notes:          optional(d.cur.Notes),
		ManuallyEdited: true,
		LineItems:      []entity.LineItem{},
	}
	if s := strings.TrimSpace(d.cur.Date); s != "" {
		date, err := entity.ParseDate(s)
		if err != nil {
			return entity.Correction{}, common.ValidationErrors{{Field: FieldDate, Message: "must be a valid date (YYYY-MM-DD)"}}
		}
		corr.Date = &date
	}
	if s := strings.TrimSpace(d.cur.Category); s != "" {
		if cat, ok := constants.Canonicalize(s); ok {
			s = string(cat)
		}
		corr.Category = &s
	}
	for _, it := range d.cur.Items {
		amt, _ := decimal.NewFromString(strings.TrimSpace(it.Amount))
		corr.LineItems = append(corr.LineItems, entity.LineItem{Description: strings.TrimSpace(it.Description), Amount: amt})
	}
	return corr, nil
}

// SetServerErrors attaches per-field reasons returned by the persistence boundary. Wire
// field names are mapped onto draft field names.
func (d *Draft) SetServerErrors(fields map[string]string) {
	d.serverErrors = make(map[string]string, len(fields))
	for k, msg := range fields {
		d.serverErrors[serverFieldName(k)] = msg
	}
}

// ServerErrors returns the attached boundary reasons.
func (d *Draft) ServerErrors() common.ValidationErrors {
	return common.ValidationErrorsFromMap(d.serverErrors)
}

// FieldError returns the local validation message for field, falling back to the
// boundary's reason.
func (d *Draft) FieldError(field string) string {
	var ve common.ValidationErrors
	if err := d.Validate(); err != nil {
		ve, _ = err.(common.ValidationErrors)
	}
	if msg := ve.For(field); msg != "" {
		return msg
	}
	return d.serverErrors[field]
}

func serverFieldName(k string) string {
	switch k {
	case "vendor_name", "extracted_vendor":
		return FieldVendor
	case "total", "total_amount", "extracted_total":
		return FieldAmount
	case "transaction_date", "extracted_date":
		return FieldDate
	case "description":
		return FieldNotes
	case "extracted_items":
		return FieldItems
	}
	return k
}

func itemField(i int, sub string) string {
	if sub == "" {
		return fmt.Sprintf("%s[%d]", FieldItems, i)
	}
	return fmt.Sprintf("%s[%d].%s", FieldItems, i, sub)
}

// formatAmount renders cents with two places, and anything finer exactly as received.
func formatAmount(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	if d.Exponent() >= -2 {
		return d.StringFixed(2)
	}
	return d.String()
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
