package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

type uploadForm struct {
	Category   string `json:"category" validate:"max=64"`
	VendorName string `json:"vendor_name" validate:"max=255"`
	Notes      string `json:"notes" validate:"max=2000"`
}

type purchaserForm struct {
	PurchaserName  string `json:"purchaser_name" validate:"required,max=200"`
	PurchaserEmail string `json:"purchaser_email" validate:"required,email,max=254"`
	EventPurpose   string `json:"event_purpose" validate:"max=500"`
	ApprovedBy     string `json:"approved_by" validate:"max=200"`
	Notes          string `json:"notes" validate:"max=2000"`
}

type lineItemRequest struct {
	Description string          `json:"description" validate:"required,max=255"`
	Amount      decimal.Decimal `json:"amount"`
}

type correctionRequest struct {
	Vendor         *string           `json:"vendor" validate:"omitempty,max=255"`
	Total          *decimal.Decimal  `json:"total"`
	Currency       *string           `json:"currency"`
	Date           *entity.Date      `json:"date"`
	Category       *string           `json:"category" validate:"omitempty,max=64"`
	Notes          *string           `json:"notes" validate:"omitempty,max=2000"`
	Items          []lineItemRequest `json:"items" validate:"omitempty,max=200,dive"`
	ManuallyEdited *bool             `json:"manually_edited"`
}

// correction is a decoded body plus the set of keys it carried.
type correction struct {
	req correctionRequest
	set map[string]bool
}

// Wire aliases accepted on the correction endpoint.
var correctionAliases = map[string]string{
	"vendor":           "vendor",
	"vendor_name":      "vendor",
	"total":            "total",
	"total_amount":     "total",
	"currency":         "currency",
	"currency_code":    "currency",
	"date":             "date",
	"transaction_date": "date",
	"category":         "category",
	"notes":            "notes",
	"description":      "notes",
	"items":            "items",
	"manually_edited":  "manually_edited",
}

type fieldValidator struct {
	v *validator.Validate
}

func newFieldValidator() *fieldValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &fieldValidator{v: v}
}

// check runs struct validation and returns common.ValidationErrors keyed by wire name.
func (fv *fieldValidator) check(s any) error {
	err := fv.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate %T: %w", s, err)
	}
	v := common.NewValidator()
	for _, fe := range verrs {
		v.Add(fieldPath(fe), describe(fe))
	}
	return v.Err()
}

// fieldPath drops the struct name from the namespace: correctionRequest.items[0].description
// becomes items[0].description.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at most %s entries", fe.Param())
		}
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}

// decodeCorrection decodes each key on its own so a bad value is reported against its
// field instead of failing the whole body.
func (fv *fieldValidator) decodeCorrection(body []byte) (correction, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return correction{}, common.ValidationErrorsFromMap(map[string]string{"body": "must be a JSON object"})
	}

	c := correction{set: make(map[string]bool, len(raw))}
	v := common.NewValidator()
	for key, val := range raw {
		field, ok := correctionAliases[key]
		if !ok {
			v.Add(key, "is not an editable field")
			continue
		}
		c.set[field] = true
		if err := c.decodeField(field, val); err != nil {
			v.Add(field, err.Error())
		}
	}
	if v.HasErrors() {
		return correction{}, v.Err()
	}

	if c.req.Vendor != nil {
		s := collapseSpace(*c.req.Vendor)
		c.req.Vendor = &s
	}
	if err := fv.check(c.req); err != nil {
		return correction{}, err
	}
	if c.req.Total != nil {
		checkAmount(v, "total", *c.req.Total)
	}
	if c.req.Currency != nil {
		code := strings.ToUpper(strings.TrimSpace(*c.req.Currency))
		c.req.Currency = &code
		v.Field("currency", code, common.CurrencyCode)
	}
	for i, it := range c.req.Items {
		checkAmount(v, fmt.Sprintf("items[%d].amount", i), it.Amount)
	}
	if err := v.Err(); err != nil {
		return correction{}, err
	}
	return c, nil
}

func (c *correction) decodeField(field string, val json.RawMessage) error {
	var err error
	switch field {
	case "vendor":
		err = json.Unmarshal(val, &c.req.Vendor)
	case "total":
		if string(val) == "null" {
			return nil
		}
		var d decimal.Decimal
		if err = json.Unmarshal(val, &d); err == nil {
			c.req.Total = &d
		} else {
			return errors.New("must be a decimal amount")
		}
	case "date":
		if string(val) == "null" || string(val) == `""` {
			return nil
		}
		var d entity.Date
		if err = json.Unmarshal(val, &d); err == nil {
			c.req.Date = &d
		} else {
			return errors.New("must be a YYYY-MM-DD date")
		}
	case "currency":
		err = json.Unmarshal(val, &c.req.Currency)
	case "category":
		err = json.Unmarshal(val, &c.req.Category)
	case "notes":
		err = json.Unmarshal(val, &c.req.Notes)
	case "items":
		if err = json.Unmarshal(val, &c.req.Items); err != nil {
			return errors.New("must be a list of {description, amount}")
		}
	case "manually_edited":
		if err = json.Unmarshal(val, &c.req.ManuallyEdited); err != nil {
			return errors.New("must be a boolean")
		}
	}
	if err != nil {
		return errors.New("must be a string")
	}
	return nil
}

func checkAmount(v *common.Validator, field string, d decimal.Decimal) {
	switch {
	case d.IsNegative():
		v.Add(field, "must not be negative")
	case d.Exponent() < -2 && !d.Equal(d.Round(2)):
		v.Add(field, "must have at most 2 decimal places")
	}
}

// applyTo writes the correction onto rec. A partial correction leaves absent fields alone.
func (c correction) applyTo(rec *entity.ReceiptRecord, partial bool) {
	take := func(field string) bool { return !partial || c.set[field] }
	if take("vendor") {
		rec.Vendor = nonEmpty(c.req.Vendor)
	}
	if take("total") {
		rec.Total = nil
		if c.req.Total != nil {
			t := c.req.Total.Round(2)
			rec.Total = &t
		}
	}
	if take("currency") {
		rec.Currency = nonEmpty(c.req.Currency)
	}
	if take("date") {
		rec.Date = c.req.Date
	}
	if take("category") {
		rec.Category = nil
		if c.req.Category != nil {
			rec.Category = optional(canonicalCategory(strings.TrimSpace(*c.req.Category)))
		}
	}
	if take("notes") {
		rec.Notes = nil
		if c.req.Notes != nil {
			rec.Notes = optional(strings.TrimSpace(*c.req.Notes))
		}
	}
	if take("items") {
		rec.LineItems = nil
		for _, it := range c.req.Items {
			rec.LineItems = append(rec.LineItems, entity.LineItem{
				Description: collapseSpace(it.Description),
				Amount:      it.Amount.Round(2),
			})
		}
	}
	if c.req.ManuallyEdited != nil && *c.req.ManuallyEdited {
		rec.ManuallyEdited = true
	}
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
