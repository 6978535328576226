// Package extract adapts the OCR black box. Whatever the engine, its output is sanitized,
// validated and decoded into a Result here.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
	"github.com/joseph-ayodele/receipts-reconcile/internal/schema"
)

// Input is one stored receipt file.
type Input struct {
	Filename  string
	MediaType string
	Data      []byte
}

// Result holds the extracted fields. Any of them may be missing.
type Result struct {
	Vendor     *string
	Total      *decimal.Decimal
	Currency   *string
	Date       *entity.Date
	Items      []entity.LineItem
	Category   *string
	Confidence *float64
	RawText    string
	// Dropped names optional fields that were present but unusable.
	Dropped []string
}

// Extractor runs OCR and field extraction on one file.
type Extractor interface {
	Extract(ctx context.Context, in Input) (Result, error)
}

// Func adapts a function to Extractor.
type Func func(ctx context.Context, in Input) (Result, error)

func (f Func) Extract(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }

var reDecimal = regexp.MustCompile(`^\d+(\.\d+)?$`)

var outputSchema = schema.MustCompile("extraction_output.json", map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"vendor":   schema.NullableString(),
		"total":    map[string]any{"type": "string", "pattern": reDecimal.String()},
		"currency": map[string]any{"type": "string", "pattern": `^[A-Z]{3}$`},
		"date":     map[string]any{"type": "string", "format": "date"},
		"category": schema.NullableString(),
		"items": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"description", "amount"},
				"properties": map[string]any{
					"description": map[string]any{"type": "string", "minLength": 1},
					"amount":      map[string]any{"type": "string", "pattern": reDecimal.String()},
				},
			},
		},
		"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"raw_text":   map[string]any{"type": "string"},
	},
})

// synonyms maps engine field names onto ours, in precedence order.
var synonyms = [][2]string{
	{"merchant_name", "vendor"},
	{"vendor_name", "vendor"},
	{"merchant", "vendor"},
	{"total_amount", "total"},
	{"amount", "total"},
	{"currency_code", "currency"},
	{"tx_date", "date"},
	{"transaction_date", "date"},
	{"line_items", "items"},
	{"text", "raw_text"},
	{"ocr_text", "raw_text"},
}

var known = map[string]struct{}{
	"vendor": {}, "total": {}, "currency": {}, "date": {}, "category": {},
	"items": {}, "confidence": {}, "raw_text": {},
}

// Sanitize renames synonyms, drops unknown keys, and drops optional values that cannot be
// used as given. Money is never coerced: a total that is not a plain non-negative decimal
// is dropped, not rounded or guessed.
func Sanitize(raw []byte) ([]byte, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}
	var dropped []string
	drop := func(k, why string) {
		delete(m, k)
		dropped = append(dropped, k+"("+why+")")
	}

	for _, syn := range synonyms {
		from, to := syn[0], syn[1]
		if v, ok := m[from]; ok {
			if _, exists := m[to]; !exists {
				m[to] = v
			}
			delete(m, from)
		}
	}
	for k := range maps.Clone(m) {
		if _, ok := known[k]; !ok {
			drop(k, "unknown")
		}
	}

	for _, k := range []string{"vendor", "category", "raw_text", "currency", "date"} {
		switch v := m[k].(type) {
		case nil:
			if _, ok := m[k]; ok {
				drop(k, "null")
			}
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				drop(k, "empty")
				continue
			}
			m[k] = s
		default:
			drop(k, "type")
		}
	}
	if c, ok := m["currency"].(string); ok {
		m["currency"] = strings.ToUpper(c)
	}
	if d, ok := m["date"].(string); ok {
		if parsed, err := entity.ParseDate(d); err != nil {
			drop("date", "invalid")
		} else {
			m["date"] = parsed.String()
		}
	}
	if _, ok := m["total"]; ok {
		if s, ok := money(m["total"]); ok {
			m["total"] = s
		} else {
			drop("total", "invalid")
		}
	}
	if raw, ok := m["confidence"]; ok {
		n, isNum := raw.(json.Number)
		f, err := n.Float64()
		if !isNum || err != nil || f < 0 || f > 1 {
			drop("confidence", "invalid")
		} else {
			m["confidence"] = f
		}
	}
	if raw, ok := m["items"]; ok {
		list, isList := raw.([]any)
		if !isList {
			drop("items", "type")
		} else {
			items := make([]any, 0, len(list))
			for i, it := range list {
				obj, isObj := it.(map[string]any)
				if !isObj {
					dropped = append(dropped, fmt.Sprintf("items[%d](type)", i))
					continue
				}
				desc, _ := firstOf(obj, "description", "name").(string)
				amt, amtOK := money(firstOf(obj, "amount", "price", "total"))
				desc = strings.TrimSpace(desc)
				if desc == "" || !amtOK {
					dropped = append(dropped, fmt.Sprintf("items[%d](invalid)", i))
					continue
				}
				items = append(items, map[string]any{"description": desc, "amount": amt})
			}
			m["items"] = items
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, dropped, nil
}

// Decode sanitizes engine output, validates it and maps it to a Result.
func Decode(raw []byte, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clean, dropped, err := Sanitize(raw)
	if err != nil {
		return Result{}, err
	}
	if err := schema.Validate(outputSchema, clean); err != nil {
		return Result{}, fmt.Errorf("extraction output: %w", err)
	}
	var w struct {
		Vendor     *string  `json:"vendor"`
		Total      *string  `json:"total"`
		Currency   *string  `json:"currency"`
		Date       *string  `json:"date"`
		Category   *string  `json:"category"`
		Confidence *float64 `json:"confidence"`
		RawText    string   `json:"raw_text"`
		Items      []struct {
			Description string `json:"description"`
			Amount      string `json:"amount"`
		} `json:"items"`
	}
	if err := json.Unmarshal(clean, &w); err != nil {
		return Result{}, fmt.Errorf("extraction output: %w", err)
	}

	res := Result{Vendor: w.Vendor, Currency: w.Currency, Confidence: w.Confidence, RawText: w.RawText, Dropped: dropped}
	if w.Total != nil {
		d, err := decimal.NewFromString(*w.Total)
		if err != nil {
			return Result{}, fmt.Errorf("extraction output: total: %w", err)
		}
		res.Total = &d
	}
	if w.Date != nil {
		d, err := entity.ParseDate(*w.Date)
		if err != nil {
			return Result{}, fmt.Errorf("extraction output: date: %w", err)
		}
		res.Date = &d
	}
	if w.Category != nil {
		c := *w.Category
		if cat, ok := constants.Canonicalize(c); ok {
			c = string(cat)
		}
		res.Category = &c
	}
	for _, it := range w.Items {
		amt, err := decimal.NewFromString(it.Amount)
		if err != nil {
			return Result{}, fmt.Errorf("extraction output: item amount: %w", err)
		}
		res.Items = append(res.Items, entity.LineItem{Description: it.Description, Amount: amt})
	}
	if res.Confidence == nil && res.RawText != "" {
		c := estimateConfidence(res)
		res.Confidence = &c
	}
	if len(dropped) > 0 {
		slices.Sort(dropped)
		logger.Warn("extract.output.sanitized", "dropped", dropped)
	}
	return res, nil
}

// money accepts a JSON number or a decimal string, optionally with a leading currency
// symbol and thousands separators. Negative and malformed amounts are rejected.
func money(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
		s = strings.TrimLeft(s, "$€£")
		s = strings.ReplaceAll(s, ",", "")
	default:
		return "", false
	}
	if !reDecimal.MatchString(s) {
		return "", false
	}
	return s, true
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
