package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/draft"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

// reviewView is what submit, status and review print.
type reviewView struct {
	ID           string                  `json:"id"`
	Status       string                  `json:"status"`
	OCRCompleted bool                    `json:"ocr_completed"`
	Confidence   *float64                `json:"ocr_confidence,omitempty"`
	Disposition  string                  `json:"disposition,omitempty"`
	PollState    string                  `json:"poll_state,omitempty"`
	ManualEntry  bool                    `json:"manual_entry,omitempty"`
	Dirty        bool                    `json:"dirty,omitempty"`
	Draft        *draft.Values           `json:"draft,omitempty"`
	Errors       common.ValidationErrors `json:"-"`
	FieldErrors  map[string]string       `json:"errors,omitempty"`
	Committed    bool                    `json:"committed,omitempty"`
}

func newView(rec entity.ReceiptRecord, disposition string, d *draft.Draft) reviewView {
	v := reviewView{
		ID:           rec.ID,
		Status:       string(rec.Status),
		OCRCompleted: rec.OCRCompleted,
		Confidence:   rec.OCRConfidence,
		Disposition:  disposition,
	}
	if d != nil {
		vals := d.Values()
		v.Draft = &vals
		v.ManualEntry = d.ManualEntry()
		v.Dirty = d.IsDirty()
		v.Errors = fieldErrors(d)
		if len(v.Errors) > 0 {
			v.FieldErrors = v.Errors.Fields()
		}
	}
	return v
}

// fieldErrors merges local validation with reasons the boundary returned.
func fieldErrors(d *draft.Draft) common.ValidationErrors {
	var out common.ValidationErrors
	seen := map[string]bool{}
	if err := d.Validate(); err != nil {
		if ve, ok := err.(common.ValidationErrors); ok {
			for _, e := range ve {
				seen[e.Field] = true
				out = append(out, e)
			}
		}
	}
	for _, e := range d.ServerErrors() {
		if !seen[e.Field] {
			out = append(out, e)
		}
	}
	return out
}

func render(w io.Writer, format string, v reviewView) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, val string) { fmt.Fprintf(tw, "%s\t%s\n", k, val) }
	row("id", v.ID)
	row("status", v.Status)
	if v.Disposition != "" {
		row("disposition", v.Disposition)
	}
	if v.PollState != "" {
		row("poll", v.PollState)
	}
	if v.Confidence != nil {
		row("confidence", fmt.Sprintf("%.2f", *v.Confidence))
	}
	if d := v.Draft; d != nil {
		mode := "extracted"
		if v.ManualEntry {
			mode = "manual entry"
		}
		if v.Dirty {
			mode += ", edited"
		}
		row("draft", mode)
		row("vendor", d.Vendor)
		row("amount", d.Amount)
		row("date", d.Date)
		row("category", d.Category)
		row("notes", d.Notes)
		for i, it := range d.Items {
			row(fmt.Sprintf("items[%d]", i), fmt.Sprintf("%s  %s", it.Description, it.Amount))
		}
	}
	for _, e := range v.Errors {
		row("error: "+e.Field, e.Message)
	}
	if v.Committed {
		row("committed", "yes")
	}
	return tw.Flush()
}
