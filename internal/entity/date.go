package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the wire layout for calendar dates.
const DateLayout = "2006-01-02"

// Date is a calendar date with no time of day or zone.
type Date struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD. Leading timestamps such as 2024-03-01T10:00:00Z are truncated
// to their date.
func ParseDate(s string) (Date, error) {
	if len(s) > len(DateLayout) && s[len(DateLayout)] == 'T' {
		s = s[:len(DateLayout)]
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{t: t}, nil
}

func (d Date) Time() time.Time { return d.t }
func (d Date) IsZero() bool     { return d.t.IsZero() }
func (d Date) String() string   { return d.t.Format(DateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
