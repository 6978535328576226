package common

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValidationError represents a failure scoped to one field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// ValidationErrors is the error returned by Validator.Err. It wraps ErrValidation.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	messages := make([]string, 0, len(ve))
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

func (ve ValidationErrors) Unwrap() error { return ErrValidation }

// Fields returns the first message per field, keyed by field name.
func (ve ValidationErrors) Fields() map[string]string {
	out := make(map[string]string, len(ve))
	for _, err := range ve {
		if _, seen := out[err.Field]; !seen {
			out[err.Field] = err.Message
		}
	}
	return out
}

// For returns the message for field, or "".
func (ve ValidationErrors) For(field string) string {
	for _, err := range ve {
		if err.Field == field {
			return err.Message
		}
	}
	return ""
}

// ValidationErrorsFromMap builds a sorted ValidationErrors from a field→message map.
func ValidationErrorsFromMap(fields map[string]string) ValidationErrors {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(ValidationErrors, 0, len(names))
	for _, name := range names {
		out = append(out, ValidationError{Field: name, Message: fields[name]})
	}
	return out
}

// Validator provides validation utilities
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Field validates a field and collects errors. Only the first failing rule per call is kept.
func (v *Validator) Field(fieldName string, value interface{}, rules ...ValidationRule) *Validator {
	for _, rule := range rules {
		if err := rule(fieldName, value); err != nil {
			v.errors = append(v.errors, *err)
			break
		}
	}
	return v
}

// Add records a failure directly.
func (v *Validator) Add(fieldName, message string) *Validator {
	v.errors = append(v.errors, ValidationError{Field: fieldName, Message: message})
	return v
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// Err returns nil or the collected ValidationErrors.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	out := make(ValidationErrors, len(v.errors))
	copy(out, v.errors)
	return out
}

// ValidationRule represents a single validation rule
type ValidationRule func(fieldName string, value interface{}) *ValidationError

func stringValue(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case *string:
		if v == nil {
			return "", false
		}
		return *v, true
	}
	return "", false
}

// Required - Common validation rules
func Required(fieldName string, value interface{}) *ValidationError {
	if value == nil {
		return &ValidationError{Field: fieldName, Value: value, Message: "is required"}
	}
	str, ok := stringValue(value)
	if _, isPtr := value.(*string); isPtr && !ok {
		return &ValidationError{Field: fieldName, Value: value, Message: "is required"}
	}
	if ok && strings.TrimSpace(str) == "" {
		return &ValidationError{Field: fieldName, Value: value, Message: "is required"}
	}
	return nil
}

func MaxLength(max int) ValidationRule {
	return func(fieldName string, value interface{}) *ValidationError {
		str, ok := stringValue(value)
		if !ok {
			return nil
		}
		if utf8.RuneCountInString(str) > max {
			return &ValidationError{
				Field:   fieldName,
				Value:   value,
				Message: fmt.Sprintf("must be at most %d characters", max),
			}
		}
		return nil
	}
}

// NonNegativeDecimal accepts blank input (pair with Required when the field is mandatory).
// Input is parsed as written; nothing is rounded or defaulted.
func NonNegativeDecimal(fieldName string, value interface{}) *ValidationError {
	str, ok := stringValue(value)
	if !ok || strings.TrimSpace(str) == "" {
		return nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(str))
	if err != nil {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a number"}
	}
	if d.IsNegative() {
		return &ValidationError{Field: fieldName, Value: value, Message: "must not be negative"}
	}
	if d.Exponent() < -2 {
		return &ValidationError{Field: fieldName, Value: value, Message: "must have at most 2 decimal places"}
	}
	return nil
}

// DateLayout is the calendar date format used on the wire and in drafts.
const DateLayout = "2006-01-02"

// CalendarDate accepts blank input. time.Parse rejects out-of-range days such as 2024-02-30.
func CalendarDate(fieldName string, value interface{}) *ValidationError {
	str, ok := stringValue(value)
	if !ok || strings.TrimSpace(str) == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, strings.TrimSpace(str)); err != nil {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a valid date (YYYY-MM-DD)"}
	}
	return nil
}

func UUID(fieldName string, value interface{}) *ValidationError {
	str, ok := value.(string)
	if !ok {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a string"}
	}

	if _, err := uuid.Parse(str); err != nil {
		return &ValidationError{
			Field:   fieldName,
			Value:   value,
			Message: "must be a valid UUID",
		}
	}
	return nil
}

var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// CurrencyCode accepts blank input; otherwise an ISO 4217 code.
func CurrencyCode(fieldName string, value interface{}) *ValidationError {
	str, ok := stringValue(value)
	if !ok || str == "" {
		return nil
	}
	if !currencyRegex.MatchString(str) {
		return &ValidationError{
			Field:   fieldName,
			Value:   value,
			Message: "must be 3 uppercase letters (ISO 4217)",
		}
	}
	return nil
}
