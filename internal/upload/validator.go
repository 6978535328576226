// Package upload enforces type and size constraints on candidate files before any network call.
package upload

import (
	"fmt"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/capture"
)

// ViolationCode is the machine-readable reason a candidate was rejected.
type ViolationCode string

const (
	CodeUnsupportedType ViolationCode = "unsupported_type"
	CodeTooLarge        ViolationCode = "too_large"
	CodeTooManyFiles    ViolationCode = "too_many_files"
	CodeEmpty           ViolationCode = "empty_file"
)

// Violation is returned when a candidate fails validation.
type Violation struct {
	Code    ViolationCode
	Message string
}

func (v *Violation) Error() string { return v.Message }

// Is matches on Code.
func (v *Violation) Is(target error) bool {
	t, ok := target.(*Violation)
	return ok && t.Code == v.Code
}

var (
	ErrUnsupportedType = &Violation{Code: CodeUnsupportedType}
	ErrTooLarge        = &Violation{Code: CodeTooLarge}
	ErrTooManyFiles    = &Violation{Code: CodeTooManyFiles}
	ErrEmpty           = &Violation{Code: CodeEmpty}
)

// Validator classifies candidates. The zero value is not usable; use New.
type Validator struct {
	maxBytes int64
	allowed  map[string]struct{}
}

type Option func(*Validator)

// WithMaxBytes overrides the default 10 MiB ceiling.
func WithMaxBytes(n int64) Option {
	return func(v *Validator) {
		if n > 0 {
			v.maxBytes = n
		}
	}
}

// WithAllowedTypes replaces the allow-list.
func WithAllowedTypes(types ...string) Option {
	return func(v *Validator) {
		if len(types) == 0 {
			return
		}
		v.allowed = make(map[string]struct{}, len(types))
		for _, t := range types {
			v.allowed[constants.NormalizeMediaType(t)] = struct{}{}
		}
	}
}

func New(opts ...Option) *Validator {
	v := &Validator{
		maxBytes: constants.DefaultMaxUploadBytes,
		allowed:  constants.AllowedMediaTypes,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// MaxBytes is the configured ceiling, also used as the capture read limit.
func (v *Validator) MaxBytes() int64 { return v.maxBytes }

// Validate returns nil or a *Violation. The type check runs before the size check.
func (v *Validator) Validate(f capture.CandidateFile) error {
	mt := constants.NormalizeMediaType(f.MediaType)
	if _, ok := v.allowed[mt]; !ok {
		return &Violation{
			Code:    CodeUnsupportedType,
			Message: fmt.Sprintf("%s: file type %q is not accepted; use a JPEG, PNG, GIF, WebP, TIFF or PDF", f.Name, f.MediaType),
		}
	}
	if f.Size > v.maxBytes {
		return &Violation{
			Code:    CodeTooLarge,
			Message: fmt.Sprintf("%s: file is %s, the limit is %s", f.Name, humanBytes(f.Size), humanBytes(v.maxBytes)),
		}
	}
	if f.Size == 0 {
		return &Violation{Code: CodeEmpty, Message: fmt.Sprintf("%s: file is empty", f.Name)}
	}
	return nil
}

// ValidateSelection enforces the single-file contract and then validates that file.
func (v *Validator) ValidateSelection(files []capture.CandidateFile) (capture.CandidateFile, error) {
	switch {
	case len(files) == 0:
		return capture.CandidateFile{}, &Violation{Code: CodeEmpty, Message: "no file selected"}
	case len(files) > 1:
		return capture.CandidateFile{}, &Violation{
			Code:    CodeTooManyFiles,
			Message: fmt.Sprintf("%d files selected; submit one receipt at a time", len(files)),
		}
	}
	if err := v.Validate(files[0]); err != nil {
		return capture.CandidateFile{}, err
	}
	return files[0], nil
}

func humanBytes(n int64) string {
	const mib = 1 << 20
	if n >= mib {
		return fmt.Sprintf("%.1f MiB", float64(n)/mib)
	}
	if n >= 1<<10 {
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
