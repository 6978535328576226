package boundary

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
)

// TransportError means no usable response arrived (connection refused, reset, timeout,
// aborted). It is always retryable.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: no response from receipts service: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// RejectedError is a 4xx answer with a machine-readable reason. Fields carries per-field
// reasons for validation rejections.
type RejectedError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Fields     map[string]string
}

func (e *RejectedError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: rejected (%d %s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return fmt.Sprintf("%s: rejected (%d %s): %s", e.Op, e.StatusCode, e.Code, strings.Join(parts, "; "))
}

// Is lets callers test rejections against the common sentinels.
func (e *RejectedError) Is(target error) bool {
	switch target {
	case common.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case common.ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case common.ErrValidation:
		return len(e.Fields) > 0 || e.StatusCode == http.StatusUnprocessableEntity
	case common.ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// FaultError is a 5xx answer, or a 2xx answer whose body could not be understood.
type FaultError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Cause      error
}

func (e *FaultError) Error() string {
	msg := fmt.Sprintf("%s: receipts service fault (%d %s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FaultError) Unwrap() error { return e.Cause }

func (e *FaultError) Is(target error) bool { return target == common.ErrUnavailable }

// ErrMalformedResponse is wrapped by FaultError when a success body fails normalization.
var ErrMalformedResponse = errors.New("malformed response")

// Retryable reports whether err is worth retrying without operator changes.
func Retryable(err error) bool {
	var te *TransportError
	var fe *FaultError
	return errors.As(err, &te) || errors.As(err, &fe)
}

// Kind names the error class for logs and operator messages.
func Kind(err error) string {
	var te *TransportError
	var re *RejectedError
	var fe *FaultError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &re):
		return "rejected"
	case errors.As(err, &fe):
		return "fault"
	}
	return "other"
}
