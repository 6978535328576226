package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/upload"
)

// Error codes sent in the envelope.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeConflict      = "CONFLICT"
	CodeTooLarge      = "FILE_TOO_LARGE"
	CodeUnsupported   = "UNSUPPORTED_MEDIA_TYPE"
	CodeUnavailable   = "SERVICE_UNAVAILABLE"
	CodeInternalError = "INTERNAL_ERROR"
)

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error":{"code","message"}}.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// WriteFieldErrors writes a 422 carrying per-field reasons.
func WriteFieldErrors(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{Error: errorBody{
		Code:    CodeValidation,
		Message: "one or more fields are invalid",
		Fields:  fields,
	}})
}

// writeFailure maps err onto a status and code. Unexpected errors are logged and
// reported without detail.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ve common.ValidationErrors
	var violation *upload.Violation
	switch {
	case errors.As(err, &ve):
		WriteFieldErrors(w, ve.Fields())
	case errors.As(err, &violation):
		switch violation.Code {
		case upload.CodeTooLarge:
			WriteError(w, http.StatusRequestEntityTooLarge, CodeTooLarge, violation.Message)
		case upload.CodeUnsupportedType:
			WriteError(w, http.StatusUnsupportedMediaType, CodeUnsupported, violation.Message)
		case upload.CodeEmpty, upload.CodeTooManyFiles:
			WriteFieldErrors(w, map[string]string{"file": violation.Message})
		default:
			panic("server: unhandled upload violation " + string(violation.Code))
		}
	case errors.Is(err, common.ErrNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, "receipt not found")
	case errors.Is(err, common.ErrConflict):
		WriteError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, common.ErrUnavailable):
		WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, "try again later")
	default:
		logger.ErrorContext(r.Context(), "server.request.failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", common.RequestIDFromContext(r.Context()),
			"error", err,
		)
		WriteError(w, http.StatusInternalServerError, CodeInternalError, "internal server error")
	}
}
