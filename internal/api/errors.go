// Package api serves the ledger over HTTP: append, lookup, query, verification,
// export, archival and live tail, plus health endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/auditledger/internal/audit"
	"github.com/onnwee/auditledger/internal/middleware"
)

// Error codes returned in the error envelope and logged as error_code.
const (
	ErrCodeValidation        = "validation_error"
	ErrCodeAuthFailed        = middleware.ErrCodeUnauthorized
	ErrCodeForbidden         = middleware.ErrCodeForbidden // token lacks the route's scope
	ErrCodeNotFound          = "not_found"
	ErrCodeStreamNotFound    = "stream_not_found"
	ErrCodeEventNotFound     = "event_not_found"
	ErrCodeBadRequest        = "bad_request"
	ErrCodeUnsupportedFormat = "unsupported_format"
	ErrCodeArchiveDisabled   = "archive_disabled" // no archive bucket configured
	ErrCodeUnavailable       = "unavailable"      // transient, safe to retry
	ErrCodeInternal          = "internal_error"
)

// retryAfterSeconds is sent with 503 responses for transient failures.
const retryAfterSeconds = "1"

// ErrorResponse is the body of every non-2xx API response:
// {"error": {"code": "...", "message": "..."}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the machine-readable code plus a message for humans.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes an ErrorResponse with status and reports code to the
// request logger wrapping w.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = middleware.SetErrorCode(ctx, code)
	middleware.UpdateResponseContext(w, ctx)

	errResp := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}

	data, err := json.Marshal(errResp)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// WriteLedgerError maps an error returned by the ledger to a response:
// validation failures are 400, unknown streams and events 404, transient
// infrastructure failures 503 with Retry-After, anything else 500.
func WriteLedgerError(w http.ResponseWriter, ctx context.Context, err error) {
	switch {
	case errors.Is(err, audit.ErrValidation):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, audit.ErrStreamNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeStreamNotFound, "Stream not found")
	case errors.Is(err, audit.ErrEventNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeEventNotFound, "Event not found")
	case audit.IsRetryable(err):
		slog.WarnContext(ctx, "ledger temporarily unavailable", "error", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeUnavailable, "Ledger temporarily unavailable, retry the request")
	default:
		slog.ErrorContext(ctx, "ledger request failed", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
	}
}

// StatusCodeMapping returns the status the API pairs with an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeUnsupportedFormat:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound, ErrCodeStreamNotFound, ErrCodeEventNotFound, ErrCodeArchiveDisabled:
		return http.StatusNotFound
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
