// Package respond writes the uniform JSON envelope used by every endpoint:
// {"success": bool, "data"?: ..., "error"?: {"code", "message"}}.
package respond

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error codes returned to clients.
const (
	CodeInvalidInput    = "INVALID_INPUT"
	CodeInvalidType     = "INVALID_TYPE"
	CodeEmptyContent    = "EMPTY_CONTENT"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeBackendError    = "BACKEND_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeRateLimited     = "RATE_LIMITED"
)

// Envelope is the response body shape.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON writes a successful envelope wrapping data.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, Envelope{Success: true, Data: data})
}

// Error writes a failed envelope.
func Error(w http.ResponseWriter, status int, code, message string) {
	write(w, status, Envelope{Success: false, Error: &ErrorBody{Code: code, Message: message}})
}

// Internal writes a generic INTERNAL_ERROR. err is only logged.
func Internal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	Error(w, http.StatusInternalServerError, CodeInternalError, "internal server error")
}

func write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
