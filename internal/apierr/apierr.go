// Package apierr defines the JSON error envelope returned at the HTTP
// boundary, grounded on the teacher's ErrorResponse/writeError pattern
// (internal/interfaces/http/handlers/handlers.go), generalized from a
// fixed status/code pairing into a typed constructor per failure mode the
// warehouse's HTTP API can surface.
package apierr

import (
	"net/http"
	"time"
)

// Error is the response body for any non-2xx API response.
type Error struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an Error for status/code/message, stamping requestID and now.
func New(status int, code, message, requestID string) Error {
	if requestID == "" {
		requestID = "unknown"
	}
	return Error{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}
}

// BadRequest is the 400 helper for malformed query params or request bodies.
func BadRequest(code, message, requestID string) (int, Error) {
	return http.StatusBadRequest, New(http.StatusBadRequest, code, message, requestID)
}

// NotFound is the 404 helper for unknown symbols/job IDs/routes.
func NotFound(code, message, requestID string) (int, Error) {
	return http.StatusNotFound, New(http.StatusNotFound, code, message, requestID)
}

// Internal is the 500 helper for storage/unexpected failures.
func Internal(code, message, requestID string) (int, Error) {
	return http.StatusInternalServerError, New(http.StatusInternalServerError, code, message, requestID)
}
