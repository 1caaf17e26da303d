package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/sandgate-io/sandgate/internal/logutil"
)

// Machine-readable error codes carried in every error body.
const (
	CodeValidation     = "validation_error"
	CodeNotFound       = "not_found"
	CodeInvalidState   = "invalid_state"
	CodeUnauthorized   = "unauthorized"
	CodeUnavailable    = "unavailable"
	CodeBackendTimeout = "backend_timeout"
	CodeBackendError   = "backend_error"
	CodeCircuitOpen    = "circuit_open"
	CodeInternal       = "internal_error"
)

// APIError is the one error shape that crosses the HTTP boundary. Every
// handler error becomes one of these; anything else is an unexpected
// error and is logged before a generic 500 goes out.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string { return e.Message }

func Validation(msg string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeValidation, Message: msg}
}

func NotFound(msg string) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

func Conflict(msg string) *APIError {
	return &APIError{Status: http.StatusConflict, Code: CodeInvalidState, Message: msg}
}

func Unauthorized(msg string) *APIError {
	return &APIError{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: msg}
}

func PayloadTooLarge(msg string) *APIError {
	return &APIError{Status: http.StatusRequestEntityTooLarge, Code: CodeValidation, Message: msg}
}

// Unavailable reports a dependency of the gateway itself (database, compute
// backend) as down, as opposed to a single backend call failing.
func Unavailable(msg string) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: msg}
}

// BackendTimeoutErr means the bounded call gave up waiting. Distinct from
// CircuitOpen so operators can tell "tried and it was slow" apart from
// "didn't even try".
func BackendTimeoutErr(msg string) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: CodeBackendTimeout, Message: msg}
}

// BackendErr surfaces a failure the backend itself reported.
func BackendErr(err error) *APIError {
	return &APIError{
		Status:  http.StatusBadGateway,
		Code:    CodeBackendError,
		Message: logutil.Truncate(logutil.SanitizeForLog(err.Error()), 300),
	}
}

func CircuitOpen(target string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    CodeCircuitOpen,
		Message: "circuit open for " + target + " backend, retry later",
	}
}

// WriteError sends the JSON error body for err. Errors that are not an
// APIError are logged with request context and reported as a generic 500
// so nothing is silently swallowed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		if rid := w.Header().Get("X-Request-ID"); rid != "" {
			log.Printf("Unexpected error on %s %s (request %s): %v", r.Method, logutil.SanitizeForLog(r.URL.Path), rid, err)
		} else {
			log.Printf("Unexpected error on %s %s: %v", r.Method, logutil.SanitizeForLog(r.URL.Path), err)
		}
		apiErr = &APIError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal server error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(apiErr)
}
