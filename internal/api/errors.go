package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sandkasten-oss/termbroker/internal/docker"
	"github.com/sandkasten-oss/termbroker/internal/session"
	"github.com/sandkasten-oss/termbroker/internal/store"
)

// Error codes returned in API responses.
const (
	ErrCodeSessionNotFound    = "SESSION_NOT_FOUND"
	ErrCodeSessionExpired     = "SESSION_EXPIRED"
	ErrCodeInvalidImage       = "INVALID_IMAGE"
	ErrCodeImageUnavailable   = "IMAGE_UNAVAILABLE"
	ErrCodeResourceExhausted  = "RESOURCE_EXHAUSTED"
	ErrCodeNotAttachable      = "SESSION_NOT_ATTACHABLE"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeUserQuota          = "USER_QUOTA_EXCEEDED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeRuntimeUnavailable = "RUNTIME_UNAVAILABLE"
)

// APIError is the structured error body every non-2xx response carries.
type APIError struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeAPIError writes a structured error response, mapping each sentinel
// error to its HTTP status.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		apiErr = APIError{Code: ErrCodeSessionNotFound, Message: err.Error()}
		statusCode = http.StatusNotFound

	case errors.Is(err, session.ErrExpired):
		apiErr = APIError{Code: ErrCodeSessionExpired, Message: err.Error()}
		statusCode = http.StatusGone

	case errors.Is(err, session.ErrInvalidImage):
		apiErr = APIError{Code: ErrCodeInvalidImage, Message: err.Error()}
		statusCode = http.StatusBadRequest

	case errors.Is(err, session.ErrNotAttachable), errors.Is(err, session.ErrAlreadyAttached):
		apiErr = APIError{Code: ErrCodeNotAttachable, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, session.ErrUserQuota):
		apiErr = APIError{Code: ErrCodeUserQuota, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrStalePrecondition):
		apiErr = APIError{Code: ErrCodeConflict, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, docker.ErrImageUnavailable):
		apiErr = APIError{Code: ErrCodeImageUnavailable, Message: err.Error()}
		statusCode = http.StatusBadRequest

	case errors.Is(err, docker.ErrResourceExhausted):
		apiErr = APIError{Code: ErrCodeResourceExhausted, Message: err.Error()}
		statusCode = http.StatusServiceUnavailable

	case errors.Is(err, docker.ErrRuntimeUnavailable):
		apiErr = APIError{Code: ErrCodeRuntimeUnavailable, Message: err.Error()}
		statusCode = http.StatusServiceUnavailable

	default:
		apiErr = APIError{Code: ErrCodeInternalError, Message: err.Error()}
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details.
func writeValidationError(w http.ResponseWriter, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error.
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}

// writeRateLimitedError writes a 429 Too Many Requests.
func writeRateLimitedError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeRateLimited,
		Message: "rate limit exceeded",
	})
}

// writeRuntimeUnavailableError writes a 503 Service Unavailable, used when
// the container runtime or egress supervisor can't be reached.
func writeRuntimeUnavailableError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeRuntimeUnavailable,
		Message: err.Error(),
	})
}
