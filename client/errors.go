package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vaintrub/azdo-roster/models"
)

// Sentinel errors for use with errors.Is()
var (
	// ErrNotFound indicates the requested resource was not found (HTTP 404).
	ErrNotFound = errors.New("resource not found")

	// ErrUnauthorized indicates invalid or missing authentication (HTTP 401).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates insufficient permissions (HTTP 403).
	ErrForbidden = errors.New("forbidden")

	// ErrBadRequest indicates invalid request parameters or a duplicate (HTTP 400).
	ErrBadRequest = errors.New("bad request")

	// ErrMethodNotAllowed indicates the endpoint does not support the verb (HTTP 405).
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrConflict indicates a resource conflict, e.g., duplicate entry (HTTP 409).
	ErrConflict = errors.New("resource conflict")

	// ErrRateLimited indicates too many requests (HTTP 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrServerError indicates an internal server error (HTTP 5xx).
	ErrServerError = errors.New("server error")

	// ErrInvalidInput indicates validation failure for input parameters.
	ErrInvalidInput = errors.New("invalid input")
)

// APIError represents an error response from the Azure DevOps REST API.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // Error message from API
	TypeKey    string // Exception type key from API (if available)
	ActivityID string // Activity ID from ActivityId header (for debugging)
	Body       []byte // Raw response body (for debugging)
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.TypeKey != "" {
		return fmt.Sprintf("azure devops api error (status %d, type %s): %s", e.StatusCode, e.TypeKey, e.Message)
	}
	return fmt.Sprintf("azure devops api error (status %d): %s", e.StatusCode, e.Message)
}

// Is implements errors.Is() for comparing with sentinel errors and the models taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case models.ErrTransient:
		return isTransientStatus(e.StatusCode)
	case models.ErrPermission:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}

	switch e.StatusCode {
	case 400:
		return target == ErrBadRequest
	case 401:
		return target == ErrUnauthorized
	case 403:
		return target == ErrForbidden
	case 404:
		return target == ErrNotFound
	case 405:
		return target == ErrMethodNotAllowed
	case 409:
		return target == ErrConflict
	case 429:
		return target == ErrRateLimited
	}
	if e.StatusCode >= 500 && e.StatusCode < 600 {
		return target == ErrServerError
	}
	return false
}

// Unwrap returns nil as APIError doesn't wrap other errors.
func (e *APIError) Unwrap() error {
	return nil
}

// ValidationError represents an input validation error.
type ValidationError struct {
	Field   string // Field name that failed validation
	Message string // Validation error message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Is implements errors.Is() for comparing with ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Unwrap returns ErrInvalidInput for error chain.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// newAPIErrorFromResponse creates an APIError with JSON parsing support.
// It attempts to extract structured error info from the response body.
func newAPIErrorFromResponse(statusCode int, body []byte, activityID string) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		Message:    string(body),
		ActivityID: activityID,
		Body:       body,
	}

	// Azure DevOps error payloads look like {"message": "...", "typeKey": "..."}
	var errResp struct {
		Message string `json:"message"`
		TypeKey string `json:"typeKey"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		if errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		apiErr.TypeKey = errResp.TypeKey
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(statusCode)
	}

	return apiErr
}

// isExpectedStatus checks if the status code is in the expected list.
// If expected is empty, it defaults to checking for 200 OK.
func isExpectedStatus(code int, expected []int) bool {
	if len(expected) == 0 {
		return code == 200
	}
	for _, e := range expected {
		if code == e {
			return true
		}
	}
	return false
}

// isTransientStatus reports statuses that make a strategy fail without failing the batch.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusMethodNotAllowed, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500 && code < 600
}
