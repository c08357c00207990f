// Package errors defines the categorized error taxonomy shared by the pipeline engine and the API.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/job-pipeline/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryNotFound represents unknown jobs or log entries
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryValidation represents payloads rejected before any write
	CategoryValidation ErrorCategory = "validation"
	// CategoryDatabase represents store failures
	CategoryDatabase ErrorCategory = "database"
	// CategoryAuthorization represents missing or insufficient roles
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryConflict represents state conflicts such as finalizing a log twice
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents throttled callers
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents everything else
	CategorySystem ErrorCategory = "system"
)

// Error codes. Per-item bulk errors carry these verbatim.
const (
	CodeNotFound       = "NotFound"
	CodeInvalidPayload = "InvalidPayload"
	CodeStorage        = "StorageError"
	CodeUnauthorized   = "Unauthorized"
	CodeForbidden      = "Forbidden"
	CodeConflict       = "Conflict"
	CodeRateLimited    = "RateLimited"
	CodeInternal       = "InternalError"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id interface{}) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %v", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInvalidPayloadError creates a validation error for a single field
func NewInvalidPayloadError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidPayload,
		Message:    fmt.Sprintf("invalid payload field '%s': %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewStorageError creates a store failure error
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeStorage,
		Message:    fmt.Sprintf("storage error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewForbiddenError creates a forbidden error
func NewForbiddenError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeForbidden,
		Message:    message,
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeConflict,
		Message:    message,
	}
}

// NewRateLimitError creates a rate limit error for a caller allowed limit requests per second
func NewRateLimitError(limit float64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    "Rate limit exceeded. Please try again later.",
		Details: map[string]interface{}{
			"limit": limit,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error. Wrapped categorized errors are found with errors.As.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	base := &CategorizedError{Code: err.Code, Message: err.Message, Details: err.Details}
	switch err.Code {
	case CodeNotFound:
		base.Category, base.StatusCode = CategoryNotFound, http.StatusNotFound
	case CodeInvalidPayload:
		base.Category, base.StatusCode = CategoryValidation, http.StatusBadRequest
	case CodeForbidden:
		base.Category, base.StatusCode = CategoryAuthorization, http.StatusForbidden
	case CodeConflict:
		base.Category, base.StatusCode = CategoryConflict, http.StatusConflict
	case CodeStorage:
		base.Category, base.StatusCode = CategoryDatabase, http.StatusInternalServerError
	default:
		base.Category, base.StatusCode = CategorySystem, http.StatusInternalServerError
	}
	return base
}

// KindOf returns the error code used in per-item bulk results
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	return Categorize(err).Code
}

// Is reports whether err is categorized with the given code
func Is(err error, code string) bool {
	return err != nil && KindOf(err) == code
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 500
}

// IsRetryable reports whether retrying the same call could succeed
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	switch catErr.Category {
	case CategoryDatabase, CategoryRateLimit:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}
