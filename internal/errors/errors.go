// Package errors provides structured error types for the Chronik engine.
// All errors carry a category, code, message, and retryable flag so callers
// and the transport layers above the engine can handle them uniformly.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory classifies errors by engine concern.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryTenant     ErrorCategory = "TENANT"
	ErrCategoryQuota      ErrorCategory = "QUOTA"
	ErrCategoryRateLimit  ErrorCategory = "RATELIMIT"
	ErrCategoryDurability ErrorCategory = "DURABILITY"
	ErrCategoryCorruption ErrorCategory = "CORRUPTION"
	ErrCategoryNotFound   ErrorCategory = "NOTFOUND"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryCompaction ErrorCategory = "COMPACTION"
	ErrCategorySnapshot   ErrorCategory = "SNAPSHOT"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeEmptyEntityID   = "EMPTY_ENTITY_ID"
	CodeEmptyEventType  = "EMPTY_EVENT_TYPE"
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodeInvalidRange    = "INVALID_RANGE"
	CodeInvalidTenantID = "INVALID_TENANT_ID"

	// Tenant codes
	CodeTenantNotFound    = "TENANT_NOT_FOUND"
	CodeTenantInactive    = "TENANT_INACTIVE"
	CodeTenantExists      = "TENANT_EXISTS"
	CodeTenantStoreFailed = "TENANT_STORE_FAILED"

	// Quota codes
	CodeQuotaExceeded = "QUOTA_EXCEEDED"

	// Rate limit codes
	CodeRateLimited = "RATE_LIMITED"

	// Durability codes
	CodeWALAppendFailed = "WAL_APPEND_FAILED"
	CodeWALSealed       = "WAL_SEALED"

	// Corruption codes
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeTornWrite        = "TORN_WRITE"

	// Not-found codes
	CodeEntityNotFound   = "ENTITY_NOT_FOUND"
	CodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	CodeSegmentNotFound  = "SEGMENT_NOT_FOUND"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"

	// Compaction codes
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeSourceMissing    = "SOURCE_MISSING"

	// Snapshot codes
	CodeFoldFailed          = "FOLD_FAILED"
	CodeSnapshotStoreFailed = "SNAPSHOT_STORE_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// ChronikError is the structured error type used throughout the engine.
type ChronikError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *ChronikError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ChronikError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *ChronikError) Is(target error) bool {
	var t *ChronikError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new ChronikError.
func New(category ErrorCategory, code, message string) *ChronikError {
	return &ChronikError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new ChronikError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *ChronikError {
	return &ChronikError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *ChronikError) WithDetails(details map[string]interface{}) *ChronikError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *ChronikError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a ChronikError.
func GetCategory(err error) ErrorCategory {
	var ce *ChronikError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
func GetCode(err error) string {
	var ce *ChronikError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// RetryAfter extracts the retry-after interval from a rate-limit error.
// Returns zero when the error carries no retry-after detail.
func RetryAfter(err error) time.Duration {
	var ce *ChronikError
	if !errors.As(err, &ce) || ce.Details == nil {
		return 0
	}
	if d, ok := ce.Details["retry_after"].(time.Duration); ok {
		return d
	}
	return 0
}

// isRetryable determines whether an error code is retryable. Durability and
// corruption failures are never retryable for the failing call; rate limits
// are retryable after the advertised interval; storage transfers are
// transient.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryRateLimit:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryCompaction && code == CodeValidationFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *ChronikError {
	return New(ErrCategoryValidation, code, message)
}

func NewTenantNotFound(tenantID string) *ChronikError {
	return New(ErrCategoryTenant, CodeTenantNotFound, fmt.Sprintf("tenant %q not found", tenantID))
}

func NewTenantInactive(tenantID string) *ChronikError {
	return New(ErrCategoryTenant, CodeTenantInactive, fmt.Sprintf("tenant %q is deactivated", tenantID))
}

func NewQuotaExceeded(tenantID, resource string) *ChronikError {
	return New(ErrCategoryQuota, CodeQuotaExceeded,
		fmt.Sprintf("tenant %q exceeded %s quota", tenantID, resource)).
		WithDetails(map[string]interface{}{"resource": resource})
}

func NewRateLimited(tenantID string, retryAfter time.Duration) *ChronikError {
	return New(ErrCategoryRateLimit, CodeRateLimited,
		fmt.Sprintf("tenant %q is rate limited", tenantID)).
		WithDetails(map[string]interface{}{"retry_after": retryAfter})
}

func NewDurabilityError(code, message string, cause error) *ChronikError {
	return Wrap(ErrCategoryDurability, code, message, cause)
}

func NewCorruptionError(code, message string) *ChronikError {
	return New(ErrCategoryCorruption, code, message)
}

func NewNotFound(code, message string) *ChronikError {
	return New(ErrCategoryNotFound, code, message)
}

func NewStorageError(code, message string, cause error) *ChronikError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCompactionError(code, message string, cause error) *ChronikError {
	return Wrap(ErrCategoryCompaction, code, message, cause)
}

func NewSnapshotError(code, message string, cause error) *ChronikError {
	return Wrap(ErrCategorySnapshot, code, message, cause)
}

func NewInternalError(message string, cause error) *ChronikError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
