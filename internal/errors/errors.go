// Package errors provides structured error types for the crawler.
// Every error carries a category, a code and a retryable flag so callers can
// choose a backoff policy without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryBucket     ErrorCategory = "BUCKET"
	ErrCategoryArchive    ErrorCategory = "ARCHIVE"
	ErrCategoryUpload     ErrorCategory = "UPLOAD"
	ErrCategoryStream     ErrorCategory = "STREAM"
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMalformedRecord = "MALFORMED_RECORD"
	CodeMissingField    = "MISSING_FIELD"
	CodeMetadataFrame   = "METADATA_FRAME"

	// Bucket codes
	CodeCreateFailed   = "CREATE_FAILED"
	CodeAppendFailed   = "APPEND_FAILED"
	CodeFinalizeFailed = "FINALIZE_FAILED"
	CodeBucketClosed   = "BUCKET_CLOSED"
	CodeLateRecord     = "LATE_RECORD"

	// Archive codes
	CodeBuildFailed = "BUILD_FAILED"
	CodeDedupFailed = "DEDUP_FAILED"

	// Upload codes
	CodePutFailed         = "PUT_FAILED"
	CodeIllegalTransition = "ILLEGAL_TRANSITION"
	CodeBreakerOpen       = "BREAKER_OPEN"

	// Stream codes
	CodePartialRead  = "PARTIAL_READ"
	CodeStreamClosed = "STREAM_CLOSED"
	CodeAuthFailed   = "AUTH_FAILED"
	CodeRateLimited  = "RATE_LIMITED"
	CodeHTTPStatus   = "HTTP_STATUS"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// CrawlerError is the structured error type used throughout the system.
type CrawlerError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CrawlerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CrawlerError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *CrawlerError) Is(target error) bool {
	var t *CrawlerError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CrawlerError.
func New(category ErrorCategory, code, message string) *CrawlerError {
	return &CrawlerError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CrawlerError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CrawlerError {
	return &CrawlerError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CrawlerError) WithDetails(details map[string]interface{}) *CrawlerError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CrawlerError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CrawlerError.
func GetCategory(err error) ErrorCategory {
	var ce *CrawlerError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CrawlerError.
func GetCode(err error) string {
	var ce *CrawlerError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// isRetryable marks the codes whose failure is expected to clear on its own.
// Stream transients resume after a short pause; a failed finalization is
// retried by the archive pass; a failed put by stuck-state recovery.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStream && code == CodePartialRead:
		return true
	case category == ErrCategoryStream && code == CodeStreamClosed:
		return true
	case category == ErrCategoryBucket && code == CodeFinalizeFailed:
		return true
	case category == ErrCategoryUpload && code == CodePutFailed:
		return true
	case category == ErrCategoryUpload && code == CodeBreakerOpen:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *CrawlerError {
	return New(ErrCategoryValidation, code, message)
}

func NewBucketError(code, message string, cause error) *CrawlerError {
	return Wrap(ErrCategoryBucket, code, message, cause)
}

func NewArchiveError(code, message string, cause error) *CrawlerError {
	return Wrap(ErrCategoryArchive, code, message, cause)
}

func NewUploadError(code, message string, cause error) *CrawlerError {
	return Wrap(ErrCategoryUpload, code, message, cause)
}

func NewStreamError(code, message string, cause error) *CrawlerError {
	return Wrap(ErrCategoryStream, code, message, cause)
}

func NewConfigError(message string) *CrawlerError {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *CrawlerError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
