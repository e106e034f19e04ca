package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestCrawlerError_Error(t *testing.T) {
	err := New(ErrCategoryUpload, CodePutFailed, "put failed")
	expected := "[UPLOAD:PUT_FAILED] put failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestCrawlerError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection reset by peer")
	err := Wrap(ErrCategoryStream, CodePartialRead, "stream read", cause)
	expected := "[STREAM:PARTIAL_READ] stream read: connection reset by peer"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestCrawlerError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("rename: no space left on device")
	err := Wrap(ErrCategoryBucket, CodeFinalizeFailed, "finalize tweets-20240101-00", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestCrawlerError_Is(t *testing.T) {
	err1 := New(ErrCategoryStream, CodeAuthFailed, "first")
	err2 := New(ErrCategoryStream, CodeAuthFailed, "second")
	err3 := New(ErrCategoryStream, CodeRateLimited, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
	wrapped := fmt.Errorf("session: %w", err1)
	if !errors.Is(wrapped, New(ErrCategoryStream, CodeAuthFailed, "")) {
		t.Error("Is should see through fmt wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStream, CodePartialRead, true},
		{ErrCategoryStream, CodeStreamClosed, true},
		{ErrCategoryStream, CodeAuthFailed, false},
		{ErrCategoryStream, CodeRateLimited, false},
		{ErrCategoryStream, CodeHTTPStatus, false},
		{ErrCategoryBucket, CodeFinalizeFailed, true},
		{ErrCategoryBucket, CodeBucketClosed, false},
		{ErrCategoryUpload, CodePutFailed, true},
		{ErrCategoryUpload, CodeIllegalTransition, false},
		{ErrCategoryValidation, CodeMalformedRecord, false},
		{ErrCategoryArchive, CodeBuildFailed, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategoryArchive, CodeBuildFailed, "write tweets-20240102.zip.tmp")
	if GetCategory(err) != ErrCategoryArchive {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryArchive)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-CrawlerError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := fmt.Errorf("consumer 2: %w", New(ErrCategoryStream, CodeRateLimited, "429"))
	if GetCode(err) != CodeRateLimited {
		t.Errorf("got %q, want %q", GetCode(err), CodeRateLimited)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-CrawlerError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodeMissingField, "no created_at")
	detailed := err.WithDetails(map[string]interface{}{"field": "data.created_at"})

	if detailed.Details["field"] != "data.created_at" {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewValidationError(CodeMetadataFrame, "no data object")
	if v.Category != ErrCategoryValidation || v.Code != CodeMetadataFrame {
		t.Error("NewValidationError mismatch")
	}

	b := NewBucketError(CodeCreateFailed, "open tmp", cause)
	if b.Category != ErrCategoryBucket || !errors.Is(b, cause) {
		t.Error("NewBucketError mismatch")
	}

	a := NewArchiveError(CodeBuildFailed, "zip", cause)
	if a.Category != ErrCategoryArchive {
		t.Error("NewArchiveError mismatch")
	}

	u := NewUploadError(CodePutFailed, "s3 down", cause)
	if u.Category != ErrCategoryUpload || !u.Retryable {
		t.Error("NewUploadError mismatch")
	}

	s := NewStreamError(CodeAuthFailed, "401", nil)
	if s.Category != ErrCategoryStream || s.Retryable {
		t.Error("NewStreamError mismatch")
	}

	c := NewConfigError("num_threads must be >= 1")
	if c.Category != ErrCategoryConfig || c.Code != CodeInvalidConfig {
		t.Error("NewConfigError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
