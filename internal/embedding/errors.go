package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ValidationError marks bad caller input. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "embedding: invalid input: " + e.Reason
}

func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProviderError wraps a failed upstream embedding call. Retryable
// distinguishes transient failures (rate limit, 5xx, zero vector) from
// permanent ones (bad request, dimension mismatch, missing credentials).
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("embedding: provider %s failed (status=%d)", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("embedding: provider %s failed (status=%d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError classifies an HTTP status into retryable or not.
// 429 and 5xx are worth retrying, everything else is permanent.
func NewProviderError(provider string, status int, err error) *ProviderError {
	retryable := status == 429 || status >= 500
	return &ProviderError{Provider: provider, StatusCode: status, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is worth another attempt. Unclassified
// errors are treated as transport-level and retried; context cancellation
// and validation failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// ProviderError first: it may wrap a ValidationError describing the
	// bad response while still being transient (all-zero vector).
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	return true
}
