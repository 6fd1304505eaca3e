package oracle

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyResponse is returned when the provider answers with no content.
	ErrEmptyResponse = errors.New("oracle returned an empty response")
	// ErrMissingCredential is returned when a client is built without an API key.
	ErrMissingCredential = errors.New("oracle credential is required")
)

// CallError wraps a provider failure.
type CallError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s call failed (status %d): %v", e.Provider, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s call failed: %v", e.Provider, e.Cause)
}

func (e *CallError) Unwrap() error { return e.Cause }

// StructuredOutputError reports an answer that does not match the requested schema.
type StructuredOutputError struct {
	Schema string
	Reason string
	Raw    string
	Cause  error
}

func (e *StructuredOutputError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid %s output: %s: %v", e.Schema, e.Reason, e.Cause)
	}
	return fmt.Sprintf("invalid %s output: %s", e.Schema, e.Reason)
}

func (e *StructuredOutputError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is a transient provider failure worth
// another attempt. Context errors and malformed output never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Retryable
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
