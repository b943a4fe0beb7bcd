package ci

import (
	"errors"
	"fmt"
)

// HTTPError represents a non-2xx response from the executor.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsRetryable returns true if the HTTP error is retryable.
// 5xx are server issues; 429 is retryable after delay; 404 covers the
// executor's queue and build resources briefly not existing yet.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 404
}

// transportError wraps a network-level failure so it is distinguishable from
// an HTTP status error.
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("HTTP request failed: %v", e.err)
}

func (e *transportError) Unwrap() error {
	return e.err
}

// IsRetryable returns true if the error is likely transient and the request
// should be retried. Network failures always are.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	var tErr *transportError
	return errors.As(err, &tErr)
}
