package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for sync operations
var (
	// ErrNotFound indicates a referenced query, channel or user is not cached
	// (or not known to the server).
	ErrNotFound = errors.New("not found")

	// ErrRetryTimeout indicates the retry budget for a request is exhausted.
	ErrRetryTimeout = errors.New("connection retry has timed out")

	// ErrAuthFailed indicates the API rejected our credentials.
	ErrAuthFailed = errors.New("authentication token is invalid")
)

// TransportError is a retryable network failure: the request never produced
// a usable response, or the server answered 5xx / 429.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server responded %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodingError reports a malformed response payload. Never retried.
type DecodingError struct {
	Op  string
	Err error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Op, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// APIError is a non-retryable rejection (4xx) carrying the server's message.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// StoreError reports a failed write or read scope. Nothing was committed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried under a RetryStrategy.
// An exhausted retry budget is final even though it wraps the last
// transport failure.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRetryTimeout) {
		return false
	}
	var te *TransportError
	return errors.As(err, &te)
}
