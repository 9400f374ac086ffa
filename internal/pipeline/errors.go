package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the pipeline error taxonomy.
var (
	// ErrInvalidPayload rejects a submission whose payload does not match
	// the required shape for its kind. Caller error, never retried.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNotFound indicates an operation referenced an unknown job or one
	// in the wrong state for the operation.
	ErrNotFound = errors.New("job not found")

	// ErrNoJob is returned by ClaimNext when no claimable job exists.
	ErrNoJob = errors.New("no pending job")
)

// FetchError classifies a failed fetch as transient or permanent.
type FetchError struct {
	StatusCode int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s fetch error (status %d): %v", class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch error: %v", class, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewTransientFetchError wraps err as a retryable fetch failure.
func NewTransientFetchError(statusCode int, err error) *FetchError {
	return &FetchError{StatusCode: statusCode, Transient: true, Err: err}
}

// NewPermanentFetchError wraps err as a non-retryable fetch failure.
func NewPermanentFetchError(statusCode int, err error) *FetchError {
	return &FetchError{StatusCode: statusCode, Transient: false, Err: err}
}

// IsTransient reports whether err is a fetch error worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}
