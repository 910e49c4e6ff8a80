package remote

import (
	"errors"
	"fmt"
)

// Common errors returned by backend calls.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, remote.ErrOffline) {
//	    // Skip the flush, the connectivity monitor will retrigger
//	}
var (
	// ErrOffline is returned when the backend could not be reached at
	// the transport level (connection refused, DNS failure, reset).
	ErrOffline = errors.New("backend unreachable")

	// ErrTimeout is returned when a backend call exceeded its deadline.
	ErrTimeout = errors.New("request timed out")
)

// Error is a rejection from the backend, carrying the HTTP status so the
// queue can decide between retrying and parking the operation.
type Error struct {
	// Status is the HTTP status code the backend answered with.
	Status int
	// Message is the error detail from the response body, if any.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// IsRetriable returns true if the error is likely to succeed on retry.
//
// Server-side faults (5xx), throttling (429), timeouts, and transport
// failures are transient. Everything the backend rejected deliberately
// is not.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	// Transport never reached the backend
	if errors.Is(err, ErrOffline) {
		return true
	}

	// Deadlines are often transient
	if errors.Is(err, ErrTimeout) {
		return true
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == 429
	}

	return false
}

// IsTerminal returns true if retrying can never succeed: the backend
// understood the request and rejected it (validation failure, bad
// idempotency key, unsupported client).
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Status >= 400 && re.Status < 500 && re.Status != 429
	}

	return false
}

// IsOffline returns true if the error means the backend was unreachable.
// The queue uses this to hint the connectivity monitor without waiting
// for the next probe.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}
