package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureClass buckets an error into one of the recovery coordinator's
// strategies.
type FailureClass int

const (
	ClassUnknown FailureClass = iota
	ClassConnection
	ClassTimeout
	ClassResource
	ClassData
)

func (c FailureClass) String() string {
	switch c {
	case ClassConnection:
		return "connection"
	case ClassTimeout:
		return "timeout"
	case ClassResource:
		return "resource"
	case ClassData:
		return "data"
	default:
		return "unknown"
	}
}

// MalformedInputError reports a transaction that is missing or carrying an
// invalid required field. Raised before any history mutation.
type MalformedInputError struct {
	Field  string
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed transaction: field %s %s", e.Field, e.Reason)
}

// ScoringError wraps a failure of the external scorer.
type ScoringError struct {
	Err error
}

func (e *ScoringError) Error() string { return fmt.Sprintf("scoring failed: %v", e.Err) }
func (e *ScoringError) Unwrap() error { return e.Err }

// ConnectionError wraps a transport-level failure against an external service.
type ConnectionError struct {
	Service string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Service, e.Err)
}
func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError wraps an operation that exceeded its timeout budget.
type TimeoutError struct {
	Operation string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out: %v", e.Operation, e.Err)
}
func (e *TimeoutError) Unwrap() error { return e.Err }

// ResourceExhaustionError reports an exhausted system resource ("memory" or
// "cpu").
type ResourceExhaustionError struct {
	Resource string
	Err      error
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("resource %s exhausted: %v", e.Resource, e.Err)
}
func (e *ResourceExhaustionError) Unwrap() error { return e.Err }

// DataIntegrityError reports corrupt or missing data ("corrupt" or "missing").
type DataIntegrityError struct {
	Kind string
	Err  error
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity (%s): %v", e.Kind, e.Err)
}
func (e *DataIntegrityError) Unwrap() error { return e.Err }

// Classify maps an error onto a failure class for the recovery coordinator.
// Typed errors take precedence; context deadline errors and a few transport
// message fragments are recognised as a fallback.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassUnknown
	}

	var connErr *ConnectionError
	var toErr *TimeoutError
	var resErr *ResourceExhaustionError
	var dataErr *DataIntegrityError
	var malformed *MalformedInputError
	var scoring *ScoringError

	switch {
	case errors.As(err, &connErr):
		return ClassConnection
	case errors.As(err, &toErr):
		return ClassTimeout
	case errors.As(err, &resErr):
		return ClassResource
	case errors.As(err, &dataErr), errors.As(err, &malformed):
		return ClassData
	case errors.As(err, &scoring):
		// Scorer timeouts are wrapped; everything else is a connection issue.
		if errors.Is(err, context.DeadlineExceeded) {
			return ClassTimeout
		}
		return ClassConnection
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline"):
		return ClassTimeout
	case strings.Contains(s, "connection") || strings.Contains(s, "refused") ||
		strings.Contains(s, "reset") || strings.Contains(s, "unreachable"):
		return ClassConnection
	case strings.Contains(s, "out of memory") || strings.Contains(s, "too many"):
		return ClassResource
	default:
		return ClassUnknown
	}
}
