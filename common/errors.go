package common

import (
	"errors"
	"fmt"
)

// Kind classifies errors that cross component boundaries. Kinds are carried
// end-to-end: the pipeline stamps a terminal kind on the process record and
// the API maps kinds to HTTP statuses.
type Kind string

const (
	KindInvalidInput     Kind = "InvalidInput"
	KindExtractionFailed Kind = "ExtractionFailed"
	KindTimeout          Kind = "Timeout"
	KindCircuitOpen      Kind = "CircuitOpen"
	KindGraphWriteFailed Kind = "GraphWriteFailed"
	KindIntegrityFailed  Kind = "IntegrityFailed"
	KindCancelled        Kind = "Cancelled"
	KindInterrupted      Kind = "Interrupted"
	KindLocalQueueFull   Kind = "LocalQueueFull"
	KindBusyRetryLater   Kind = "BusyRetryLater"
	KindPermissionDenied Kind = "PermissionDenied"
	KindInternal         Kind = "Internal"
)

// Error is a kinded error. Message is safe to surface to users; wrapped
// detail is not and must pass through the audit sanitizer before leaving
// the process boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a kinded error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf walks the wrap chain and returns the outermost Kind, or
// KindInternal when the error carries none.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for e := err; e != nil; {
		var ke *Error
		if !errors.As(e, &ke) {
			return false
		}
		if ke.Kind == kind {
			return true
		}
		e = ke.Err
	}
	return false
}

// Transient reports whether an error kind is worth retrying. Structural
// failures (bad input, integrity violations) are not; connectivity and
// timeout failures are.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindCircuitOpen, KindGraphWriteFailed, KindBusyRetryLater:
		return true
	}
	return false
}

// UserMessage returns the sanitized, user-facing message for a terminal
// error. Internal detail stays inside the process boundary.
func UserMessage(err error) string {
	var ke *Error
	if errors.As(err, &ke) {
		return fmt.Sprintf("%s: %s", ke.Kind, ke.Message)
	}
	return "Internal: an unexpected error occurred"
}
