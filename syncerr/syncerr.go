// Package syncerr defines the typed error taxonomy shared by the
// queue, the replication service, the sync engine, and the HTTP layer.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should react to it.
type Kind string

const (
	NetworkError         Kind = "networkError"
	Timeout              Kind = "timeout"
	VersionMismatch      Kind = "versionMismatch"
	AuthenticationFailed Kind = "authenticationFailed"
	Conflict             Kind = "conflict"
	InvalidRequest       Kind = "invalidRequest"
	RateLimited          Kind = "rateLimited"
	StorageError         Kind = "storageError"
	Closed               Kind = "closed"
	Internal             Kind = "internal"
)

// StateLost marks a StorageError raised when a pull's sinceCursor
// falls below an oplog's retention floor. Callers distinguish it from
// an ordinary storage failure via errors.Is against this sentinel.
var StateLost = &Error{Kind: StorageError, Message: "requested cursor precedes retained oplog window"}

// Error is the concrete error type carried across every syncd layer.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparison by value: target matches when it is
// an *Error with the same Kind and Message, whatever either Cause is.
// This lets sentinels like StateLost be matched with errors.Is without
// requiring pointer identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsFatal reports whether an error kind should terminate a sync cycle
// outright rather than being retried with backoff.
func IsFatal(k Kind) bool {
	switch k {
	case VersionMismatch, AuthenticationFailed, InvalidRequest:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind from err, defaulting to Internal when err
// does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
