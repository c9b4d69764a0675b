// Package errs defines the structured error kinds used across the engine
// (spec.md §7). Every public operation returns an error value; none returns
// a bare bool plus an out-parameter.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error without tying callers to a concrete error type.
type Kind int

const (
	Unknown Kind = iota
	ConfigError
	IoError
	ChecksumError
	NotFound
	Full
	AlreadyExists
	Conflict
	CorruptedState
	Transient
	Aborted
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case IoError:
		return "IoError"
	case ChecksumError:
		return "ChecksumError"
	case NotFound:
		return "NotFound"
	case Full:
		return "Full"
	case AlreadyExists:
		return "AlreadyExists"
	case Conflict:
		return "Conflict"
	case CorruptedState:
		return "CorruptedState"
	case Transient:
		return "Transient"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Error is the structured error type every public API returns. LogID is set
// when the error originates from a specific log event (e.g. a CRC failure
// during replay, spec.md §4.1), otherwise it is zero.
type Error struct {
	Kind  Kind
	Msg   string
	LogID uint64
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a structured error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates a structured error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WithLogID attaches a log id to an error (e.g. the first offending log id
// of a replay abort) and returns the same error for chaining.
func (e *Error) WithLogID(id uint64) *Error {
	e.LogID = id
	return e
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, otherwise
// Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
