// Package engineerr defines the typed error taxonomy shared by every engine
// component. Callers (the HTTP/CLI surfaces) switch on Kind rather than on
// error strings. Not every package returns these kinds (approval,
// migration and k8shealth return plain errors); KindOf reports any error
// that is not, and does not wrap, an *Error as Internal.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error. See spec §7.
type Kind string

const (
	NotFound           Kind = "NotFound"
	InvalidInput       Kind = "InvalidInput"
	ValidationRejected Kind = "ValidationRejected"
	IllegalTransition  Kind = "IllegalTransition"
	LockContended      Kind = "LockContended"
	Timeout            Kind = "Timeout"
	Unauthorized       Kind = "Unauthorized"
	AuditImmutable     Kind = "AuditImmutable"
	AIUnavailable      Kind = "AIUnavailable"
	SubprocessFailed   Kind = "SubprocessFailed"
	IaCParseError      Kind = "IaCParseError"
	JobRetryable       Kind = "JobRetryable"
	JobFatal           Kind = "JobFatal"
	Internal           Kind = "Internal"
	InvalidIaC         Kind = "InvalidIaC"
)

// Error is the typed error every component boundary returns.
type Error struct {
	Kind    Kind
	Message string
	Reasons []string // populated by InvalidIaC{reasons[]} and similar multi-cause kinds
	Cause   error
}

func (e *Error) Error() string {
	if len(e.Reasons) > 0 {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Reasons)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a typed error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a typed error that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithReasons creates a typed error carrying a reasons list (e.g. InvalidIaC).
func WithReasons(kind Kind, message string, reasons []string) *Error {
	return &Error{Kind: kind, Message: message, Reasons: reasons}
}

// KindOf extracts the Kind from err, defaulting to Internal if err is not
// (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
