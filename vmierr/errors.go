// Package vmierr defines the canonical error taxonomy every backend and the
// root session wrap their failures into, so callers can test for a kind
// without caring which concrete driver produced it.
package vmierr

import (
	"errors"
	"fmt"
)

// Kind is one of the canonical error kinds a govmi operation can fail with.
type Kind uint8

const (
	// NoDriverAvailable means no backend successfully initialized during
	// auto-probe.
	NoDriverAvailable Kind = iota
	// DriverNotCompiled means the requested backend was not built into this
	// artifact.
	DriverNotCompiled
	// MissingRequiredParameter means a construction precondition was
	// violated.
	MissingRequiredParameter
	// InvalidConnectorArgument means a memory-connector argument was not
	// key=value.
	InvalidConnectorArgument
	// ProtocolMismatch means an event-ring interface version mismatch was
	// detected.
	ProtocolMismatch
	// UnexpectedEvent means a backend returned an event outside the
	// expected set during a drain loop.
	UnexpectedEvent
	// NotImplemented means the capability is not provided by this backend.
	NotImplemented
	// BackendFailure wraps any lower-level native-library failure.
	BackendFailure
)

func (k Kind) String() string {
	switch k {
	case NoDriverAvailable:
		return "NoDriverAvailable"
	case DriverNotCompiled:
		return "DriverNotCompiled"
	case MissingRequiredParameter:
		return "MissingRequiredParameter"
	case InvalidConnectorArgument:
		return "InvalidConnectorArgument"
	case ProtocolMismatch:
		return "ProtocolMismatch"
	case UnexpectedEvent:
		return "UnexpectedEvent"
	case NotImplemented:
		return "NotImplemented"
	case BackendFailure:
		return "BackendFailure"
	default:
		return "UnknownKind"
	}
}

// Error is a canonical govmi error: a Kind plus an optional detail and an
// optional wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Cause != nil && e.Detail != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare Error of the given kind.
func New(kind Kind) error {
	return &Error{Kind: kind}
}

// Newf builds an Error of the given kind with a formatted detail.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds a BackendFailure (or any other kind) around cause.
func Wrap(kind Kind, cause error, detail string) error {
	if cause == nil {
		return &Error{Kind: kind, Detail: detail}
	}

	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// ErrNoDriverAvailable is returned by govmi.New when no backend in the probe
// order initialized successfully.
var ErrNoDriverAvailable = New(NoDriverAvailable)

// Is reports whether err (or any error it wraps) is a *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error

	if !errors.As(err, &e) {
		return false
	}

	return e.Kind == kind
}

// NotImplementedFor returns a NotImplemented error naming the capability and
// driver that doesn't support it.
func NotImplementedFor(driverType fmt.Stringer, capability string) error {
	return Newf(NotImplemented, "%s does not implement %s", driverType, capability)
}

// MissingParam returns a MissingRequiredParameter error naming the field.
func MissingParam(field string) error {
	return Newf(MissingRequiredParameter, "%s", field)
}
