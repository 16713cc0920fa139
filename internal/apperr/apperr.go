// Package apperr provides the typed error kinds shared across the
// supervisor, process, and snapshot packages.
package apperr

import "fmt"

// Kind identifies a class of error a caller can branch on.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindAlreadyExists      Kind = "already_exists"
	KindAlreadyRunning     Kind = "already_running"
	KindNotRunning         Kind = "not_running"
	KindSpawnFailed        Kind = "spawn_failed"
	KindSecurityValidation Kind = "security_validation"
	KindSerializationError Kind = "serialization_error"
	KindParseError         Kind = "parse_error"
	KindIoError            Kind = "io_error"
	KindTimeout            Kind = "timeout"
	KindInternal           Kind = "internal"
)

// Error is the typed error returned by every core operation.
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

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	return ok && ae.Kind == kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(id string) *Error {
	return New(KindNotFound, "process %q not found", id)
}

func AlreadyExists(id string) *Error {
	return New(KindAlreadyExists, "process %q already exists", id)
}

func AlreadyRunning(id string) *Error {
	return New(KindAlreadyRunning, "process %q is already running", id)
}

func NotRunning(id string) *Error {
	return New(KindNotRunning, "process %q is not running", id)
}

func SpawnFailed(id string, err error) *Error {
	return Wrap(KindSpawnFailed, err, "failed to spawn process %q", id)
}

func SecurityValidation(reason string) *Error {
	return New(KindSecurityValidation, "%s", reason)
}

func SerializationError(err error) *Error {
	return Wrap(KindSerializationError, err, "failed to serialize snapshot")
}

func ParseError(err error) *Error {
	return Wrap(KindParseError, err, "failed to parse snapshot")
}

func IoError(err error) *Error {
	return Wrap(KindIoError, err, "io failure")
}

func Timeout(reason string) *Error {
	return New(KindTimeout, "%s", reason)
}

func Internal(format string, args ...any) *Error {
	return New(KindInternal, format, args...)
}
