// Package streamkiterr implements the error taxonomy shared by the compiler,
// engine, session manager, plugin host, and control plane.
package streamkiterr

import "fmt"

// Kind classifies an error by its observable behavior, per the taxonomy.
type Kind string

const (
	Validation    Kind = "validation"
	Configuration Kind = "configuration"
	NotFound      Kind = "not_found"
	Conflict      Kind = "conflict"
	Forbidden     Kind = "forbidden"
	Resource      Kind = "resource"
	Runtime       Kind = "runtime"
	Fatal         Kind = "fatal"
)

// Error is a typed, user-facing diagnostic. The control plane maps Kind to
// an HTTP status and a JSON error payload; node workers inspect Kind to
// decide whether to retry (Runtime) or transition to Failed (Fatal).
type Error struct {
	Kind    Kind
	Message string
	// Entity names the offending node id, pin name, or other identifier so
	// every rejected submission can point at what's wrong.
	Entity string
	Err    error
}

func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Entity)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(k Kind, entity, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Entity: entity}
}

func Validationf(entity, format string, args ...any) *Error {
	return newf(Validation, entity, format, args...)
}

func Configurationf(entity, format string, args ...any) *Error {
	return newf(Configuration, entity, format, args...)
}

func NotFoundf(entity, format string, args ...any) *Error {
	return newf(NotFound, entity, format, args...)
}

func Conflictf(entity, format string, args ...any) *Error {
	return newf(Conflict, entity, format, args...)
}

func Forbiddenf(entity, format string, args ...any) *Error {
	return newf(Forbidden, entity, format, args...)
}

func Resourcef(entity, format string, args ...any) *Error {
	return newf(Resource, entity, format, args...)
}

func Runtimef(entity, format string, args ...any) *Error {
	return newf(Runtime, entity, format, args...)
}

func Fatalf(entity, format string, args ...any) *Error {
	return newf(Fatal, entity, format, args...)
}

// KindOf extracts the Kind from err, defaulting to Runtime for untyped errors.
func KindOf(err error) Kind {
	var se *Error
	if As(err, &se) {
		return se.Kind
	}
	return Runtime
}

// As is a thin wrapper so callers don't need a separate "errors" import just
// for this package's typed extraction in the common case.
func As(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
