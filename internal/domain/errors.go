package domain

import "fmt"

// Error kinds, used both for errors.As dispatch and for the persisted
// exception string on a Process row ("<Kind>: <message>").
const (
	KindValidation = "ValidationError"
	KindNotFound   = "NotFoundError"
	KindConflict   = "ConflictError"
	KindTransport  = "TransportError"
	KindIntegrity  = "IntegrityError"
	KindRuntime    = "RuntimeError"
)

// Error is a kinded error. The Kind prefixes the user-visible message when a
// process records a failure.
type Error struct {
	Kind string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a kinded error with a formatted message.
func Errorf(kind, format string, args ...any) *Error {
	var wrapped error
	for _, a := range args {
		if err, ok := a.(error); ok {
			wrapped = err
		}
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: wrapped}
}

// IsKind reports whether err is a kinded error of the given kind.
func IsKind(err error, kind string) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// ExceptionString renders err the way it is persisted on a Process row.
// Kinded errors keep their kind prefix; anything else is a RuntimeError.
func ExceptionString(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Error()
	}
	return KindRuntime + ": " + err.Error()
}

// UnDeletableError is raised when deleting a row that other rows still
// reference by foreign key. The row is left untouched.
type UnDeletableError struct {
	Entity string
	Pk     int64
	Err    error
}

func (e *UnDeletableError) Error() string {
	return fmt.Sprintf("%s(%d) is likely a dependency for other objects", e.Entity, e.Pk)
}

func (e *UnDeletableError) Unwrap() error {
	return e.Err
}
