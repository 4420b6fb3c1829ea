// Package errs declares the error taxonomy the orchestrator maps every
// failure into: ConfigurationError, ResourceContention, TransientFailure,
// TaskFailure, and Fatal. Callers use errors.As to branch on kind; only Fatal
// ever surfaces as a pipeline-level failure.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from the error-handling design.
type Kind string

const (
	KindConfiguration     Kind = "configuration_error"
	KindResourceContention Kind = "resource_contention"
	KindTransient          Kind = "transient_failure"
	KindTask               Kind = "task_failure"
	KindFatal              Kind = "fatal"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &Error{Kind: KindFatal}) style matching on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Err != nil {
		return t.Kind == e.Kind && t.Err == e.Err
	}
	return t.Kind == e.Kind
}

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configuration(op string, err error) *Error      { return newErr(KindConfiguration, op, err) }
func ResourceContention(op string, err error) *Error { return newErr(KindResourceContention, op, err) }
func Transient(op string, err error) *Error          { return newErr(KindTransient, op, err) }
func Task(op string, err error) *Error               { return newErr(KindTask, op, err) }
func Fatal(op string, err error) *Error              { return newErr(KindFatal, op, err) }

// KindOf extracts the Kind of err if it (or something it wraps) is an *Error.
// Unrecognized errors are treated as Fatal, per the "integrity violation"
// fallback in the error-handling design.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}
