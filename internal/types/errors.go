package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a deployment failure. Step-level kinds map to the
// step that produced them; job-level kinds come from dispatch and polling.
type ErrorKind string

const (
	KindFetch         ErrorKind = "fetch"
	KindIntegrity     ErrorKind = "integrity"
	KindExtraction    ErrorKind = "extraction"
	KindActivation    ErrorKind = "activation"
	KindConfigMissing ErrorKind = "config_missing"
	KindProcessStart  ErrorKind = "process_start"
	KindHealthTimeout ErrorKind = "health_timeout"
	KindNoTargets     ErrorKind = "no_targets"
	KindDispatch      ErrorKind = "dispatch"
	KindPollTimeout   ErrorKind = "poll_timeout"
)

// Error tags an underlying error with its kind. It supports errors.Is on
// the kind and errors.Unwrap on the cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error from a format string.
func E(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error. Returns nil when err is nil.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is tagged with kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
