package worker

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindTransientIO
	KindModel
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransientIO:
		return "transient_io"
	case KindModel:
		return "model_error"
	default:
		return "unknown"
	}
}

// Error is a failure of one pipeline stage.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the broker should try again. Only transient I/O qualifies.
func (e *Error) Retryable() bool { return e.Kind == KindTransientIO }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, KindUnknown for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a tagged, retryable pipeline error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
