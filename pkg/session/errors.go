package session

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why a session operation failed.
type Kind int

const (
	KindRemote Kind = iota
	KindConnection
	KindResourceUnavailable
	KindProfile
	KindStart
	KindTimeout
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection error"
	case KindResourceUnavailable:
		return "resource unavailable"
	case KindProfile:
		return "profile error"
	case KindStart:
		return "start error"
	case KindTimeout:
		return "timeout"
	case KindInvalidState:
		return "invalid state"
	default:
		return "remote error"
	}
}

type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a stack trace. Transports use it to report a
// classified failure that the session passes through unchanged.
func NewError(op string, kind Kind, err error) error {
	return errors.WithStack(&Error{Op: op, Kind: kind, Err: err})
}

func newErrorf(op string, kind Kind, format string, args ...interface{}) error {
	return NewError(op, kind, errors.Errorf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain. Errors that
// carry no classification are reported as KindRemote.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindRemote
}

func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// classify keeps a transport's classification and tags the rest with fallback.
func classify(op string, fallback Kind, err error) error {
	var se *Error
	if errors.As(err, &se) {
		if se.Op == "" {
			se.Op = op
		}
		return err
	}
	return NewError(op, fallback, err)
}
