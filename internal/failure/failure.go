// Package failure classifies errors by how a message that caused them must
// be settled.
package failure

import (
	"context"
	"errors"
	"fmt"
)

type Kind int

const (
	// Unknown errors are handled like Infrastructure errors.
	Unknown Kind = iota
	InvalidInput
	Unmatched
	Ambiguous
	Infrastructure
	Invariant
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case Unmatched:
		return "unmatched"
	case Ambiguous:
		return "ambiguous"
	case Infrastructure:
		return "infrastructure"
	case Invariant:
		return "invariant"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain.
// Context cancellation and deadlines count as Infrastructure.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Infrastructure
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Fatal reports whether err must abort the process instead of being settled
// per message.
func Fatal(err error) bool {
	return Is(err, Invariant)
}
