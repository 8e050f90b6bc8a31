package errs

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures by how they are propagated.
type Kind string

const (
	// KindTransport means the queue is unreachable. Only this kind may stop the consume loop.
	KindTransport Kind = "transport"
	// KindBackend covers structured store, index and model failures. Recovered locally.
	KindBackend Kind = "backend"
	// KindValidation means an inbound message could not be parsed. The message is dropped.
	KindValidation Kind = "validation"
	// KindRouting means parameter extraction was incomplete and retrieval was used instead.
	KindRouting Kind = "routing_ambiguity"
)

// Error is the typed error carried through the pipeline.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors of the same kind so errors.Is(err, ErrTransport) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Op == "" && t.Err == nil && t.Kind == e.Kind
	}
	return false
}

var (
	ErrTransport        = &Error{Kind: KindTransport}
	ErrBackend          = &Error{Kind: KindBackend}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrRoutingAmbiguity = &Error{Kind: KindRouting}
)

func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func Backend(op string, err error) error {
	return &Error{Kind: KindBackend, Op: op, Err: err}
}

func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func RoutingAmbiguity(op string, err error) error {
	return &Error{Kind: KindRouting, Op: op, Err: err}
}

// IsTransport reports whether err should terminate the consume loop.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
