package memory

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports can map them to distinct statuses.
type ErrorKind int

const (
	// KindInternal is anything unexpected.
	KindInternal ErrorKind = iota
	// KindValidation is a missing or malformed field, or ids that cannot be resolved in bulk.
	KindValidation
	// KindNotFound is a well-formed request targeting an id that does not exist.
	KindNotFound
	// KindCollaborator is a failing or timed-out embedding, LLM or retrieval sub-call.
	KindCollaborator
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindCollaborator:
		return "collaborator"
	default:
		return "internal"
	}
}

// ErrNotFound is matched by errors.Is for every not-found Error.
var ErrNotFound = errors.New("not found")

// Error is the error type returned by Engine operations.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotFound) match not-found errors.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

// ValidationError builds a KindValidation error.
func ValidationError(op, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error for the named resource.
func NotFound(op, what, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %q not found", what, id)}
}

// CollaboratorFailure wraps a failing external call.
func CollaboratorFailure(op string, err error) error {
	msg := "collaborator call failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "collaborator call timed out"
	}
	return &Error{Kind: KindCollaborator, Op: op, Message: msg, Err: err}
}

// KindOf returns the kind of err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns a caller-safe message for err. Internal errors get a generic text.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
