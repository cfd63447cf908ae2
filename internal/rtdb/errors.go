package rtdb

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures at the store boundary
type Kind string

const (
	KindAuthFailure      Kind = "auth_failure"
	KindPermissionDenied Kind = "permission_denied"
	KindMalformedPayload Kind = "malformed_payload"
	KindTransient        Kind = "transient_transport"
)

var (
	ErrAuthFailure      = errors.New("authentication failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrTransient        = errors.New("transient transport error")
)

// Error is a classified store error bound to a path
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %q", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s at %q: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

// NewError wraps err as a classified error for path
func NewError(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// KindOf classifies any error. Unknown errors are transient: the store is
// expected to reconnect on its own.
func KindOf(err error) Kind {
	var se *Error
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, ErrAuthFailure):
		return KindAuthFailure
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrMalformedPayload):
		return KindMalformedPayload
	default:
		return KindTransient
	}
}

// Classify returns err as an *Error for path, keeping an existing classification
func Classify(path string, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTransient, path, err)
	}
	return NewError(KindOf(err), path, err)
}

func sentinel(kind Kind) error {
	switch kind {
	case KindAuthFailure:
		return ErrAuthFailure
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindMalformedPayload:
		return ErrMalformedPayload
	default:
		return ErrTransient
	}
}
