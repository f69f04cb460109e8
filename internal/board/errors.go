package board

import (
	"context"
	"errors"
	"fmt"

	"salesops/api/internal/store"
)

type Kind string

const (
	KindValidation Kind = "VALIDATION_ERROR"
	KindNotFound   Kind = "NOT_FOUND"
	KindForbidden  Kind = "FORBIDDEN"
	KindConflict   Kind = "CONFLICT"
	KindTransient  Kind = "TRANSIENT"
)

// Error is the typed failure every board operation returns. Only
// KindTransient is worth retrying.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" when err is not a board error.
func KindOf(err error) Kind {
	var boardErr *Error
	if errors.As(err, &boardErr) {
		return boardErr.Kind
	}
	return ""
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

func validationError(message string, details any) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

func notFoundError(message string, details any) *Error {
	return &Error{Kind: KindNotFound, Message: message, Details: details}
}

func forbiddenError(message string, details any) *Error {
	return &Error{Kind: KindForbidden, Message: message, Details: details}
}

func conflictError(message string, details any) *Error {
	return &Error{Kind: KindConflict, Message: message, Details: details}
}

func transientError(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// classify turns a backing-store failure into a board error. Errors that are
// already typed pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var boardErr *Error
	if errors.As(err, &boardErr) {
		return boardErr
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: op + ": not found", Err: err}
	case store.IsConflict(err):
		return &Error{Kind: KindConflict, Message: op + ": conflicting write", Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindTransient, Message: op + ": canceled", Err: err}
	default:
		return transientError(op+": backing store failure", err)
	}
}
