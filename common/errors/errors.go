package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error for callers and for the HTTP problem mapping.
type Kind string

const (
	KindValidation   Kind = "ValidationError"
	KindInvalidState Kind = "InvalidStateError"
	KindNotFound     Kind = "NotFoundError"
	KindTransientIO  Kind = "TransientIOError"
	KindInternal     Kind = "InternalError"
)

// Sentinels usable with errors.Is.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrInvalidState = &Error{Kind: KindInvalidState}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrTransientIO  = &Error{Kind: KindTransientIO}
)

// FieldError describes a single invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the error type returned by every service in the module.
type Error struct {
	// Kind is the returned error type
	Kind Kind `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches on Kind so that wrapped instances compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithField returns a copy of the error with one more field error.
func (e *Error) WithField(field, message string) *Error {
	err := *e
	err.Fields = append(append([]FieldError{}, e.Fields...), FieldError{Field: field, Message: message})
	return &err
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func NewValidation(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

func NewInvalidState(format string, args ...any) *Error {
	return newError(KindInvalidState, nil, format, args...)
}

func NewNotFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

// NewTransientIO wraps a store or network failure that may succeed on retry.
func NewTransientIO(cause error, format string, args ...any) *Error {
	return newError(KindTransientIO, cause, format, args...)
}

func NewInternal(cause error, format string, args ...any) *Error {
	return newError(KindInternal, cause, format, args...)
}

// KindOf reports the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return stderrors.Is(err, ErrTransientIO)
}
