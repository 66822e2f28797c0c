package core

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	CodeUpstream        ErrorCode = "UPSTREAM_ERROR"
	CodeNotInitialized  ErrorCode = "NOT_INITIALIZED"
	CodeUnknownSession  ErrorCode = "UNKNOWN_SESSION"
	CodeValidation      ErrorCode = "VALIDATION_ERROR"
	CodeTooManySessions ErrorCode = "TOO_MANY_SESSIONS"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is; matching compares codes only.
var (
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrUpstream        = &Error{Code: CodeUpstream}
	ErrNotInitialized  = &Error{Code: CodeNotInitialized}
	ErrUnknownSession  = &Error{Code: CodeUnknownSession}
	ErrTooManySessions = &Error{Code: CodeTooManySessions}
)

// Error is the uniform shape every failure is converted to before it leaves
// a component boundary.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func NewError(code ErrorCode, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Convertible is implemented by component errors that know their uniform shape.
type Convertible interface {
	CoreError() *Error
}

// AsError converts any error into *Error. Unknown errors become INTERNAL_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	var conv Convertible
	if errors.As(err, &conv) {
		return conv.CoreError()
	}
	return WrapError(CodeInternal, err.Error(), err)
}
