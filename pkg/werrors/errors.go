// Package werrors defines the tagged error taxonomy used across the
// orchestrator so callers (the HTTP API in particular) can map any error
// to a stable code and status without string matching.
package werrors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code classifies the failure so pkg/httpapi can translate it to a status
// code without inspecting error strings.
type Code string

const (
	CodeValidation Code = "validation"
	CodeDependency Code = "dependency"
	CodeProvider   Code = "provider"
	CodeCommand    Code = "command"
	CodeTimeout    Code = "timeout"
	CodeFilesystem Code = "filesystem"
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeInternal   Code = "internal"
)

// Error is a coded, wrapped error. Cause() exposes the wrapped cause for
// errors.Unwrap-style walking via github.com/pkg/errors.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap allows errors.Is/errors.As (stdlib and pkg/errors) to see through.
func (e *Error) Unwrap() error { return e.cause }

// Cause matches the github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.cause }

// New creates a coded error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an existing error, preserving it as
// the cause with a captured stack trace. If err is nil, Wrap returns nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: pkgerrors.WithStack(err)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: pkgerrors.WithStack(err)}
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *Error, defaulting to CodeInternal otherwise.
func CodeOf(err error) Code {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
