package errors

import (
	stderrors "errors"
)

// MetaDetail is the metadata key carrying the variable part of a message,
// such as the offending command name.
const MetaDetail = "detail"

// Error is the broker error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Stable message, also the localization key
	Metadata map[string]string // Additional context
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if detail := e.Metadata[MetaDetail]; detail != "" {
		return e.Message + ": " + detail
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithDetail creates an error whose message is completed by a variable detail.
func WithDetail(code Code, message, detail string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: map[string]string{MetaDetail: detail},
	}
}

// Wrap creates an error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	if coded, ok := As(err); ok {
		return coded.Code
	}
	return CodeUnknown
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// Sentinels shared by the broker packages. Matching is by code, so
// errors.Is(err, ErrTimeout) holds for every timeout regardless of message.
var (
	ErrNoActiveConnections = New(CodeConnection, "no active connections")
	ErrNoSuchConnection    = New(CodeConnection, "no such connection")
	ErrConnectionClosed    = New(CodeConnection, "connection closed")
	ErrTimeout             = New(CodeTimeout, "timed out waiting for reply")
	ErrCancelled           = New(CodeCancelled, "request cancelled")
	ErrShutdown            = New(CodeShutdown, "broker is shutting down")
	ErrQueueFull           = New(CodeQueueFull, "task queue is full")
)
