// Package errors provides coded broker errors that survive wrapping and can be
// rendered into localized error frames.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Transport and correlation errors
	CodeConnection Code = "CONNECTION"
	CodeTimeout    Code = "TIMEOUT"
	CodeCancelled  Code = "CANCELLED"
	CodeShutdown   Code = "SHUTDOWN"
	CodeDisplaced  Code = "DISPLACED"

	// Protocol errors
	CodeProtocol          Code = "PROTOCOL"
	CodeAuth              Code = "AUTH_FAILED"
	CodeDuplicateExchange Code = "DUPLICATE_EXCHANGE"

	// Task errors
	CodeUnknownCommand  Code = "UNKNOWN_COMMAND"
	CodeHandlerFailed   Code = "HANDLER_FAILED"
	CodeQueueFull       Code = "QUEUE_FULL"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// Retryable reports whether a caller may reasonably resend after this code.
func (c Code) Retryable() bool {
	switch c {
	case CodeConnection, CodeTimeout, CodeQueueFull:
		return true
	default:
		return false
	}
}
