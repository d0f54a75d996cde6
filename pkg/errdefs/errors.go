// Package errdefs defines the error taxonomy shared by every controller component.
package errdefs

import (
	"errors"
	"fmt"
)

// Code classifies a controller error for programmatic handling and for the
// FAILURE payloads sent over the wire.
type Code string

const (
	// CodeInvalidEngineID indicates a target id that is not registered.
	CodeInvalidEngineID Code = "InvalidEngineID"

	// CodeNoEnginesRegistered indicates an "all" target against an empty registry.
	CodeNoEnginesRegistered Code = "NoEnginesRegistered"

	// CodeInvalidClientID indicates an unknown or unregistered client.
	CodeInvalidClientID Code = "InvalidClientID"

	// CodeQueueCleared is the failure of a queued command removed by ClearQueue.
	CodeQueueCleared Code = "QueueCleared"

	// CodeProtocolError indicates a malformed frame, command or target list.
	CodeProtocolError Code = "ProtocolError"

	// CodeSerializationError indicates a value that could not be encoded or decoded.
	CodeSerializationError Code = "SerializationError"

	// CodeMessageSizeError indicates a value or frame over the configured limit.
	CodeMessageSizeError Code = "MessageSizeError"

	// CodeNotAPendingResult indicates a result id unknown to its client.
	CodeNotAPendingResult Code = "NotAPendingResult"

	// CodeEngineDisconnected is the failure of an in-flight command whose
	// engine connection dropped.
	CodeEngineDisconnected Code = "EngineDisconnected"

	// CodeEngineFailure wraps a failure reported by the engine itself.
	CodeEngineFailure Code = "EngineFailure"

	// CodeKeyError indicates a missing namespace or property key.
	CodeKeyError Code = "KeyError"
)

// Error is a classified controller error with context.
type Error struct {
	// Code is the error classification.
	Code Code `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// EngineID is the engine the error relates to, or -1.
	EngineID int `json:"engine_id"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.EngineID >= 0 {
		msg = fmt.Sprintf("%s (engine=%d)", msg, e.EngineID)
	}
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (op=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code as a plain string, for consumers that must not
// import this package.
func (e *Error) ErrorCode() string {
	return string(e.Code)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		EngineID: -1,
	}
}

// Newf creates an error with the given code and a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with the given code around an underlying error.
func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// WithEngine adds engine context to an error.
func (e *Error) WithEngine(id int) *Error {
	e.EngineID = id
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// InvalidEngineID returns the error for an unregistered engine id.
func InvalidEngineID(id int) *Error {
	return Newf(CodeInvalidEngineID, "no engine with id %d", id).WithEngine(id)
}

// NoEnginesRegistered returns the error for an "all" target against an empty registry.
func NoEnginesRegistered() *Error {
	return New(CodeNoEnginesRegistered, "no engines are registered")
}

// InvalidClientID returns the error for an unknown client id.
func InvalidClientID(id string) *Error {
	return Newf(CodeInvalidClientID, "no client with id %q", id)
}

// NotAPendingResult returns the error for an unknown result id.
func NotAPendingResult(id int) *Error {
	return Newf(CodeNotAPendingResult, "result id %d is not pending", id)
}

// QueueCleared returns the failure given to a cleared queued command.
func QueueCleared(id int) *Error {
	return New(CodeQueueCleared, "queued command was cleared before dispatch").WithEngine(id)
}

// EngineDisconnected returns the failure given to an in-flight command whose
// engine connection dropped.
func EngineDisconnected(id int) *Error {
	return New(CodeEngineDisconnected, "engine connection lost").WithEngine(id)
}

// KeyError returns the error for a missing namespace or property key.
func KeyError(key string) *Error {
	return Newf(CodeKeyError, "no such key %q", key)
}

// ProtocolError returns a protocol error.
func ProtocolError(format string, args ...interface{}) *Error {
	return Newf(CodeProtocolError, format, args...)
}

// MessageSize returns the error for a value or frame over the limit.
func MessageSize(size, limit int) *Error {
	return Newf(CodeMessageSizeError, "message of %d bytes exceeds limit of %d bytes", size, limit)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an *Error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Code == code {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}

// IsInvalidEngineID returns true if err is an InvalidEngineID error.
func IsInvalidEngineID(err error) bool { return HasCode(err, CodeInvalidEngineID) }

// IsNoEngines returns true if err is a NoEnginesRegistered error.
func IsNoEngines(err error) bool { return HasCode(err, CodeNoEnginesRegistered) }

// IsInvalidClientID returns true if err is an InvalidClientID error.
func IsInvalidClientID(err error) bool { return HasCode(err, CodeInvalidClientID) }

// IsQueueCleared returns true if err is a QueueCleared failure.
func IsQueueCleared(err error) bool { return HasCode(err, CodeQueueCleared) }

// IsProtocolError returns true if err is a ProtocolError.
func IsProtocolError(err error) bool { return HasCode(err, CodeProtocolError) }

// IsMessageSize returns true if err is a MessageSizeError.
func IsMessageSize(err error) bool { return HasCode(err, CodeMessageSizeError) }

// IsNotAPendingResult returns true if err is a NotAPendingResult error.
func IsNotAPendingResult(err error) bool { return HasCode(err, CodeNotAPendingResult) }

// IsSerialization returns true if err is a SerializationError.
func IsSerialization(err error) bool { return HasCode(err, CodeSerializationError) }

// IsEngineDisconnected returns true if err is an EngineDisconnected failure.
func IsEngineDisconnected(err error) bool { return HasCode(err, CodeEngineDisconnected) }

// IsKeyError returns true if err is a KeyError.
func IsKeyError(err error) bool { return HasCode(err, CodeKeyError) }
