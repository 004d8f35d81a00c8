package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Standard error types that can be used throughout the application
var (
	// Standard error sentinel values
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("service unavailable")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrCanceled           = errors.New("operation canceled")

	// Domain-specific error sentinel values
	ErrInvalidSIPMessage = errors.New("invalid SIP message")
	ErrInvalidSDP        = errors.New("invalid SDP message")
	ErrInvalidChallenge  = errors.New("unparseable authentication challenge")
	ErrRetriesExhausted  = errors.New("challenge retry budget exhausted")
	ErrDownstreamTimeout = errors.New("no final response from downstream")
	ErrDialogNotFound    = errors.New("dialog not found")
	ErrUnsupportedMethod = errors.New("unsupported SIP method")
	ErrCapacityExhausted = errors.New("maximum concurrent calls reached")
)

// Error represents a structured error with caller location and additional context
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// file and line record where the error was created
	file string
	line int
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)

	var fieldMap map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	} else {
		fieldMap = make(map[string]interface{})
	}

	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	var fieldMap map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	} else {
		fieldMap = make(map[string]interface{})
	}

	return &Error{
		original: err,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
	}
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}

	if e.fields == nil {
		e.fields = make(map[string]interface{})
	}
	e.fields[key] = value
	return e
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	if e.fields == nil {
		e.fields = make(map[string]interface{})
	}
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.original != nil && e.message != e.original.Error() {
		return fmt.Sprintf("%s: %s", e.message, e.original.Error())
	}
	return e.message
}

// Unwrap returns the underlying error for errors.Is / errors.As
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file and line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", e.file, e.line)
}

// GetFields returns the contextual fields of the error
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// Is reports whether the error matches the target
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	return errors.Is(e.original, target)
}

// IsErrorType checks if err matches the target error, traversing wrapped errors
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorFields extracts context fields from an error chain, if any
func GetErrorFields(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.GetFields()
	}
	return nil
}
