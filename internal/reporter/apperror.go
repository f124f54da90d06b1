package reporter

import (
	"runtime/debug"
)

// AppError is an application error carrying the attributes the reporter
// fingerprints and classifies on.
type AppError struct {
	Name     string
	Code     string
	Message  string
	Metadata map[string]any
	Stack    string
	Cause    error
}

// NewAppError creates an AppError and captures the current goroutine stack.
func NewAppError(name, code, message string) *AppError {
	return &AppError{
		Name:    name,
		Code:    code,
		Message: message,
		Stack:   string(debug.Stack()),
	}
}

// WithMetadata adds a metadata entry.
func (e *AppError) WithMetadata(key string, value any) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// Wrap sets the underlying cause.
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) Error() string { return e.Message }

func (e *AppError) Unwrap() error { return e.Cause }

// ErrorName returns the error type name.
func (e *AppError) ErrorName() string { return e.Name }

// ErrorCode returns the machine-readable code.
func (e *AppError) ErrorCode() string { return e.Code }

// ErrorMetadata returns attached metadata.
func (e *AppError) ErrorMetadata() map[string]any { return e.Metadata }

// StackTrace returns the stack captured at construction.
func (e *AppError) StackTrace() string { return e.Stack }
