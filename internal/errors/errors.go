// Package errors defines the coded errors errorpipe returns across package
// boundaries.
//
// A *PipelineError carries a machine-readable code and wraps one of the
// sentinels below, so callers can branch with errors.Is on the sentinel or
// read the code with GetErrorCode. Codes are grouped by hundreds:
//
//	ERRPIPE_1xxx  configuration
//	ERRPIPE_2xxx  ingestion and report validation
//	ERRPIPE_4xxx  storage
//	ERRPIPE_5xxx  alert dispatch
//	ERRPIPE_6xxx  forecasting
//	ERRPIPE_9xxx  unclassified
//
// A PipelineError reaching the reporter is itself fingerprinted under the
// name "PipelineError" with its code, so the pipeline can report its own
// failures.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	ErrCodeConfigInvalid    ErrorCode = "ERRPIPE_1001"
	ErrCodeConfigMissing    ErrorCode = "ERRPIPE_1002"
	ErrCodeConfigValidation ErrorCode = "ERRPIPE_1003"

	ErrCodeIngestFileNotFound ErrorCode = "ERRPIPE_2001"
	ErrCodeReportInvalid      ErrorCode = "ERRPIPE_2010"
	// ErrCodeReportFallback tags reports built on the failure path of the
	// reporter; they are logged but never stored.
	ErrCodeReportFallback ErrorCode = "ERRPIPE_2011"

	ErrCodeStorageReadFailed   ErrorCode = "ERRPIPE_4001"
	ErrCodeStorageWriteFailed  ErrorCode = "ERRPIPE_4002"
	ErrCodeStorageNotFound     ErrorCode = "ERRPIPE_4005"
	ErrCodeStorageDeleteFailed ErrorCode = "ERRPIPE_4006"

	ErrCodeAlertDeliveryFailed  ErrorCode = "ERRPIPE_5001"
	ErrCodeAlertChannelUnknown  ErrorCode = "ERRPIPE_5002"
	ErrCodeAlertChannelDisabled ErrorCode = "ERRPIPE_5003"

	ErrCodeForecastInsufficientData ErrorCode = "ERRPIPE_6001"

	ErrCodeUnknown ErrorCode = "ERRPIPE_9999"
)

var (
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrConfigMissing    = errors.New("configuration not found")
	ErrConfigValidation = errors.New("configuration validation failed")

	ErrIngestFileNotFound = errors.New("error log file not found")
	ErrReportInvalid      = errors.New("error report failed validation")

	ErrStorageReadFailed   = errors.New("storage read failed")
	ErrStorageWriteFailed  = errors.New("storage write failed")
	ErrStorageNotFound     = errors.New("record not found")
	ErrStorageDeleteFailed = errors.New("storage delete failed")

	ErrAlertDeliveryFailed  = errors.New("alert delivery failed")
	ErrAlertChannelUnknown  = errors.New("unknown alert channel")
	ErrAlertChannelDisabled = errors.New("alert channel disabled")

	ErrForecastInsufficientData = errors.New("insufficient data for forecast")
)

// PipelineError is a coded error with optional structured detail.
type PipelineError struct {
	Code    ErrorCode
	Message string
	// Detail is attached to error reports as metadata and to log entries.
	Detail      map[string]any
	IsRetryable bool
	Cause       error
}

func (e *PipelineError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// ErrorName, ErrorCode and ErrorMetadata let the reporter classify
// pipeline errors like any other named error.
func (e *PipelineError) ErrorName() string { return "PipelineError" }
func (e *PipelineError) ErrorCode() string { return string(e.Code) }
func (e *PipelineError) ErrorMetadata() map[string]any { return e.Detail }

// detail builds a map from alternating keys and values.
func detail(kv ...any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return m
}

// NewPipelineError returns an error with the given code. cause may be nil.
func NewPipelineError(code ErrorCode, message string, cause error) *PipelineError {
	return &PipelineError{Code: code, Message: message, Cause: cause, Detail: map[string]any{}}
}

func NewConfigInvalidError(message string, cause error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeConfigInvalid,
		Message: message,
		Cause:   errors.Join(ErrConfigInvalid, cause),
		Detail:  map[string]any{},
	}
}

func NewConfigMissingError(path string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeConfigMissing,
		Message: "configuration file not found: " + path,
		Cause:   ErrConfigMissing,
		Detail:  detail("path", path),
	}
}

// NewConfigValidationError reports a rejected configuration field.
func NewConfigValidationError(field string, value any, reason string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeConfigValidation,
		Message: fmt.Sprintf("validation failed for '%s': %s", field, reason),
		Cause:   ErrConfigValidation,
		Detail:  detail("field", field, "value", fmt.Sprint(value), "reason", reason),
	}
}

func NewIngestFileNotFoundError(path string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeIngestFileNotFound,
		Message: "error log file not found: " + path,
		Cause:   ErrIngestFileNotFound,
		Detail:  detail("path", path),
	}
}

// NewReportValidationError rejects a candidate report before it is stored.
func NewReportValidationError(field, reason string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeReportInvalid,
		Message: fmt.Sprintf("invalid report field '%s': %s", field, reason),
		Cause:   ErrReportInvalid,
		Detail:  detail("field", field, "reason", reason),
	}
}

// Storage failures are retryable; the engine may recover on its own.

func NewStorageReadError(op string, cause error) *PipelineError {
	return storageError(ErrCodeStorageReadFailed, ErrStorageReadFailed, "read from", op, cause)
}

func NewStorageWriteError(op string, cause error) *PipelineError {
	return storageError(ErrCodeStorageWriteFailed, ErrStorageWriteFailed, "write to", op, cause)
}

func storageError(code ErrorCode, sentinel error, verb, op string, cause error) *PipelineError {
	return &PipelineError{
		Code:        code,
		Message:     fmt.Sprintf("failed to %s storage during %s", verb, op),
		Cause:       errors.Join(sentinel, cause),
		IsRetryable: true,
		Detail:      detail("operation", op),
	}
}

// NewStorageNotFoundError reports a missing record of the given kind.
func NewStorageNotFoundError(kind, key string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeStorageNotFound,
		Message: fmt.Sprintf("%s not found: %s", kind, key),
		Cause:   ErrStorageNotFound,
		Detail:  detail("kind", kind, "key", key),
	}
}

// NewAlertDeliveryError wraps a channel failure. Deliveries may be retried.
func NewAlertDeliveryError(channel string, cause error) *PipelineError {
	return &PipelineError{
		Code:        ErrCodeAlertDeliveryFailed,
		Message:     fmt.Sprintf("delivery via channel '%s' failed", channel),
		Cause:       errors.Join(ErrAlertDeliveryFailed, cause),
		IsRetryable: true,
		Detail:      detail("channel", channel),
	}
}

func NewAlertChannelUnknownError(channel string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeAlertChannelUnknown,
		Message: fmt.Sprintf("channel '%s' is not configured", channel),
		Cause:   ErrAlertChannelUnknown,
		Detail:  detail("channel", channel),
	}
}

// NewForecastInsufficientDataError reports a series shorter than the model needs.
func NewForecastInsufficientDataError(have, need int) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeForecastInsufficientData,
		Message: fmt.Sprintf("need %d hourly buckets, have %d", need, have),
		Cause:   ErrForecastInsufficientData,
		Detail:  detail("have", have, "need", need),
	}
}

// IsRetryableError reports whether any PipelineError in err's chain is
// marked retryable.
func IsRetryableError(err error) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.IsRetryable
}

// GetErrorCode returns the code of the first PipelineError in err's chain,
// or ErrCodeUnknown.
func GetErrorCode(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeUnknown
}
