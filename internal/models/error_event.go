package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ErrorEvent is a single parsed line from an application error log.
type ErrorEvent struct {
	// Timestamp of the entry, if the line carried one
	Timestamp *time.Time `json:"timestamp,omitempty"`

	// Level is the normalized log level (ERROR, WARN, FATAL, ...)
	Level string `json:"level,omitempty"`

	// Name is the error type name, e.g. "SlackAPIError"
	Name string `json:"name,omitempty"`

	// Code is the machine-readable error code, if any
	Code string `json:"code,omitempty"`

	// Message is the error message
	Message string `json:"message"`

	// Service and Method locate the failure when the log line names them
	Service string `json:"service,omitempty"`
	Method  string `json:"method,omitempty"`

	// StackTrace is an attached stack trace, if any
	StackTrace string `json:"stack_trace,omitempty"`

	// Origin identifies where the line came from (file path, stdin)
	Origin string `json:"origin"`

	// Raw is the original unparsed line
	Raw string `json:"raw"`

	// Attrs contains any remaining structured attributes
	Attrs map[string]any `json:"attrs,omitempty"`
}

// IsError reports whether the event is at error level or above.
func (e *ErrorEvent) IsError() bool {
	switch strings.ToUpper(e.Level) {
	case "ERROR", "FATAL", "CRITICAL", "PANIC":
		return true
	default:
		return false
	}
}

// ToJSON serializes the event to JSON bytes.
func (e *ErrorEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON deserializes an ErrorEvent from JSON bytes.
func EventFromJSON(data []byte) (*ErrorEvent, error) {
	var event ErrorEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
