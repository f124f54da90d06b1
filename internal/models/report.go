// Package models defines the core data structures shared across the pipeline.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Severity ranks how urgently a report needs attention.
type Severity string

// Report severities, most urgent first.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// AllSeverities lists every severity, most urgent first.
var AllSeverities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInfo,
}

// Valid reports whether s is a member of the severity enum.
func (s Severity) Valid() bool {
	for _, v := range AllSeverities {
		if v == s {
			return true
		}
	}
	return false
}

// Category groups reports by the kind of failure.
type Category string

// Report categories.
const (
	CategoryAuth            Category = "auth"
	CategoryAPI             Category = "api"
	CategoryRateLimit       Category = "rate_limit"
	CategoryNetwork         Category = "network"
	CategoryValidation      Category = "validation"
	CategoryConfig          Category = "config"
	CategorySecurity        Category = "security"
	CategoryBotManagement   Category = "bot_management"
	CategoryMessaging       Category = "messaging"
	CategoryEventProcessing Category = "event_processing"
	CategoryUnknown         Category = "unknown"
)

// AllCategories lists every category.
var AllCategories = []Category{
	CategoryAuth,
	CategoryAPI,
	CategoryRateLimit,
	CategoryNetwork,
	CategoryValidation,
	CategoryConfig,
	CategorySecurity,
	CategoryBotManagement,
	CategoryMessaging,
	CategoryEventProcessing,
	CategoryUnknown,
}

// Source identifies where a failure originated.
type Source struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ErrorContext carries request-scoped information captured with an occurrence.
type ErrorContext struct {
	RequestID  string            `json:"request_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	StackTrace string            `json:"stack_trace,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Payload    any               `json:"payload,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// Clone returns a copy whose maps can be mutated independently.
func (c *ErrorContext) Clone() *ErrorContext {
	if c == nil {
		return nil
	}
	out := *c
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ErrorDetail describes the underlying error value.
type ErrorDetail struct {
	Name     string         `json:"name"`
	Code     string         `json:"code,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Resolution records who closed a report and when.
type Resolution struct {
	ResolvedAt time.Time `json:"resolved_at"`
	ResolvedBy string    `json:"resolved_by"`
	Notes      string    `json:"notes,omitempty"`
}

// ErrorReport is one logical error, deduplicated by fingerprint.
type ErrorReport struct {
	ID              string        `json:"id"`
	Timestamp       time.Time     `json:"timestamp"`
	Severity        Severity      `json:"severity"`
	Category        Category      `json:"category"`
	Source          Source        `json:"source"`
	Context         *ErrorContext `json:"context,omitempty"`
	Error           ErrorDetail   `json:"error"`
	Message         string        `json:"message"`
	Resolved        bool          `json:"resolved"`
	Resolution      *Resolution   `json:"resolution,omitempty"`
	OccurrenceCount int           `json:"occurrence_count"`
	FirstSeen       time.Time     `json:"first_seen"`
	LastSeen        time.Time     `json:"last_seen"`
	Tags            []string      `json:"tags"`
	Fingerprint     string        `json:"fingerprint"`
}

// Clone returns a deep enough copy that stores can hand reports to callers
// without sharing mutable state.
func (r *ErrorReport) Clone() *ErrorReport {
	if r == nil {
		return nil
	}
	out := *r
	out.Context = r.Context.Clone()
	if r.Error.Metadata != nil {
		out.Error.Metadata = make(map[string]any, len(r.Error.Metadata))
		for k, v := range r.Error.Metadata {
			out.Error.Metadata[k] = v
		}
	}
	if r.Resolution != nil {
		res := *r.Resolution
		out.Resolution = &res
	}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	return &out
}

// HasTag reports whether the report carries tag.
func (r *ErrorReport) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsFallback reports whether the report was synthesized after an internal failure.
func (r *ErrorReport) IsFallback() bool {
	return r.HasTag("fallback")
}

// ResponseTime returns context.metadata.responseTime in milliseconds, if present.
func (r *ErrorReport) ResponseTime() (float64, bool) {
	if r.Context == nil || r.Context.Metadata == nil {
		return 0, false
	}
	switch v := r.Context.Metadata["responseTime"].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// searchText is the haystack used by free-text filters.
func (r *ErrorReport) searchText() string {
	parts := []string{r.Message, r.Source.Service, r.Source.Method, r.Source.File}
	parts = append(parts, r.Tags...)
	return strings.ToLower(strings.Join(parts, " "))
}

// ToJSON serializes the report to JSON bytes.
func (r *ErrorReport) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// ReportFromJSON deserializes an ErrorReport from JSON bytes.
func ReportFromJSON(data []byte) (*ErrorReport, error) {
	var report ErrorReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
