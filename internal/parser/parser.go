// Package parser turns application log lines into error events.
//
// A Registry routes each line to the first parser that accepts it. Stack
// traces that span several lines are stitched back onto the line that
// introduced them by an Assembler.
package parser

import (
	"strings"
	"time"

	"errorpipe/internal/models"
)

// Parser recognizes one log format.
type Parser interface {
	Name() string
	// CanParse is a cheap pre-check run before Parse.
	CanParse(line string) bool
	// Parse returns false when the line turns out not to be in this format.
	Parse(line string, origin string) (*models.ErrorEvent, bool)
}

// Registry tries its parsers in order; the first successful one wins.
type Registry struct {
	parsers []Parser
}

// NewRegistry returns a registry with the built-in formats, most specific
// first. The common-log parser accepts any non-blank line and stays last.
func NewRegistry() *Registry {
	return &Registry{parsers: []Parser{
		NewJSONParser(),
		NewGoPanicParser(),
		NewExceptionParser(),
		NewCommonLogParser(),
	}}
}

// Register puts p in front of the built-in formats.
func (r *Registry) Register(p Parser) {
	r.parsers = append([]Parser{p}, r.parsers...)
}

// Parse never returns nil. A line no parser claims becomes a raw event with
// a level guessed from its text.
func (r *Registry) Parse(line string, origin string) *models.ErrorEvent {
	for _, p := range r.parsers {
		if !p.CanParse(line) {
			continue
		}
		if event, ok := p.Parse(line, origin); ok {
			return event
		}
	}
	return &models.ErrorEvent{Level: extractLevel(line), Message: strings.TrimSpace(line), Origin: origin, Raw: line}
}

// levelKeywords maps words found anywhere in a line to a level. Order
// matters: "FAILED TO START, INFO ..." is an error line.
var levelKeywords = []struct {
	level    string
	keywords []string
}{
	{"PANIC", []string{"PANIC"}},
	{"FATAL", []string{"FATAL", "CRITICAL"}},
	{"ERROR", []string{"ERROR", "FAIL"}},
	{"WARN", []string{"WARN"}},
	{"DEBUG", []string{"DEBUG"}},
	{"INFO", []string{"INFO"}},
}

func extractLevel(line string) string {
	upper := strings.ToUpper(line)
	for _, lk := range levelKeywords {
		for _, kw := range lk.keywords {
			if strings.Contains(upper, kw) {
				return lk.level
			}
		}
	}
	return ""
}

// levelAliases folds the spellings of common logging libraries onto the
// levels the reporter understands.
var levelAliases = map[string]string{
	"WARNING":  "WARN",
	"ERR":      "ERROR",
	"CRIT":     "FATAL",
	"CRITICAL": "FATAL",
	"DPANIC":   "FATAL",
}

func normalizeLevel(level string) string {
	upper := strings.ToUpper(strings.TrimSpace(level))
	if alias, ok := levelAliases[upper]; ok {
		return alias
	}
	return upper
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05.000",
}

// parseFlexibleTimestamp tries each known layout and reports the error of
// the last one.
func parseFlexibleTimestamp(s string) (ts time.Time, err error) {
	for _, layout := range timestampLayouts {
		if ts, err = time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, err
}
