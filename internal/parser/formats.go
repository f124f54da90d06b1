package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"errorpipe/internal/models"
)

// JSONParser parses structured JSON log lines, including the shape zap,
// logrus and slog produce for errors.
type JSONParser struct{}

func NewJSONParser() *JSONParser {
	return &JSONParser{}
}

func (p *JSONParser) Name() string {
	return "json"
}

func (p *JSONParser) CanParse(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
}

// Parse parses a JSON log line. Recognized keys are lifted onto the event
// and removed; whatever remains ends up in Attrs.
func (p *JSONParser) Parse(line string, origin string) (*models.ErrorEvent, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &data); err != nil {
		return nil, false
	}

	event := &models.ErrorEvent{
		Origin: origin,
		Raw:    line,
	}
	event.Level = normalizeLevel(take(data, "level", "severity", "lvl"))
	event.Timestamp = takeTimestamp(data, "timestamp", "time", "ts", "@timestamp")

	switch e := data["error"].(type) {
	case string:
		event.Message = e
		delete(data, "error")
	case map[string]any:
		event.Name = take(e, "name", "type")
		event.Code = take(e, "code")
		event.Message = take(e, "message", "msg")
		event.StackTrace = take(e, "stack", "stack_trace")
		delete(data, "error")
	}

	msg := take(data, "message", "msg")
	switch {
	case event.Message == "":
		event.Message = msg
	case msg != "" && msg != event.Message:
		data["log_message"] = msg
	}

	if name := take(data, "error_name", "error_type", "name"); event.Name == "" {
		event.Name = name
	}
	if code := take(data, "error_code", "code"); event.Code == "" {
		event.Code = code
	}
	if stack := take(data, "stack_trace", "stacktrace", "stack", "errorVerbose"); event.StackTrace == "" {
		event.StackTrace = stack
	}
	event.Service = take(data, "service", "component")
	event.Method = take(data, "method", "function", "func")

	if len(data) > 0 {
		event.Attrs = data
	}
	return event, true
}

// take returns the first key holding a scalar value and removes it.
func take(data map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := data[k]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			delete(data, k)
			return val
		case float64:
			delete(data, k)
			return fmt.Sprintf("%v", val)
		}
	}
	return ""
}

func takeTimestamp(data map[string]any, keys ...string) *time.Time {
	for _, k := range keys {
		switch val := data[k].(type) {
		case string:
			if ts, err := parseFlexibleTimestamp(val); err == nil {
				delete(data, k)
				return &ts
			}
		case float64:
			// Epoch seconds, as zap's production encoder writes them.
			sec, frac := math.Modf(val)
			ts := time.Unix(int64(sec), int64(frac*1e9)).UTC()
			delete(data, k)
			return &ts
		}
	}
	return nil
}

// GoPanicParser recognizes the first line of a Go runtime crash.
type GoPanicParser struct {
	pattern *regexp.Regexp
}

func NewGoPanicParser() *GoPanicParser {
	return &GoPanicParser{
		pattern: regexp.MustCompile(`^(panic|fatal error): (.+)$`),
	}
}

func (p *GoPanicParser) Name() string {
	return "go_panic"
}

// CanParse checks for the runtime crash prefixes.
func (p *GoPanicParser) CanParse(line string) bool {
	return strings.HasPrefix(line, "panic: ") || strings.HasPrefix(line, "fatal error: ")
}

// Parse parses the crash header. The goroutine dump that follows is
// collected by the Assembler.
func (p *GoPanicParser) Parse(line string, origin string) (*models.ErrorEvent, bool) {
	matches := p.pattern.FindStringSubmatch(strings.TrimRight(line, " \r"))
	if matches == nil {
		return nil, false
	}

	level := "PANIC"
	if matches[1] == "fatal error" {
		level = "FATAL"
	}
	message := strings.TrimSuffix(matches[2], " [recovered]")
	return &models.ErrorEvent{
		Level:   level,
		Name:    matches[1],
		Message: message,
		Origin:  origin,
		Raw:     line,
	}, true
}

// ExceptionParser parses "SomeError: message" lines, the way most runtimes
// print an uncaught exception. An optional bracketed code may follow the
// name: "SlackAPIError [RATE_LIMITED]: slow down".
type ExceptionParser struct {
	pattern *regexp.Regexp
}

func NewExceptionParser() *ExceptionParser {
	return &ExceptionParser{
		pattern: regexp.MustCompile(
			`^(?:Uncaught\s+)?((?:[A-Za-z_][\w]*\.)*[A-Z]\w*(?:Error|Exception|Fault))` +
				`(?:\s*\[([A-Za-z0-9_.-]+)\])?:\s*(.*)$`,
		),
	}
}

func (p *ExceptionParser) Name() string {
	return "exception"
}

// CanParse checks for the "Name: message" shape.
func (p *ExceptionParser) CanParse(line string) bool {
	return p.pattern.MatchString(line)
}

func (p *ExceptionParser) Parse(line string, origin string) (*models.ErrorEvent, bool) {
	matches := p.pattern.FindStringSubmatch(line)
	if matches == nil {
		return nil, false
	}

	name := matches[1]
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	message := matches[3]
	if message == "" {
		message = name
	}
	return &models.ErrorEvent{
		Level:   "ERROR",
		Name:    name,
		Code:    matches[2],
		Message: message,
		Origin:  origin,
		Raw:     line,
	}, true
}

// CommonLogParser handles plain text lines of the form
// "[timestamp] LEVEL [service.method] message", every part optional.
type CommonLogParser struct {
	pattern *regexp.Regexp
}

func NewCommonLogParser() *CommonLogParser {
	return &CommonLogParser{
		pattern: regexp.MustCompile(
			`(?i)^(?:(\d{4}[-/]\d{2}[-/]\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\s+)?` +
				`(?:\[?(DEBUG|INFO|WARN(?:ING)?|ERR(?:OR)?|FATAL|CRIT(?:ICAL)?|PANIC)\]?[:\s]+)?` +
				`(?:\[([a-z][\w-]*)(?:\.(\w+))?\]:?\s*)?` +
				`(.+)$`,
		),
	}
}

func (p *CommonLogParser) Name() string {
	return "common"
}

// CanParse accepts any non-blank line.
func (p *CommonLogParser) CanParse(line string) bool {
	return strings.TrimSpace(line) != ""
}

func (p *CommonLogParser) Parse(line string, origin string) (*models.ErrorEvent, bool) {
	matches := p.pattern.FindStringSubmatch(strings.TrimSpace(line))
	if matches == nil {
		return nil, false
	}

	event := &models.ErrorEvent{
		Service: matches[3],
		Method:  matches[4],
		Message: matches[5],
		Origin:  origin,
		Raw:     line,
	}
	if matches[1] != "" {
		if ts, err := parseFlexibleTimestamp(matches[1]); err == nil {
			event.Timestamp = &ts
		}
	}
	if matches[2] != "" {
		event.Level = normalizeLevel(matches[2])
	} else {
		event.Level = extractLevel(line)
	}
	return event, true
}
