package parser

import (
	"regexp"
	"strings"

	"errorpipe/internal/models"
)

var (
	goroutineHeader = regexp.MustCompile(`^goroutine \d+ \[[^\]]+\]:$`)
	goFrame         = regexp.MustCompile(`^(?:created by )?[\w./*()\-]+\(.*\)(?: in goroutine \d+)?$`)
)

// Assembler groups multi-line entries. A line that starts a new entry is
// parsed through the Registry. Indented frames and "Caused by:" chains are
// appended to the stack trace of the entry before them, as is the goroutine
// dump after a Go panic.
//
// An Assembler is not safe for concurrent use.
type Assembler struct {
	registry *Registry
	pending  *models.ErrorEvent
	stack    []string
	inPanic  bool
}

// NewAssembler creates an Assembler parsing through registry.
func NewAssembler(registry *Registry) *Assembler {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Assembler{registry: registry}
}

// Feed consumes one line. It returns the previous entry once line proves it
// complete, or nil while the entry may still grow.
func (a *Assembler) Feed(line, origin string) *models.ErrorEvent {
	line = strings.TrimRight(line, "\r\n")

	if a.pending != nil && a.continues(line) {
		if strings.TrimSpace(line) != "" {
			a.stack = append(a.stack, line)
		}
		return nil
	}
	if strings.TrimSpace(line) == "" {
		return nil
	}

	done := a.Flush()
	a.pending = a.registry.Parse(line, origin)
	a.inPanic = a.pending.Level == "PANIC" || (a.pending.Level == "FATAL" && a.pending.Name == "fatal error")
	return done
}

// Flush returns the pending entry, if any, and resets the Assembler.
func (a *Assembler) Flush() *models.ErrorEvent {
	event := a.pending
	if event == nil {
		return nil
	}
	if len(a.stack) > 0 {
		trace := strings.Join(a.stack, "\n")
		if event.StackTrace != "" {
			trace = event.StackTrace + "\n" + trace
		}
		event.StackTrace = trace
	}
	a.pending = nil
	a.stack = nil
	a.inPanic = false
	return event
}

func (a *Assembler) continues(line string) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return a.inPanic
	case line[0] == ' ' || line[0] == '\t':
		return true
	case strings.HasPrefix(line, "Caused by:"):
		return true
	case a.inPanic:
		return goroutineHeader.MatchString(line) || goFrame.MatchString(line) || strings.HasPrefix(line, "[signal ")
	default:
		return false
	}
}
