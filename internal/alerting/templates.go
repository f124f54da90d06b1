package alerting

import (
	"io"
	"strconv"
	"strings"
	"time"

	"errorpipe/internal/models"

	"github.com/valyala/fasttemplate"
)

// Templates holds the message templates. Supported tags are {{severity}},
// {{service}}, {{message}}, {{count}}, {{timestamp}} and {{fingerprint}};
// unknown tags are left as written.
type Templates struct {
	Critical   string `mapstructure:"critical" yaml:"critical"`
	Error      string `mapstructure:"error" yaml:"error"`
	Warning    string `mapstructure:"warning" yaml:"warning"`
	Escalation string `mapstructure:"escalation" yaml:"escalation"`
	Resolution string `mapstructure:"resolution" yaml:"resolution"`
}

// DefaultTemplates returns the built-in templates.
func DefaultTemplates() Templates {
	return Templates{
		Critical:   "[CRITICAL] {{service}}: {{message}} (x{{count}}, last at {{timestamp}}, fingerprint {{fingerprint}})",
		Error:      "[ERROR] {{service}}: {{message}} (x{{count}}, last at {{timestamp}})",
		Warning:    "[{{severity}}] {{service}}: {{message}} (x{{count}})",
		Escalation: "[ESCALATION] {{severity}} error in {{service}} is still unresolved: {{message}} (x{{count}}, fingerprint {{fingerprint}})",
		Resolution: "[RESOLVED] {{service}}: {{message}} (fingerprint {{fingerprint}})",
	}
}

// ForSeverity picks the alert template for a severity.
func (t Templates) ForSeverity(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return t.Critical
	case models.SeverityHigh:
		return t.Error
	default:
		return t.Warning
	}
}

// withDefaults fills empty templates from the built-ins.
func (t Templates) withDefaults() Templates {
	d := DefaultTemplates()
	if t.Critical == "" {
		t.Critical = d.Critical
	}
	if t.Error == "" {
		t.Error = d.Error
	}
	if t.Warning == "" {
		t.Warning = d.Warning
	}
	if t.Escalation == "" {
		t.Escalation = d.Escalation
	}
	if t.Resolution == "" {
		t.Resolution = d.Resolution
	}
	return t
}

// Render substitutes report fields into tmpl.
func Render(tmpl string, r *models.ErrorReport) string {
	values := map[string]string{
		"severity":    string(r.Severity),
		"service":     r.Source.Service,
		"message":     r.Message,
		"count":       strconv.Itoa(r.OccurrenceCount),
		"timestamp":   lastSeen(r).UTC().Format(time.RFC3339),
		"fingerprint": r.Fingerprint,
	}
	return fasttemplate.ExecuteFuncString(tmpl, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		if v, ok := values[strings.TrimSpace(tag)]; ok {
			return w.Write([]byte(v))
		}
		return w.Write([]byte("{{" + tag + "}}"))
	})
}
