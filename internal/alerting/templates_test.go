package alerting

import (
	"testing"

	"errorpipe/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	r := testReport("a", models.SeverityCritical)
	r.OccurrenceCount = 4

	got := Render("{{severity}}|{{service}}|{{message}}|{{count}}|{{timestamp}}|{{fingerprint}}|{{ unknown }}", r)
	assert.Equal(t, "critical|slack|Slack API error: a|4|2025-06-01T11:59:00Z|fp-a|{{ unknown }}", got)
}

func TestRenderTrimsTagSpace(t *testing.T) {
	assert.Equal(t, "svc=slack", Render("svc={{ service }}", testReport("a", models.SeverityLow)))
}

func TestTemplatesForSeverity(t *testing.T) {
	tpl := Templates{Critical: "c", Error: "e", Warning: "w"}
	assert.Equal(t, "c", tpl.ForSeverity(models.SeverityCritical))
	assert.Equal(t, "e", tpl.ForSeverity(models.SeverityHigh))
	assert.Equal(t, "w", tpl.ForSeverity(models.SeverityMedium))
	assert.Equal(t, "w", tpl.ForSeverity(models.SeverityInfo))
}

func TestTemplatesWithDefaults(t *testing.T) {
	tpl := Templates{Critical: "custom"}.withDefaults()
	assert.Equal(t, "custom", tpl.Critical)
	assert.Equal(t, DefaultTemplates().Resolution, tpl.Resolution)
}
