package alerting

import (
	"regexp"
	"slices"
	"time"

	"errorpipe/internal/models"

	"github.com/puzpuzpuz/xsync/v4"
)

// patterns caches compiled message patterns. Invalid patterns are cached
// as nil.
var patterns = xsync.NewMap[string, *regexp.Regexp]()

func compilePattern(expr string) *regexp.Regexp {
	re, _ := patterns.LoadOrCompute(expr, func() (*regexp.Regexp, bool) {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, false
		}
		return re, false
	})
	return re
}

// Matches reports whether the rule selects r at time now.
func (rule *AlertRule) Matches(r *models.ErrorReport, now time.Time) bool {
	if !rule.Enabled {
		return false
	}
	c := rule.Conditions
	if len(c.Severities) > 0 && !slices.Contains(c.Severities, r.Severity) {
		return false
	}
	if len(c.Services) > 0 && !slices.Contains(c.Services, r.Source.Service) {
		return false
	}
	if c.MessagePattern != "" {
		re := compilePattern(c.MessagePattern)
		if re == nil || !re.MatchString(r.Message) {
			return false
		}
	}
	if r.OccurrenceCount < c.MinOccurrences {
		return false
	}
	if c.TimeWindow > 0 && lastSeen(r).Before(now.Add(-c.TimeWindow)) {
		return false
	}
	return true
}

// Matches reports whether the escalation rule applies to r.
func (rule *EscalationRule) Matches(r *models.ErrorReport) bool {
	return rule.Enabled &&
		!r.Resolved &&
		slices.Contains(rule.Conditions.Severities, r.Severity) &&
		r.OccurrenceCount >= rule.Conditions.MinOccurrences
}

// ValidPattern reports whether expr compiles.
func ValidPattern(expr string) bool {
	return compilePattern(expr) != nil
}

func lastSeen(r *models.ErrorReport) time.Time {
	if r.LastSeen.IsZero() {
		return r.Timestamp
	}
	return r.LastSeen
}
