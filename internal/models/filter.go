package models

import (
	"sort"
	"strings"
	"time"
)

// TimeRange is an inclusive [Start, End] interval. A zero bound is open.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LastHours returns the range covering the hours before now.
func LastHours(now time.Time, hours int) TimeRange {
	return TimeRange{Start: now.Add(-time.Duration(hours) * time.Hour), End: now}
}

// Contains reports whether t falls inside the range.
func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.Start.IsZero() && t.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && t.After(tr.End) {
		return false
	}
	return true
}

// Duration returns End - Start, or zero for an open range.
func (tr TimeRange) Duration() time.Duration {
	if tr.Start.IsZero() || tr.End.IsZero() {
		return 0
	}
	return tr.End.Sub(tr.Start)
}

// Key renders the range as a stable cache key fragment.
func (tr TimeRange) Key() string {
	return tr.Start.UTC().Format(time.RFC3339) + ".." + tr.End.UTC().Format(time.RFC3339)
}

// ReportFilter selects stored reports. All set predicates combine with AND.
type ReportFilter struct {
	Severities []Severity `json:"severities,omitempty"`
	Resolved   *bool      `json:"resolved,omitempty"`
	Services   []string   `json:"services,omitempty"`
	Range      *TimeRange `json:"range,omitempty"`
	// Tags must all be present on a report.
	Tags []string `json:"tags,omitempty"`
	// Search is a case-insensitive substring over message, source and tags.
	Search string `json:"search,omitempty"`
	// Limit truncates after filtering and sorting; 0 means no limit.
	Limit int `json:"limit,omitempty"`
}

// Matches reports whether r satisfies every predicate of the filter.
func (f ReportFilter) Matches(r *ErrorReport) bool {
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, r.Severity) {
		return false
	}
	if f.Resolved != nil && r.Resolved != *f.Resolved {
		return false
	}
	if len(f.Services) > 0 && !containsString(f.Services, r.Source.Service) {
		return false
	}
	if f.Range != nil && !f.Range.Contains(r.Timestamp) {
		return false
	}
	for _, tag := range f.Tags {
		if !r.HasTag(tag) {
			return false
		}
	}
	if f.Search != "" && !strings.Contains(r.searchText(), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// Apply filters, sorts newest-first and truncates reports.
func (f ReportFilter) Apply(reports []*ErrorReport) []*ErrorReport {
	out := make([]*ErrorReport, 0, len(reports))
	for _, r := range reports {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	SortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// SortNewestFirst orders reports by timestamp descending, then by id for stability.
func SortNewestFirst(reports []*ErrorReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		if !reports[i].Timestamp.Equal(reports[j].Timestamp) {
			return reports[i].Timestamp.After(reports[j].Timestamp)
		}
		return reports[i].ID < reports[j].ID
	})
}

// BoolPtr is a convenience for building filters.
func BoolPtr(b bool) *bool {
	return &b
}

func containsSeverity(set []Severity, s Severity) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
