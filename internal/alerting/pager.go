package alerting

import (
	"context"

	"errorpipe/internal/models"

	"github.com/go-resty/resty/v2"
)

// DefaultPagerURL is the PagerDuty Events API v2 endpoint.
const DefaultPagerURL = "https://events.pagerduty.com/v2/enqueue"

// PagerNotifier raises and resolves incidents keyed by fingerprint.
type PagerNotifier struct {
	client     *resty.Client
	url        string
	routingKey string
}

// PagerEvent is an Events API v2 request.
type PagerEvent struct {
	RoutingKey  string        `json:"routing_key"`
	EventAction string        `json:"event_action"`
	DedupKey    string        `json:"dedup_key"`
	Payload     *PagerPayload `json:"payload,omitempty"`
}

// PagerPayload describes the incident.
type PagerPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Component     string         `json:"component,omitempty"`
	Group         string         `json:"group,omitempty"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

// NewPagerNotifier creates a pager notifier.
func NewPagerNotifier(cfg ChannelConfig) *PagerNotifier {
	url := cfg.URL
	if url == "" {
		url = DefaultPagerURL
	}
	return &PagerNotifier{client: newHTTPClient(cfg), url: url, routingKey: cfg.RoutingKey}
}

// Notify implements Notifier. Resolution summaries resolve the incident.
func (n *PagerNotifier) Notify(ctx context.Context, target, message string, summary Summary) error {
	event := PagerEvent{
		RoutingKey:  n.routingKey,
		EventAction: "trigger",
		DedupKey:    summary.Fingerprint,
	}
	if target != "" {
		event.RoutingKey = target
	}
	if summary.Kind == KindResolution {
		event.EventAction = "resolve"
	} else {
		event.Payload = &PagerPayload{
			Summary:   truncate(message, 1024),
			Source:    summary.Service,
			Severity:  pagerSeverity(summary.Severity),
			Component: summary.Service,
			Group:     string(summary.Category),
			CustomDetails: map[string]any{
				"report_id":   summary.ReportID,
				"occurrences": summary.Count,
				"kind":        summary.Kind,
			},
		}
	}

	resp, err := n.client.R().SetContext(ctx).SetBody(event).Post(n.url)
	return checkResponse("pager", resp, err)
}

func pagerSeverity(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "critical"
	case models.SeverityHigh:
		return "error"
	case models.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
