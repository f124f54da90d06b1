package alerting

import (
	"context"

	"github.com/go-resty/resty/v2"
)

// WebhookNotifier posts a JSON document to a generic HTTP endpoint.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	target string
}

// WebhookPayload is the document a WebhookNotifier sends.
type WebhookPayload struct {
	Target  string  `json:"target,omitempty"`
	Message string  `json:"message"`
	Summary Summary `json:"summary"`
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg ChannelConfig) *WebhookNotifier {
	return &WebhookNotifier{client: newHTTPClient(cfg), url: cfg.URL, target: cfg.Target}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, target, message string, summary Summary) error {
	if target == "" {
		target = n.target
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(WebhookPayload{Target: target, Message: message, Summary: summary}).
		Post(n.url)
	return checkResponse("webhook", resp, err)
}
