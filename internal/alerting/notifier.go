package alerting

import (
	"context"
	"fmt"
	"time"

	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/models"

	"github.com/go-resty/resty/v2"
)

// Summary is the structured part of a notification.
type Summary struct {
	Kind        string          `json:"kind"`
	ReportID    string          `json:"report_id"`
	Fingerprint string          `json:"fingerprint"`
	Severity    models.Severity `json:"severity"`
	Category    models.Category `json:"category"`
	Service     string          `json:"service"`
	Message     string          `json:"message"`
	Count       int             `json:"count"`
	LastSeen    time.Time       `json:"last_seen"`
}

func summarize(kind string, r *models.ErrorReport) Summary {
	return Summary{
		Kind:        kind,
		ReportID:    r.ID,
		Fingerprint: r.Fingerprint,
		Severity:    r.Severity,
		Category:    r.Category,
		Service:     r.Source.Service,
		Message:     r.Message,
		Count:       r.OccurrenceCount,
		LastSeen:    lastSeen(r),
	}
}

// Notifier delivers a rendered message to one sink.
type Notifier interface {
	Notify(ctx context.Context, target, message string, summary Summary) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, target, message string, summary Summary) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, target, message string, summary Summary) error {
	return f(ctx, target, message, summary)
}

// NewNotifier builds the notifier for a channel definition.
func NewNotifier(cfg ChannelConfig) (Notifier, error) {
	switch cfg.Type {
	case ChannelChat:
		return NewChatNotifier(cfg), nil
	case ChannelWebhook:
		return NewWebhookNotifier(cfg), nil
	case ChannelPager:
		return NewPagerNotifier(cfg), nil
	case ChannelEmail:
		return NewEmailNotifier(cfg), nil
	}
	return nil, pipelineerrors.NewConfigValidationError("alerting.channels.type", cfg.Type, "unknown channel type")
}

func newHTTPClient(cfg ChannelConfig) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}
	return client
}

func checkResponse(kind string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s request failed: %w", kind, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s endpoint returned %d: %s", kind, resp.StatusCode(), resp.String())
	}
	return nil
}
