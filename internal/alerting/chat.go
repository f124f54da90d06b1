package alerting

import (
	"context"
	"errors"

	"github.com/go-resty/resty/v2"
)

// ChatNotifier posts to a Slack-compatible endpoint: an incoming webhook
// when no token is configured, chat.postMessage otherwise.
type ChatNotifier struct {
	client  *resty.Client
	url     string
	channel string
}

type chatResponse struct {
	OK    *bool  `json:"ok"`
	Error string `json:"error"`
}

// NewChatNotifier creates a chat notifier.
func NewChatNotifier(cfg ChannelConfig) *ChatNotifier {
	client := newHTTPClient(cfg)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &ChatNotifier{client: client, url: cfg.URL, channel: cfg.Target}
}

// Notify implements Notifier.
func (n *ChatNotifier) Notify(ctx context.Context, target, message string, _ Summary) error {
	if target == "" {
		target = n.channel
	}
	body := map[string]any{"text": message}
	if target != "" {
		body["channel"] = target
	}

	var result chatResponse
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post(n.url)
	if err := checkResponse("chat", resp, err); err != nil {
		return err
	}
	if result.OK != nil && !*result.OK {
		return errors.New("chat API error: " + result.Error)
	}
	return nil
}
