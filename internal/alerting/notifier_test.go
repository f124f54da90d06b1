package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"errorpipe/internal/models"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureServer records JSON request bodies.
type captureServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []map[string]any
	auth   []string
}

func newCaptureServer(t *testing.T, status int, response string) *captureServer {
	t.Helper()
	cs := &captureServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		cs.mu.Lock()
		cs.bodies = append(cs.bodies, body)
		cs.auth = append(cs.auth, r.Header.Get("Authorization"))
		cs.mu.Unlock()
		if strings.HasPrefix(response, "{") {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *captureServer) requests() []map[string]any {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]map[string]any(nil), cs.bodies...)
}

func testSummary(kind string) Summary {
	return summarize(kind, testReport("a", models.SeverityCritical))
}

func TestChatNotifierWebhook(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK, "ok")
	n := NewChatNotifier(ChannelConfig{Name: "chat", Type: ChannelChat, URL: srv.URL, Target: "#alerts"})

	require.NoError(t, n.Notify(context.Background(), "", "hello", testSummary(KindAlert)))

	reqs := srv.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "hello", reqs[0]["text"])
	assert.Equal(t, "#alerts", reqs[0]["channel"])
}

func TestChatNotifierAPIError(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK, `{"ok":false,"error":"channel_not_found"}`)
	n := NewChatNotifier(ChannelConfig{Name: "chat", Type: ChannelChat, URL: srv.URL, Token: "xoxb-test"})

	err := n.Notify(context.Background(), "#missing", "hello", testSummary(KindAlert))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
	assert.Equal(t, "Bearer xoxb-test", srv.auth[0])
}

func TestChatNotifierHTTPError(t *testing.T) {
	srv := newCaptureServer(t, http.StatusBadGateway, "upstream down")
	n := NewChatNotifier(ChannelConfig{Name: "chat", Type: ChannelChat, URL: srv.URL})

	err := n.Notify(context.Background(), "", "hello", testSummary(KindAlert))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookNotifier(t *testing.T) {
	srv := newCaptureServer(t, http.StatusAccepted, "")
	n := NewWebhookNotifier(ChannelConfig{Name: "hook", Type: ChannelWebhook, URL: srv.URL, Target: "ops"})

	require.NoError(t, n.Notify(context.Background(), "", "msg", testSummary(KindAlert)))

	reqs := srv.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "ops", reqs[0]["target"])
	assert.Equal(t, "msg", reqs[0]["message"])
	summary := reqs[0]["summary"].(map[string]any)
	assert.Equal(t, "fp-a", summary["fingerprint"])
	assert.Equal(t, "alert", summary["kind"])
}

func TestPagerNotifier(t *testing.T) {
	srv := newCaptureServer(t, http.StatusAccepted, `{"status":"success"}`)
	n := NewPagerNotifier(ChannelConfig{Name: "pager", Type: ChannelPager, URL: srv.URL, RoutingKey: "rk"})
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "", "boom", testSummary(KindAlert)))
	require.NoError(t, n.Notify(ctx, "", "fixed", testSummary(KindResolution)))

	reqs := srv.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "trigger", reqs[0]["event_action"])
	assert.Equal(t, "rk", reqs[0]["routing_key"])
	assert.Equal(t, "fp-a", reqs[0]["dedup_key"])
	payload := reqs[0]["payload"].(map[string]any)
	assert.Equal(t, "critical", payload["severity"])
	assert.Equal(t, "slack", payload["source"])

	assert.Equal(t, "resolve", reqs[1]["event_action"])
	assert.Nil(t, reqs[1]["payload"])
}

func TestNewNotifierUnknownType(t *testing.T) {
	_, err := NewNotifier(ChannelConfig{Name: "x", Type: "carrier-pigeon"})
	assert.Error(t, err)
}

// smtpBackend collects delivered messages.
type smtpBackend struct {
	mu       sync.Mutex
	messages []smtpMessage
}

type smtpMessage struct {
	from string
	to   []string
	data string
}

func (b *smtpBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &smtpSession{backend: b}, nil
}

type smtpSession struct {
	backend *smtpBackend
	msg     smtpMessage
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.msg.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.msg.to = append(s.msg.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.data = string(data)
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *smtpSession) Reset()        { s.msg = smtpMessage{} }
func (s *smtpSession) Logout() error { return nil }

func TestEmailNotifier(t *testing.T) {
	backend := &smtpBackend{}
	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	n := NewEmailNotifier(ChannelConfig{
		Name:   "mail",
		Type:   ChannelEmail,
		Target: "oncall@example.com",
		SMTP:   SMTPConfig{Host: host, Port: port, From: "errorpipe@example.com"},
	})

	require.NoError(t, n.Notify(context.Background(), "a@example.com, b@example.com", "disk full", testSummary(KindAlert)))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.messages, 1)
	msg := backend.messages[0]
	assert.Equal(t, "errorpipe@example.com", msg.from)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, msg.to)
	assert.Contains(t, msg.data, "Subject: [errorpipe] CRITICAL alert in slack")
	assert.Contains(t, msg.data, "disk full")
}

func TestEmailNotifierNoRecipients(t *testing.T) {
	n := NewEmailNotifier(ChannelConfig{Name: "mail", Type: ChannelEmail, SMTP: SMTPConfig{Host: "127.0.0.1"}})
	assert.Error(t, n.Notify(context.Background(), " , ", "x", testSummary(KindAlert)))
}
