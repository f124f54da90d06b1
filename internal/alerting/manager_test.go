package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"errorpipe/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recorder is a Notifier that remembers every call.
type recorder struct {
	mu    sync.Mutex
	calls []recordedCall
	err   error
}

type recordedCall struct {
	target  string
	message string
	summary Summary
}

func (r *recorder) Notify(_ context.Context, target, message string, summary Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{target: target, message: message, summary: summary})
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) last() recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

type managerFixture struct {
	m     *Manager
	clock *fakeClock
	chat  *recorder
	mail  *recorder
	hook  *recorder
}

func newManagerFixture(t *testing.T, mutate func(*Config), lookup ReportLookup) *managerFixture {
	t.Helper()
	f := &managerFixture{clock: newFakeClock(), chat: &recorder{}, mail: &recorder{}, hook: &recorder{}}

	cfg := DefaultConfig()
	cfg.Logger = zap.NewNop()
	cfg.MaxAlertsPerHour = 10
	cfg.FingerprintCooldown = 0
	cfg.Channels = []ChannelConfig{
		{Name: "ops-chat", Type: ChannelChat, Enabled: true},
		{Name: "ops-mail", Type: ChannelEmail, Enabled: true},
		{Name: "audit-hook", Type: ChannelWebhook, Enabled: false},
	}
	cfg.Rules = []AlertRule{
		{ID: "critical", Enabled: true, Conditions: AlertConditions{Severities: []models.Severity{models.SeverityCritical}}, Actions: []string{"ops-chat", "ops-mail"}},
		{ID: "slack", Enabled: true, Conditions: AlertConditions{Services: []string{"slack"}}, Actions: []string{"ops-chat"}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	m, err := New(cfg, Options{
		Clock:  f.clock,
		Lookup: lookup,
		Notifiers: map[string]Notifier{
			"ops-chat":   f.chat,
			"ops-mail":   f.mail,
			"audit-hook": f.hook,
		},
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.m = m
	return f
}

func TestSendAlertRateLimitBoundary(t *testing.T) {
	f := newManagerFixture(t, func(c *Config) { c.MaxAlertsPerHour = 2 }, nil)
	ctx := context.Background()

	var dispatched, suppressed int
	for _, id := range []string{"a", "b", "c"} {
		res, err := f.m.SendAlert(ctx, testReport(id, models.SeverityHigh))
		require.NoError(t, err)
		if res.Sent {
			dispatched++
		}
		if res.Suppressed {
			suppressed++
			assert.Equal(t, ReasonRateLimited, res.Reason)
		}
	}

	assert.Equal(t, 2, dispatched)
	assert.Equal(t, 1, suppressed)
	assert.Equal(t, 2, f.chat.count())
}

func TestSendAlertChannelOncePerAlert(t *testing.T) {
	f := newManagerFixture(t, nil, nil)

	res, err := f.m.SendAlert(context.Background(), testReport("a", models.SeverityCritical))
	require.NoError(t, err)

	assert.True(t, res.Sent)
	assert.Equal(t, []string{"critical", "slack"}, res.Rules)
	assert.ElementsMatch(t, []string{"ops-chat", "ops-mail"}, res.Channels)
	assert.Equal(t, 1, f.chat.count(), "ops-chat named by two rules is sent once")
	assert.Equal(t, 1, f.mail.count())
	assert.Contains(t, f.chat.last().message, "[CRITICAL] slack")

	statuses := f.m.Statuses("a")
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		assert.Equal(t, StatusSent, st.Status)
		assert.Equal(t, KindAlert, st.Kind)
		assert.Equal(t, 1, st.Attempts)
	}
}

func TestSendAlertChannelFailureIsolated(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	f.mail.err = errors.New("relay refused")

	res, err := f.m.SendAlert(context.Background(), testReport("a", models.SeverityCritical))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ops-mail")
	assert.True(t, res.Sent)
	assert.Equal(t, []string{"ops-mail"}, res.Failed)
	assert.Equal(t, 1, f.chat.count())

	byChannel := make(map[string]AlertStatus)
	for _, st := range f.m.Statuses("a") {
		byChannel[st.Channel] = st
	}
	assert.Equal(t, StatusSent, byChannel["ops-chat"].Status)
	assert.Equal(t, StatusFailed, byChannel["ops-mail"].Status)
	assert.Contains(t, byChannel["ops-mail"].Error, "relay refused")
}

func TestSendAlertUnknownAndDisabledChannels(t *testing.T) {
	f := newManagerFixture(t, func(c *Config) {
		c.Rules = []AlertRule{{ID: "all", Enabled: true, Actions: []string{"ops-chat", "nowhere", "audit-hook"}}}
	}, nil)

	res, err := f.m.SendAlert(context.Background(), testReport("a", models.SeverityLow))

	require.Error(t, err)
	assert.True(t, res.Sent)
	assert.ElementsMatch(t, []string{"audit-hook", "nowhere"}, res.Failed)
	assert.Equal(t, 1, f.chat.count())
	assert.Zero(t, f.hook.count())
}

func TestSendAlertNotAlertable(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newManagerFixture(t, func(c *Config) { c.Enabled = false }, nil)
		r := testReport("a", models.SeverityCritical)

		assert.False(t, f.m.ShouldSendAlert(r))
		res, err := f.m.SendAlert(context.Background(), r)
		require.NoError(t, err)
		assert.False(t, res.Sent)
		assert.Equal(t, ReasonDisabled, res.Reason)
	})

	t.Run("no matching rule does not consume budget", func(t *testing.T) {
		f := newManagerFixture(t, func(c *Config) { c.MaxAlertsPerHour = 1 }, nil)
		r := testReport("a", models.SeverityLow)
		r.Source.Service = "zendesk"

		assert.False(t, f.m.ShouldSendAlert(r))
		res, err := f.m.SendAlert(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, ReasonNoRule, res.Reason)

		assert.True(t, f.m.ShouldSendAlert(testReport("b", models.SeverityCritical)))
	})
}

func TestShouldSendAlertRespectsCooldown(t *testing.T) {
	f := newManagerFixture(t, func(c *Config) { c.FingerprintCooldown = 5 * time.Minute }, nil)
	r := testReport("a", models.SeverityCritical)

	assert.True(t, f.m.ShouldSendAlert(r))
	_, err := f.m.SendAlert(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, f.m.ShouldSendAlert(r))

	f.clock.Advance(6 * time.Minute)
	assert.True(t, f.m.ShouldSendAlert(r))
}

func TestSendResolution(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	r := testReport("a", models.SeverityLow)
	r.Resolved = true

	res, err := f.m.SendResolution(context.Background(), r)
	require.NoError(t, err)

	assert.True(t, res.Sent)
	assert.ElementsMatch(t, []string{"ops-chat", "ops-mail"}, res.Channels, "disabled channels are skipped")
	assert.Equal(t, 1, f.chat.count())
	assert.Equal(t, 1, f.mail.count())
	assert.Zero(t, f.hook.count())
	assert.Equal(t, KindResolution, f.chat.last().summary.Kind)
	assert.Contains(t, f.chat.last().message, "[RESOLVED]")
}

func TestAcknowledgeAlert(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	_, err := f.m.SendAlert(context.Background(), testReport("a", models.SeverityCritical))
	require.NoError(t, err)

	acked, cancelled := f.m.AcknowledgeAlert("a", "alice")
	assert.Equal(t, 2, acked)
	assert.Zero(t, cancelled)

	for _, st := range f.m.Statuses("a") {
		assert.Equal(t, StatusAcknowledged, st.Status)
		assert.Equal(t, "alice", st.AcknowledgedBy)
		assert.Equal(t, testNow, st.AcknowledgedAt)
	}

	acked, _ = f.m.AcknowledgeAlert("a", "bob")
	assert.Zero(t, acked, "already acknowledged")
}

func TestFinishedStatusesExpire(t *testing.T) {
	f := newManagerFixture(t, func(c *Config) { c.StatusRetention = time.Hour }, nil)
	ctx := context.Background()

	_, err := f.m.SendAlert(ctx, testReport("a", models.SeverityCritical))
	require.NoError(t, err)
	require.Len(t, f.m.Statuses(""), 2)

	f.clock.Advance(30 * time.Minute)
	_, err = f.m.SendAlert(ctx, testReport("b", models.SeverityCritical))
	require.NoError(t, err)
	assert.Len(t, f.m.Statuses(""), 4, "a is inside the retention")

	f.clock.Advance(45 * time.Minute)
	_, err = f.m.SendAlert(ctx, testReport("c", models.SeverityCritical))
	require.NoError(t, err)
	assert.Empty(t, f.m.Statuses("a"))
	assert.Len(t, f.m.Statuses("b"), 2)
	assert.Len(t, f.m.Statuses("c"), 2)
}

func TestZeroRetentionKeepsStatuses(t *testing.T) {
	f := newManagerFixture(t, func(c *Config) { c.StatusRetention = 0 }, nil)
	ctx := context.Background()

	_, err := f.m.SendAlert(ctx, testReport("a", models.SeverityCritical))
	require.NoError(t, err)
	f.clock.Advance(48 * time.Hour)
	_, err = f.m.SendAlert(ctx, testReport("b", models.SeverityCritical))
	require.NoError(t, err)

	assert.Len(t, f.m.Statuses(""), 4)
}

func TestUpdateConfig(t *testing.T) {
	f := newManagerFixture(t, nil, nil)

	next := f.m.snapshot()
	next.Enabled = false
	require.NoError(t, f.m.UpdateConfig(&next))
	assert.False(t, f.m.ShouldSendAlert(testReport("a", models.SeverityCritical)))

	bad := next
	bad.Channels = append([]ChannelConfig{}, next.Channels...)
	bad.Channels = append(bad.Channels, ChannelConfig{Name: "weird", Type: "fax"})
	require.Error(t, f.m.UpdateConfig(&bad))
	assert.False(t, f.m.snapshot().Enabled, "previous config kept")
	assert.Len(t, f.m.snapshot().Channels, 3)
}

func TestDispatchObserver(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	cfg := DefaultConfig()
	cfg.Logger = zap.NewNop()
	cfg.Channels = []ChannelConfig{{Name: "ops-chat", Type: ChannelChat, Enabled: true}}
	cfg.Rules = []AlertRule{{ID: "all", Enabled: true, Actions: []string{"ops-chat"}}}
	m, err := New(cfg, Options{
		Clock:     newFakeClock(),
		Notifiers: map[string]Notifier{"ops-chat": &recorder{}},
		OnDispatch: func(kind, channel, status string) {
			mu.Lock()
			seen[kind+"/"+channel+"/"+status]++
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.SendAlert(context.Background(), testReport("a", models.SeverityLow))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alert/ops-chat/sent": 1}, seen)
}
