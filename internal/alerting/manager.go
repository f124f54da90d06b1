// Package alerting decides which error reports notify humans, delivers the
// notifications and escalates reports that stay unresolved.
package alerting

import (
	"context"
	"sort"
	"sync"
	"time"

	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/logging"
	"errorpipe/internal/models"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatch outcomes.
const (
	ReasonSent        = "sent"
	ReasonDisabled    = "disabled"
	ReasonNoRule      = "no_matching_rule"
	ReasonRateLimited = "rate_limited"
	ReasonNoChannels  = "no_channels"
)

// ReportLookup loads the current state of a report.
type ReportLookup func(ctx context.Context, id string) (*models.ErrorReport, error)

// DispatchObserver is told about every delivery attempt.
type DispatchObserver func(kind, channel, status string)

// Options carries the collaborators of a Manager.
type Options struct {
	// Lookup lets escalation re-check a report before each step. Without it
	// every step fires.
	Lookup ReportLookup

	// Clock drives escalation timers. Defaults to the wall clock.
	Clock Clock

	// Notifiers overrides the notifier built for a channel name.
	Notifiers map[string]Notifier

	OnDispatch DispatchObserver
}

// DispatchResult describes one SendAlert or SendResolution call.
type DispatchResult struct {
	// Sent is true when at least one channel was attempted.
	Sent       bool          `json:"sent"`
	Suppressed bool          `json:"suppressed"`
	Reason     string        `json:"reason"`
	Rules      []string      `json:"rules,omitempty"`
	Channels   []string      `json:"channels,omitempty"`
	Failed     []string      `json:"failed,omitempty"`
	Statuses   []AlertStatus `json:"statuses,omitempty"`
}

type delivery struct {
	channel string
	ruleID  string
	target  string
	message string
}

// Manager evaluates rules, enforces rate limits and dispatches alerts.
type Manager struct {
	mu        sync.RWMutex
	cfg       Config
	channels  map[string]ChannelConfig
	notifiers map[string]Notifier

	opts      Options
	limiter   *RateLimiter
	statuses  *xsync.Map[string, AlertStatus]
	scheduler *Scheduler
	logger    *zap.Logger
	now       func() time.Time

	pruneMu   sync.Mutex
	lastPrune time.Time
}

// New creates a Manager.
func New(cfg *Config, opts Options) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	m := &Manager{
		opts:     opts,
		statuses: xsync.NewMap[string, AlertStatus](),
		logger:   logger.With(zap.String("component", "alerting")),
		now:      time.Now,
	}
	if opts.Clock != nil {
		m.now = opts.Clock.Now
	}
	m.limiter = NewRateLimiter(cfg.MaxAlertsPerHour, cfg.MaxAlertsPerDay, cfg.FingerprintCooldown)
	m.limiter.now = m.now
	m.scheduler = NewScheduler(opts.Clock, m.fireEscalation, m.logger)

	if err := m.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateConfig swaps in a new configuration. Channels are rebuilt and the
// rate-limit budgets resized; on error the previous configuration stays.
func (m *Manager) UpdateConfig(cfg *Config) error {
	channels := make(map[string]ChannelConfig, len(cfg.Channels))
	notifiers := make(map[string]Notifier, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[ch.Name] = ch
		if n, ok := m.opts.Notifiers[ch.Name]; ok {
			notifiers[ch.Name] = n
			continue
		}
		n, err := NewNotifier(ch)
		if err != nil {
			return err
		}
		notifiers[ch.Name] = n
	}

	next := *cfg
	next.Templates = cfg.Templates.withDefaults()

	m.mu.Lock()
	m.cfg = next
	m.channels = channels
	m.notifiers = notifiers
	m.mu.Unlock()

	m.limiter.Reconfigure(cfg.MaxAlertsPerHour, cfg.MaxAlertsPerDay, cfg.FingerprintCooldown)
	m.scheduler.SetRetention(cfg.StatusRetention)
	return nil
}

func (m *Manager) snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) matchingRules(cfg Config, r *models.ErrorReport) []*AlertRule {
	now := m.now()
	var rules []*AlertRule
	for i := range cfg.Rules {
		if cfg.Rules[i].Matches(r, now) {
			rules = append(rules, &cfg.Rules[i])
		}
	}
	return rules
}

// ShouldSendAlert reports whether SendAlert would dispatch r right now.
func (m *Manager) ShouldSendAlert(r *models.ErrorReport) bool {
	cfg := m.snapshot()
	return cfg.Enabled && len(m.matchingRules(cfg, r)) > 0 && !m.limiter.Blocked(r.Fingerprint)
}

// SendAlert dispatches r to every channel named by a matching rule, once
// per channel. Per-channel failures are returned aggregated; the result
// reports Sent when at least one channel was attempted.
func (m *Manager) SendAlert(ctx context.Context, r *models.ErrorReport) (*DispatchResult, error) {
	cfg := m.snapshot()
	if !cfg.Enabled {
		return &DispatchResult{Reason: ReasonDisabled}, nil
	}
	rules := m.matchingRules(cfg, r)
	if len(rules) == 0 {
		return &DispatchResult{Reason: ReasonNoRule}, nil
	}

	ruleIDs := make([]string, 0, len(rules))
	for _, rule := range rules {
		ruleIDs = append(ruleIDs, rule.ID)
	}
	if !m.limiter.Allow(r.Fingerprint) {
		m.logger.Info("alert_rate_limited", logging.ReportID(r.ID), logging.Fingerprint(r.Fingerprint))
		return &DispatchResult{Suppressed: true, Reason: ReasonRateLimited, Rules: ruleIDs}, nil
	}

	message := Render(cfg.Templates.ForSeverity(r.Severity), r)
	seen := make(map[string]bool)
	var deliveries []delivery
	for _, rule := range rules {
		for _, ch := range rule.Actions {
			if seen[ch] {
				continue
			}
			seen[ch] = true
			deliveries = append(deliveries, delivery{channel: ch, ruleID: rule.ID, message: message})
		}
	}

	res, err := m.dispatch(ctx, KindAlert, r, deliveries)
	res.Rules = ruleIDs
	return res, err
}

// SendResolution notifies every enabled channel that r was resolved and
// cancels its escalations. Rules and rate limits do not apply.
func (m *Manager) SendResolution(ctx context.Context, r *models.ErrorReport) (*DispatchResult, error) {
	m.scheduler.Release(r.ID)

	cfg := m.snapshot()
	if !cfg.Enabled {
		return &DispatchResult{Reason: ReasonDisabled}, nil
	}
	message := Render(cfg.Templates.Resolution, r)
	var deliveries []delivery
	for _, ch := range cfg.Channels {
		if ch.Enabled {
			deliveries = append(deliveries, delivery{channel: ch.Name, message: message})
		}
	}
	return m.dispatch(ctx, KindResolution, r, deliveries)
}

// Escalate schedules every escalation rule that applies to r and returns
// how many chains were started. A chain runs once per report until the
// report is resolved; acknowledged reports start none.
func (m *Manager) Escalate(r *models.ErrorReport) int {
	cfg := m.snapshot()
	if !cfg.Enabled {
		return 0
	}
	n := 0
	for _, rule := range cfg.Escalations {
		if rule.Matches(r) && m.scheduler.Schedule(r, rule) {
			n++
		}
	}
	return n
}

// AcknowledgeAlert marks the report's outstanding alert statuses as
// acknowledged and cancels its pending escalations. Recurrences do not
// escalate again until the report is resolved. It returns the number of
// statuses acknowledged and chains cancelled.
func (m *Manager) AcknowledgeAlert(reportID, by string) (acknowledged, cancelled int) {
	cancelled = m.scheduler.Hold(reportID)

	now := m.now()
	var ids []string
	m.statuses.Range(func(id string, st AlertStatus) bool {
		if st.ReportID == reportID {
			ids = append(ids, id)
		}
		return true
	})
	for _, id := range ids {
		m.statuses.Compute(id, func(st AlertStatus, loaded bool) (AlertStatus, xsync.ComputeOp) {
			if !loaded || (st.Status != StatusSent && st.Status != StatusPending) {
				return st, xsync.CancelOp
			}
			st.Status = StatusAcknowledged
			st.AcknowledgedAt = now
			st.AcknowledgedBy = by
			acknowledged++
			return st, xsync.UpdateOp
		})
	}

	m.logger.Info("alert_acknowledged",
		logging.ReportID(reportID),
		zap.String("by", by),
		zap.Int("acknowledged", acknowledged),
		zap.Int("escalations_cancelled", cancelled),
	)
	return acknowledged, cancelled
}

// Statuses returns the delivery statuses of a report, or of every report
// when reportID is empty, oldest first.
func (m *Manager) Statuses(reportID string) []AlertStatus {
	var out []AlertStatus
	m.statuses.Range(func(_ string, st AlertStatus) bool {
		if reportID == "" || st.ReportID == reportID {
			out = append(out, st)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAttempt.Equal(out[j].LastAttempt) {
			return out[i].LastAttempt.Before(out[j].LastAttempt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingEscalations returns the number of running escalation chains.
func (m *Manager) PendingEscalations() int {
	return m.scheduler.Pending()
}

// Close cancels escalations and waits for steps in flight.
func (m *Manager) Close() {
	m.scheduler.Close()
}

func (m *Manager) fireEscalation(reportID string, rule EscalationRule, step int) bool {
	ctx := context.Background()
	cfg := m.snapshot()
	if timeout := cfg.DispatchTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	report := &models.ErrorReport{ID: reportID}
	if m.opts.Lookup != nil {
		r, err := m.opts.Lookup(ctx, reportID)
		if err != nil || r == nil || r.Resolved {
			m.logger.Info("escalation_skipped", logging.ReportID(reportID), logging.RuleID(rule.ID), zap.Error(err))
			return false
		}
		report = r
	}

	action := rule.Actions[step]
	tmpl := action.Template
	if tmpl == "" {
		tmpl = cfg.Templates.Escalation
	}
	_, err := m.dispatch(ctx, KindEscalation, report, []delivery{{
		channel: action.Channel,
		ruleID:  rule.ID,
		target:  action.Target,
		message: Render(tmpl, report),
	}})
	if err != nil {
		m.logger.Warn("escalation_step_failed", logging.ReportID(reportID), logging.RuleID(rule.ID), zap.Int("step", step), zap.Error(err))
	}
	return true
}

// dispatch delivers concurrently; one channel's failure never blocks the
// others.
func (m *Manager) dispatch(ctx context.Context, kind string, r *models.ErrorReport, deliveries []delivery) (*DispatchResult, error) {
	res := &DispatchResult{Reason: ReasonSent}
	if len(deliveries) == 0 {
		res.Reason = ReasonNoChannels
		return res, nil
	}

	m.mu.RLock()
	channels, notifiers := m.channels, m.notifiers
	timeout := m.cfg.DispatchTimeout
	m.mu.RUnlock()

	summary := summarize(kind, r)
	ids := make([]string, len(deliveries))
	var (
		mu   sync.Mutex
		errs *multierror.Error
		g    errgroup.Group
	)
	for i, d := range deliveries {
		ids[i] = m.recordPending(kind, r.ID, d)
		g.Go(func() error {
			err := m.deliver(ctx, timeout, channels, notifiers, d, summary)
			m.recordOutcome(ids[i], err)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				res.Failed = append(res.Failed, d.channel)
				mu.Unlock()
			}
			return nil
		})
		res.Channels = append(res.Channels, d.channel)
	}
	_ = g.Wait()

	res.Sent = true
	sort.Strings(res.Failed)
	for _, id := range ids {
		if st, ok := m.statuses.Load(id); ok {
			res.Statuses = append(res.Statuses, st)
		}
	}
	return res, errs.ErrorOrNil()
}

func (m *Manager) deliver(ctx context.Context, timeout time.Duration, channels map[string]ChannelConfig,
	notifiers map[string]Notifier, d delivery, summary Summary) error {
	ch, ok := channels[d.channel]
	n := notifiers[d.channel]
	if !ok || n == nil {
		return pipelineerrors.NewAlertChannelUnknownError(d.channel)
	}
	if !ch.Enabled {
		return pipelineerrors.NewPipelineError(pipelineerrors.ErrCodeAlertChannelDisabled,
			"channel '"+d.channel+"' is disabled", pipelineerrors.ErrAlertChannelDisabled)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	if err := n.Notify(ctx, d.target, d.message, summary); err != nil {
		m.logger.Warn("alert_delivery_failed",
			logging.Channel(d.channel),
			logging.ReportID(summary.ReportID),
			zap.String("kind", summary.Kind),
			zap.Error(err),
		)
		return pipelineerrors.NewAlertDeliveryError(d.channel, err)
	}
	m.logger.Info("alert_delivered",
		logging.Channel(d.channel),
		logging.ReportID(summary.ReportID),
		zap.String("kind", summary.Kind),
		logging.Duration(time.Since(start)),
	)
	return nil
}

func (m *Manager) recordPending(kind, reportID string, d delivery) string {
	m.pruneStatuses(m.now())
	st := AlertStatus{
		ID:          uuid.NewString(),
		ReportID:    reportID,
		RuleID:      d.ruleID,
		Channel:     d.channel,
		Kind:        kind,
		Status:      StatusPending,
		LastAttempt: m.now(),
	}
	m.statuses.Store(st.ID, st)
	return st.ID
}

func (m *Manager) recordOutcome(id string, err error) {
	var final AlertStatus
	m.statuses.Compute(id, func(st AlertStatus, loaded bool) (AlertStatus, xsync.ComputeOp) {
		if !loaded {
			return st, xsync.CancelOp
		}
		st.Attempts++
		st.LastAttempt = m.now()
		switch {
		case err != nil:
			st.Status = StatusFailed
			st.Error = err.Error()
		case st.Status != StatusAcknowledged:
			st.Status = StatusSent
		}
		final = st
		return st, xsync.UpdateOp
	})
	if m.opts.OnDispatch != nil {
		m.opts.OnDispatch(final.Kind, final.Channel, final.Status)
	}
}

// pruneStatuses drops finished statuses whose last change is older than the
// retention. It sweeps at most once a minute.
func (m *Manager) pruneStatuses(now time.Time) {
	retention := m.snapshot().StatusRetention
	if retention <= 0 {
		return
	}
	m.pruneMu.Lock()
	if now.Sub(m.lastPrune) < time.Minute {
		m.pruneMu.Unlock()
		return
	}
	m.lastPrune = now
	m.pruneMu.Unlock()

	expired := func(st AlertStatus) bool {
		last := st.LastAttempt
		if st.AcknowledgedAt.After(last) {
			last = st.AcknowledgedAt
		}
		return st.Status != StatusPending && now.Sub(last) >= retention
	}
	var ids []string
	m.statuses.Range(func(id string, st AlertStatus) bool {
		if expired(st) {
			ids = append(ids, id)
		}
		return true
	})
	for _, id := range ids {
		m.statuses.Compute(id, func(st AlertStatus, loaded bool) (AlertStatus, xsync.ComputeOp) {
			if loaded && expired(st) {
				return st, xsync.DeleteOp
			}
			return st, xsync.CancelOp
		})
	}
	if len(ids) > 0 {
		m.logger.Debug("alert_statuses_pruned", logging.Count(len(ids)))
	}
}
