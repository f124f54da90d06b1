package alerting

import (
	"time"

	"errorpipe/internal/models"

	"go.uber.org/zap"
)

// Channel types.
const (
	ChannelChat    = "chat"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelPager   = "pager"
)

// Config holds alerting configuration.
type Config struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// MaxAlertsPerHour caps alerts over a rolling hour. Zero disables the cap.
	MaxAlertsPerHour int `mapstructure:"max_alerts_per_hour" yaml:"max_alerts_per_hour" validate:"gte=0"`

	// MaxAlertsPerDay caps alerts over a rolling day. Zero disables the cap.
	MaxAlertsPerDay int `mapstructure:"max_alerts_per_day" yaml:"max_alerts_per_day" validate:"gte=0"`

	// FingerprintCooldown suppresses repeat alerts for one fingerprint.
	FingerprintCooldown time.Duration `mapstructure:"fingerprint_cooldown" yaml:"fingerprint_cooldown" validate:"gte=0"`

	Rules       []AlertRule      `mapstructure:"rules" yaml:"rules" validate:"dive"`
	Escalations []EscalationRule `mapstructure:"escalations" yaml:"escalations" validate:"dive"`
	Channels    []ChannelConfig  `mapstructure:"channels" yaml:"channels" validate:"dive"`
	Templates   Templates        `mapstructure:"templates" yaml:"templates"`

	// DispatchTimeout bounds one channel delivery.
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout" yaml:"dispatch_timeout" validate:"gte=0"`

	// StatusRetention is how long finished delivery statuses and completed
	// escalation chains are kept. Zero keeps them for the process lifetime.
	StatusRetention time.Duration `mapstructure:"status_retention" yaml:"status_retention" validate:"gte=0"`

	Logger *zap.Logger `mapstructure:"-" yaml:"-" json:"-"`
}

// DefaultConfig returns the default alerting configuration. Rules and
// channels are empty until configured.
func DefaultConfig() *Config {
	return &Config{
		Enabled:             true,
		MaxAlertsPerHour:    10,
		MaxAlertsPerDay:     50,
		FingerprintCooldown: 15 * time.Minute,
		Templates:           DefaultTemplates(),
		DispatchTimeout:     10 * time.Second,
		StatusRetention:     24 * time.Hour,
	}
}

// AlertRule selects reports that notify humans.
type AlertRule struct {
	ID         string          `mapstructure:"id" yaml:"id" validate:"required"`
	Name       string          `mapstructure:"name" yaml:"name"`
	Enabled    bool            `mapstructure:"enabled" yaml:"enabled"`
	Conditions AlertConditions `mapstructure:"conditions" yaml:"conditions"`
	// Actions are channel names, in order.
	Actions []string `mapstructure:"actions" yaml:"actions" validate:"min=1"`
}

// AlertConditions combine with AND. Empty fields match everything.
type AlertConditions struct {
	Severities     []models.Severity `mapstructure:"severities" yaml:"severities"`
	Services       []string          `mapstructure:"services" yaml:"services"`
	MessagePattern string            `mapstructure:"message_pattern" yaml:"message_pattern"`
	MinOccurrences int               `mapstructure:"min_occurrences" yaml:"min_occurrences" validate:"gte=0"`
	TimeWindow     time.Duration     `mapstructure:"time_window" yaml:"time_window" validate:"gte=0"`
}

// EscalationRule schedules a delayed action chain for persistent reports.
type EscalationRule struct {
	ID         string               `mapstructure:"id" yaml:"id" validate:"required"`
	Name       string               `mapstructure:"name" yaml:"name"`
	Enabled    bool                 `mapstructure:"enabled" yaml:"enabled"`
	Conditions EscalationConditions `mapstructure:"conditions" yaml:"conditions"`
	Actions    []EscalationAction   `mapstructure:"actions" yaml:"actions" validate:"min=1,dive"`
}

// EscalationConditions gate an escalation rule.
type EscalationConditions struct {
	Severities           []models.Severity `mapstructure:"severities" yaml:"severities" validate:"min=1"`
	MinOccurrences       int               `mapstructure:"min_occurrences" yaml:"min_occurrences" validate:"gte=0"`
	TimeThresholdMinutes int               `mapstructure:"time_threshold_minutes" yaml:"time_threshold_minutes" validate:"gte=0"`
}

// EscalationAction is one step of an escalation chain.
type EscalationAction struct {
	Channel string        `mapstructure:"channel" yaml:"channel" validate:"required"`
	Target  string        `mapstructure:"target" yaml:"target"`
	Delay   time.Duration `mapstructure:"delay" yaml:"delay" validate:"gte=0"`
	// Template overrides the escalation template for this step.
	Template string `mapstructure:"template" yaml:"template"`
}

// ChannelConfig defines a notification sink.
type ChannelConfig struct {
	Name    string `mapstructure:"name" yaml:"name" validate:"required"`
	Type    string `mapstructure:"type" yaml:"type" validate:"oneof=chat email webhook pager"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`

	// URL is the chat, webhook or pager endpoint.
	URL string `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	// Token authenticates chat API calls.
	Token string `mapstructure:"token" yaml:"token"`
	// RoutingKey is the pager integration key.
	RoutingKey string `mapstructure:"routing_key" yaml:"routing_key"`
	// Target is the default chat channel, recipient list or webhook tag.
	Target  string            `mapstructure:"target" yaml:"target"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`

	SMTP SMTPConfig `mapstructure:"smtp" yaml:"smtp"`

	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	RetryCount int           `mapstructure:"retry_count" yaml:"retry_count" validate:"gte=0"`
}

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	From     string `mapstructure:"from" yaml:"from"`
}

// AlertStatus kinds.
const (
	KindAlert      = "alert"
	KindEscalation = "escalation"
	KindResolution = "resolution"
)

// AlertStatus states.
const (
	StatusPending      = "pending"
	StatusSent         = "sent"
	StatusFailed       = "failed"
	StatusAcknowledged = "acknowledged"
	StatusCancelled    = "cancelled"
)

// AlertStatus tracks one delivery attempt to one channel.
type AlertStatus struct {
	ID             string    `json:"id"`
	ReportID       string    `json:"report_id"`
	RuleID         string    `json:"rule_id,omitempty"`
	Channel        string    `json:"channel"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	Error          string    `json:"error,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitzero"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
}
