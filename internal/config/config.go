// Package config aggregates the per-component configuration of errorpipe,
// loads it from YAML and the environment, and applies runtime patches.
//
// Every key is addressed by its mapstructure path, for example
// "alerting.max_alerts_per_hour". Environment variables use the ERRORPIPE_
// prefix with dots replaced by underscores.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"errorpipe/internal/alerting"
	"errorpipe/internal/analytics"
	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/forecast"
	"errorpipe/internal/logging"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ERRORPIPE"

// StorageConfig selects and tunes persistence.
type StorageConfig struct {
	// Path is the SQLite file. Empty keeps reports in memory only.
	Path string `mapstructure:"path" yaml:"path"`

	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" validate:"gt=0"`
	BufferSize    int           `mapstructure:"buffer_size" yaml:"buffer_size" validate:"gtefield=BatchSize"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	GRPCAddr    string `mapstructure:"grpc_addr" yaml:"grpc_addr"`
}

// Config is the complete errorpipe configuration.
type Config struct {
	// RetentionDays removes reports older than this many days. Zero keeps
	// everything.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days" validate:"gte=0"`

	// CleanupSchedule is a cron spec or descriptor such as "@every 1h".
	CleanupSchedule string `mapstructure:"cleanup_schedule" yaml:"cleanup_schedule" validate:"required"`

	Storage   StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Logging   logging.Config   `mapstructure:"logging" yaml:"logging"`
	Alerting  alerting.Config  `mapstructure:"alerting" yaml:"alerting"`
	Analytics analytics.Config `mapstructure:"analytics" yaml:"analytics"`
	Forecast  forecast.Config  `mapstructure:"forecast" yaml:"forecast"`
	Server    ServerConfig     `mapstructure:"server" yaml:"server"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RetentionDays:   30,
		CleanupSchedule: "@every 1h",
		Storage: StorageConfig{
			Path:          "errorpipe.db",
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
			BufferSize:    10000,
		},
		Logging:   *logging.DefaultConfig(),
		Alerting:  *alerting.DefaultConfig(),
		Analytics: *analytics.DefaultConfig(),
		Forecast:  *forecast.DefaultConfig(),
		Server: ServerConfig{
			MetricsAddr: ":9090",
			GRPCAddr:    ":50051",
		},
	}
}

// Clone returns a copy whose rule and channel lists can be modified
// independently.
func (c *Config) Clone() *Config {
	out := *c
	a := &out.Alerting
	a.Rules = append([]alerting.AlertRule(nil), c.Alerting.Rules...)
	a.Escalations = append([]alerting.EscalationRule(nil), c.Alerting.Escalations...)
	a.Channels = append([]alerting.ChannelConfig(nil), c.Alerting.Channels...)
	return &out
}

// envKeys are the scalar keys that can be overridden from the environment.
var envKeys = []string{
	"retention_days",
	"cleanup_schedule",
	"storage.path",
	"storage.batch_size",
	"storage.flush_interval",
	"logging.level",
	"logging.log_dir",
	"logging.enable_file",
	"logging.enable_console",
	"logging.console_format",
	"logging.console_output",
	"alerting.enabled",
	"alerting.max_alerts_per_hour",
	"alerting.max_alerts_per_day",
	"alerting.fingerprint_cooldown",
	"alerting.status_retention",
	"forecast.horizon_hours",
	"forecast.confidence_level",
	"forecast.anomaly_threshold",
	"forecast.smoothing_factor",
	"server.metrics_addr",
	"server.grpc_addr",
}

// Load reads path (optional) and the environment over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, pipelineerrors.NewConfigInvalidError("bind environment", err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, pipelineerrors.NewConfigMissingError(path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, pipelineerrors.NewConfigInvalidError("failed to read "+path, err)
		}
	}

	cfg := Default()
	if err := decode(v, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Patch applies a partial configuration, keyed like the YAML file or by
// dotted path, on top of c and returns the validated result. c is left
// untouched. Lists given in the patch replace the current lists.
func (c *Config) Patch(patch map[string]any) (*Config, error) {
	v := viper.New()
	if err := v.MergeConfigMap(expand(patch)); err != nil {
		return nil, pipelineerrors.NewConfigInvalidError("invalid patch", err)
	}

	next := c.Clone()
	if v.IsSet("alerting.rules") {
		next.Alerting.Rules = nil
	}
	if v.IsSet("alerting.escalations") {
		next.Alerting.Escalations = nil
	}
	if v.IsSet("alerting.channels") {
		next.Alerting.Channels = nil
	}
	if err := decode(v, next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// expand turns dotted keys into nested maps.
func expand(patch map[string]any) map[string]any {
	out := make(map[string]any, len(patch))
	for key, value := range patch {
		if nested, ok := value.(map[string]any); ok {
			value = expand(nested)
		}
		parts := strings.Split(key, ".")
		m := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := m[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[part] = child
			}
			m = child
		}
		last := parts[len(parts)-1]
		if existing, ok := m[last].(map[string]any); ok {
			if nested, ok := value.(map[string]any); ok {
				for k, v := range nested {
					existing[k] = v
				}
				continue
			}
		}
		m[last] = value
	}
	return out
}

func decode(v *viper.Viper, cfg *Config) error {
	if err := v.Unmarshal(cfg); err != nil {
		return pipelineerrors.NewConfigInvalidError("failed to decode configuration", err)
	}
	return nil
}

// Validate checks struct constraints and cross references. All problems are
// returned together as a multierror of *errors.PipelineError.
func (c *Config) Validate() error {
	var result *multierror.Error

	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				result = multierror.Append(result, pipelineerrors.NewConfigValidationError(
					fieldPath(fe.Namespace()), fe.Value(), describe(fe)))
			}
		} else {
			result = multierror.Append(result, pipelineerrors.NewConfigInvalidError("validation failed", err))
		}
	}

	if c.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.CleanupSchedule); err != nil {
			result = multierror.Append(result, pipelineerrors.NewConfigValidationError(
				"cleanup_schedule", c.CleanupSchedule, err.Error()))
		}
	}

	for _, err := range c.crossCheckAlerting() {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (c *Config) crossCheckAlerting() []error {
	var errs []error
	channels := make(map[string]bool, len(c.Alerting.Channels))
	for i, ch := range c.Alerting.Channels {
		field := fmt.Sprintf("alerting.channels[%d]", i)
		if channels[ch.Name] {
			errs = append(errs, pipelineerrors.NewConfigValidationError(field+".name", ch.Name, "duplicate channel name"))
		}
		channels[ch.Name] = true

		switch ch.Type {
		case alerting.ChannelChat, alerting.ChannelWebhook:
			if ch.URL == "" {
				errs = append(errs, pipelineerrors.NewConfigValidationError(field+".url", ch.URL, "required for "+ch.Type+" channels"))
			}
		case alerting.ChannelPager:
			if ch.RoutingKey == "" {
				errs = append(errs, pipelineerrors.NewConfigValidationError(field+".routing_key", ch.RoutingKey, "required for pager channels"))
			}
		case alerting.ChannelEmail:
			if ch.SMTP.Host == "" || ch.SMTP.From == "" {
				errs = append(errs, pipelineerrors.NewConfigValidationError(field+".smtp", ch.SMTP.Host, "host and from are required for email channels"))
			}
		}
	}

	for i, rule := range c.Alerting.Rules {
		field := fmt.Sprintf("alerting.rules[%d]", i)
		if p := rule.Conditions.MessagePattern; p != "" && !alerting.ValidPattern(p) {
			errs = append(errs, pipelineerrors.NewConfigValidationError(field+".conditions.message_pattern", p, "invalid regular expression"))
		}
		for _, name := range rule.Actions {
			if !channels[name] {
				errs = append(errs, pipelineerrors.NewConfigValidationError(field+".actions", name, "unknown channel"))
			}
		}
	}

	for i, rule := range c.Alerting.Escalations {
		for j, action := range rule.Actions {
			if !channels[action.Channel] {
				errs = append(errs, pipelineerrors.NewConfigValidationError(
					fmt.Sprintf("alerting.escalations[%d].actions[%d].channel", i, j), action.Channel, "unknown channel"))
			}
		}
	}
	return errs
}

// Marshal renders the configuration for the durable config record.
func (c *Config) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal decodes a durable config record over the defaults.
func Unmarshal(data []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, pipelineerrors.NewConfigInvalidError("stored configuration is corrupt", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
