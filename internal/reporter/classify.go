package reporter

import (
	"regexp"
	"strings"

	"errorpipe/internal/models"
)

// CategoryRule maps a pattern over "message code" to a category.
type CategoryRule struct {
	Pattern  *regexp.Regexp
	Category models.Category
	Severity models.Severity
	Tags     []string
}

// DefaultCategoryRules is evaluated first-match-wins. Specific patterns
// must stay ahead of the generic ones they overlap with.
var DefaultCategoryRules = []CategoryRule{
	{
		Pattern:  regexp.MustCompile(`(?i)rate[_ -]?limit|ratelimited|too many requests|\b429\b`),
		Category: models.CategoryRateLimit,
		Severity: models.SeverityMedium,
		Tags:     []string{"rate-limit"},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)(socket|connect(ion)?|network|request|gateway|upstream|read|dial)[ _-]*(timed[ _-]?out|timeout)|\bE(SOCKET)?TIMEDOUT\b`),
		Category: models.CategoryNetwork,
		Severity: models.SeverityMedium,
		Tags:     []string{"network", "timeout"},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)\bECONN(REFUSED|RESET|ABORTED)\b|\bENOTFOUND\b|\bEAI_AGAIN\b|connection (refused|reset)|no such host|\bdns\b|network (error|unreachable)|broken pipe`),
		Category: models.CategoryNetwork,
		Severity: models.SeverityHigh,
		Tags:     []string{"network"},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)invalid_auth|not_authed|token_(revoked|expired)|account_inactive|unauthori[sz]ed|authentication|\b401\b|invalid (api )?(key|token)`),
		Category: models.CategoryAuth,
		Severity: models.SeverityCritical,
		Tags:     []string{"auth"},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)forbidden|permission denied|missing_scope|invalid signature|signature mismatch|csrf|access denied|\b403\b`),
		Category: models.CategorySecurity,
		Severity: models.SeverityCritical,
		Tags:     []string{"security"},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)\bconfig(uration)?\b|missing (env|environment)|not configured|invalid setting`),
		Category: models.CategoryConfig,
		Severity: models.SeverityHigh,
		Tags:     []string{"config"},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)validation|invalid[_ ](argument|arguments|param|parameter|input|payload|request)|required field|malformed|bad request|\b400\b`),
		Category: models.CategoryValidation,
		Severity: models.SeverityLow,
		Tags:     []string{"validation"},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)\bbot\b|app_uninstalled|bot_not_found|user_is_bot|team_access_not_granted`),
		Category: models.CategoryBotManagement,
		Severity: models.SeverityMedium,
		Tags:     []string{"bot"},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)channel_not_found|not_in_channel|msg_too_long|is_archived|no_text|cant_update_message|message (failed|not sent|too long)`),
		Category: models.CategoryMessaging,
		Severity: models.SeverityMedium,
		Tags:     []string{"messaging"},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)\bevent\b|webhook|handler|dispatch|\bqueue\b`),
		Category: models.CategoryEventProcessing,
		Severity: models.SeverityHigh,
		Tags:     []string{"events"},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)timed?[ _-]?out`),
		Category: models.CategoryNetwork,
		Severity: models.SeverityMedium,
		Tags:     []string{"timeout"},
	},
	{
		Pattern:  regexp.MustCompile(`(?i)api[ _]error|internal_error|fatal_error|service unavailable|bad gateway|status code|\b5\d\d\b`),
		Category: models.CategoryAPI,
		Severity: models.SeverityHigh,
		Tags:     []string{"api"},
	},
}

// DefaultSeverityByCode maps lower-cased error codes to severities.
var DefaultSeverityByCode = map[string]models.Severity{
	"rate_limited":        models.SeverityMedium,
	"ratelimited":         models.SeverityMedium,
	"too_many_requests":   models.SeverityMedium,
	"429":                 models.SeverityMedium,
	"invalid_auth":        models.SeverityCritical,
	"not_authed":          models.SeverityCritical,
	"token_revoked":       models.SeverityCritical,
	"token_expired":       models.SeverityCritical,
	"account_inactive":    models.SeverityCritical,
	"401":                 models.SeverityCritical,
	"403":                 models.SeverityCritical,
	"internal_error":      models.SeverityCritical,
	"fatal_error":         models.SeverityCritical,
	"500":                 models.SeverityCritical,
	"etimedout":           models.SeverityMedium,
	"esockettimedout":     models.SeverityMedium,
	"econnreset":          models.SeverityMedium,
	"econnrefused":        models.SeverityMedium,
	"invalid_arguments":   models.SeverityLow,
	"validation_error":    models.SeverityLow,
	"400":                 models.SeverityLow,
	"channel_not_found":   models.SeverityMedium,
	"not_in_channel":      models.SeverityMedium,
	"msg_too_long":        models.SeverityLow,
	"missing_scope":       models.SeverityCritical,
	"service_unavailable": models.SeverityHigh,
}

// Classifier derives category and severity from error attributes.
type Classifier struct {
	rules     []CategoryRule
	codeTable map[string]models.Severity
}

// NewClassifier builds a classifier; nil arguments select the defaults.
func NewClassifier(rules []CategoryRule, codeTable map[string]models.Severity) *Classifier {
	if rules == nil {
		rules = DefaultCategoryRules
	}
	if codeTable == nil {
		codeTable = DefaultSeverityByCode
	}
	return &Classifier{rules: rules, codeTable: codeTable}
}

// Category returns the first matching rule, or nil.
func (c *Classifier) Category(message, code string) *CategoryRule {
	haystack := message + " " + code
	for i := range c.rules {
		if c.rules[i].Pattern.MatchString(haystack) {
			return &c.rules[i]
		}
	}
	return nil
}

// Severity resolves the severity: metadata override, code table, message
// keywords, matched rule, then high.
func (c *Classifier) Severity(message, code string, metadata map[string]any, rule *CategoryRule) models.Severity {
	if metadata != nil {
		if s, ok := metadata["severity"].(string); ok {
			if sev := models.Severity(strings.ToLower(s)); sev.Valid() {
				return sev
			}
		}
	}

	if code != "" {
		if sev, ok := c.codeTable[strings.ToLower(code)]; ok {
			return sev
		}
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "network"):
		return models.SeverityMedium
	case strings.Contains(lower, "auth") || strings.Contains(lower, "permission"):
		return models.SeverityCritical
	}

	if rule != nil && rule.Severity.Valid() {
		return rule.Severity
	}
	return models.SeverityHigh
}
