package cmd

import (
	"fmt"
	"strings"
	"time"

	"errorpipe/internal/models"
	"errorpipe/internal/reporter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// withSession runs fn against a freshly opened one-shot session.
func withSession(cmd *cobra.Command, name string, fn func(s *session) error) error {
	s, err := openSession(cmd.Context(), name, true)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(s)
}

func setupReportCmd() *cobra.Command {
	var (
		service, method, name, code, stack string
		metadata                           map[string]string
	)
	cmd := &cobra.Command{
		Use:   "report <message>",
		Short: "Report a single error occurrence",
		Example: `  errorpipe report --service slack --method postMessage --code rate_limited "Slack API error: ratelimited"
  errorpipe report --name TimeoutError --meta responseTime=6500 "upstream timed out"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, "report", func(s *session) error {
				appErr := reporter.NewAppError(name, code, strings.Join(args, " "))
				appErr.Stack = stack

				var source *models.Source
				if service != "" {
					source = &models.Source{Service: service, Method: method}
				}
				var errCtx *models.ErrorContext
				if len(metadata) > 0 {
					errCtx = &models.ErrorContext{Metadata: lo.MapValues(metadata, func(v, _ string) any { return v })}
				}
				report := s.pipeline.ReportError(cmd.Context(), appErr, source, errCtx)
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service that raised the error (inferred from --stack when empty)")
	cmd.Flags().StringVar(&method, "method", "", "method or operation that failed")
	cmd.Flags().StringVar(&name, "name", "Error", "error type name")
	cmd.Flags().StringVar(&code, "code", "", "error code")
	cmd.Flags().StringVar(&stack, "stack", "", "stack trace")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "context metadata as key=value")
	return cmd
}

func setupListCmd() *cobra.Command {
	var (
		services, severities []string
		search               string
		last                 time.Duration
		limit                int
		unresolved           bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored error reports, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.ReportFilter{
				Services: services,
				Severities: lo.Map(severities, func(s string, _ int) models.Severity {
					return models.Severity(strings.ToLower(s))
				}),
				Search: search,
				Limit:  limit,
			}
			for _, sev := range filter.Severities {
				if !sev.Valid() {
					return fmt.Errorf("unknown severity %q", sev)
				}
			}
			if unresolved {
				filter.Resolved = lo.ToPtr(false)
			}
			if last > 0 {
				now := time.Now()
				filter.Range = &models.TimeRange{Start: now.Add(-last), End: now}
			}
			return withSession(cmd, "list", func(s *session) error {
				reports, err := s.pipeline.GetErrors(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), reports)
			})
		},
	}
	cmd.Flags().StringSliceVar(&services, "service", nil, "only these services")
	cmd.Flags().StringSliceVar(&severities, "severity", nil, "only these severities (critical, high, medium, low, info)")
	cmd.Flags().StringVar(&search, "search", "", "case-insensitive text search")
	cmd.Flags().DurationVar(&last, "last", 0, "only reports first seen within this duration")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of reports (0 for all)")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "hide resolved reports")
	return cmd
}

func setupStatsCmd() *cobra.Command {
	var (
		last      time.Duration
		dashboard bool
		realtime  bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show error statistics, the analytics dashboard or real-time metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dashboard && realtime {
				return fmt.Errorf("--dashboard and --realtime are exclusive")
			}
			return withSession(cmd, "stats", func(s *session) error {
				ctx := cmd.Context()
				var tr *models.TimeRange
				if last > 0 {
					now := time.Now()
					tr = &models.TimeRange{Start: now.Add(-last), End: now}
				}

				var (
					out any
					err error
				)
				switch {
				case realtime:
					out, err = s.pipeline.GetRealTimeMetrics(ctx)
				case dashboard:
					if tr == nil {
						tr = lo.ToPtr(models.LastHours(time.Now(), 24))
					}
					out, err = s.pipeline.GetAnalyticsDashboard(ctx, *tr)
				default:
					out, err = s.pipeline.GetStatistics(ctx, tr)
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().DurationVar(&last, "last", 0, "time range ending now (default: the configured window)")
	cmd.Flags().BoolVar(&dashboard, "dashboard", false, "show the analytics dashboard")
	cmd.Flags().BoolVar(&realtime, "realtime", false, "show metrics for the last hour")
	return cmd
}

func setupForecastCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast hourly error volume overall and per service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, "forecast", func(s *session) error {
				out, err := s.pipeline.GetErrorForecast(cmd.Context(), days)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "days to forecast, at most 30 (default: the configured horizon)")
	return cmd
}

func setupResolveCmd() *cobra.Command {
	var by, notes string
	cmd := &cobra.Command{
		Use:   "resolve <report-id>",
		Short: "Mark a report resolved and notify the alert channels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, "resolve", func(s *session) error {
				report, err := s.pipeline.ResolveError(cmd.Context(), args[0], models.Resolution{ResolvedBy: by, Notes: notes})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "who resolved the error")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func setupCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete reports older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, "cleanup", func(s *session) error {
				n, err := s.pipeline.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int{"deleted": n})
			})
		},
	}
}
