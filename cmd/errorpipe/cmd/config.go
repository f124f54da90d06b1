package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func setupConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the runtime configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, "config", func(s *session) error {
				return yaml.NewEncoder(cmd.OutOrStdout()).Encode(s.pipeline.Config())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key=value>...",
		Short: "Change configuration values and persist them",
		Long: `Apply key=value pairs to the runtime configuration. Keys are dotted
YAML paths; values are parsed as YAML scalars. The change is validated as a
whole and persisted, so it survives restarts.

Example:
  errorpipe config set alerting.max_alerts_per_hour=20 retention_days=14`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(args)
			if err != nil {
				return err
			}
			return withSession(cmd, "config", func(s *session) error {
				next, err := s.pipeline.UpdateConfig(cmd.Context(), patch)
				if err != nil {
					return err
				}
				return yaml.NewEncoder(cmd.OutOrStdout()).Encode(next)
			})
		},
	})
	return cmd
}

// parseAssignments turns key=value arguments into a patch. Values are decoded
// as YAML so numbers and booleans keep their type; anything YAML rejects,
// such as "@every 1h", stays a string.
func parseAssignments(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		patch[strings.TrimSpace(key)] = value
	}
	return patch, nil
}
