package commands

import (
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
	}
	cmd.AddCommand(newPolicyListCommand())
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and loaded policies",
		Long: `List the rego policies consulted before work is queued: the built-in
host readiness, resource quota and ownership rules plus every policy file
found in policy.dir. Policies are listed even while policy.enabled is off.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			limits := make(map[engine.Kind]int, len(cfg.Policy.Limits))
			for kind, n := range cfg.Policy.Limits {
				limits[engine.Kind(kind)] = n
			}
			eng, err := policy.NewEngine(log.Logger, policy.Options{Limits: limits, Admins: cfg.Policy.Admins})
			if err != nil {
				return err
			}
			if cfg.Policy.Dir != "" {
				if err := eng.LoadPolicies(cmd.Context(), []string{cfg.Policy.Dir}); err != nil {
					return err
				}
			}

			policies := eng.ListPolicies()
			rows := make([][]string, 0, len(policies))
			for _, p := range policies {
				source := "builtin"
				if !p.Builtin {
					source = orDash(p.Source)
				}
				rows = append(rows, []string{p.Name, string(p.Severity), strconv.FormatBool(p.Enabled), source, p.Description})
			}
			return printTable(cmd.OutOrStdout(), policies, []string{"NAME", "SEVERITY", "ENABLED", "SOURCE", "DESCRIPTION"}, rows)
		},
	}
}
