package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// appVersion is reported as the tracing service version.
	appVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	appVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pilot",
		Short: "Pilot - server provisioning and package lifecycle over SSH",
		Long: `Pilot provisions fresh servers over SSH and manages the software installed
on them: language runtimes, databases, firewall rules, queue workers,
recurring tasks, the reverse proxy and git-deployed sites.

Every installable unit moves through one state machine, work on a host is
serialized by overlap locks, and progress streams to clients as milestones.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
			}
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newHostCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newBootstrapCommand())
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
