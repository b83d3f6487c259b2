package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
		Long: `Apply every pending migration to the store, or roll all of them back with
--down. Other commands migrate automatically; this command exists for
upgrades run ahead of a deploy.`,
		Example: `  # Apply pending migrations
  pilot migrate

  # Drop every table
  pilot migrate --down`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{skipMigrate: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if down {
				err = a.store.MigrateDown(ctx)
			} else {
				err = a.store.Migrate(ctx)
			}
			if err != nil {
				return err
			}

			version, dirty, err := a.store.SchemaVersion()
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), map[string]any{"version": version, "dirty": dirty},
				fmt.Sprintf("schema version %d (dirty: %t)", version, dirty))
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back all migrations")
	return cmd
}
