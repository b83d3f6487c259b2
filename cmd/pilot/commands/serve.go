package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator API and job workers",
		Long: `Run the HTTP API, the worker pool and the recurring task clock.

Jobs accepted by the API run on the pool. Recurring tasks that are active
are scheduled at startup. When policy watching is enabled, rego files in the
policy directory are reloaded as they change.`,
		Example: `  # Serve with defaults (127.0.0.1:8420, ./pilot.db)
  pilot serve

  # Serve with a config file on another address
  pilot serve -c /etc/pilot/pilot.yaml --listen 0.0.0.0:8420`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{withPool: true})
			if err != nil {
				return err
			}

			shutdown := a.cfg.Server.ShutdownTimeout
			if shutdown <= 0 {
				shutdown = 15 * time.Second
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdown)
				defer cancel()
				a.tasks.Stop()
				a.Close(closeCtx)
			}()

			a.pool.Start()
			if err := a.tasks.Start(ctx); err != nil {
				return err
			}
			if a.policies != nil && a.cfg.Policy.Watch && a.cfg.Policy.Dir != "" {
				if err := a.policies.Watch(ctx, []string{a.cfg.Policy.Dir}); err != nil {
					return err
				}
			}

			addr := a.cfg.Server.Listen
			if listen != "" {
				addr = listen
			}
			a.logger.Info().
				Str("addr", addr).
				Int("workers", a.cfg.Engine.Workers).
				Str("lock_backend", a.cfg.Lock.Backend).
				Bool("ingest", a.tokens != nil).
				Bool("policy", a.policies != nil).
				Msg("starting pilot server")

			return a.server().ListenAndServe(ctx, addr, a.cfg.Server.ReadTimeout, shutdown)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}
