package commands

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

func newBootstrapCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap <host>",
		Short: "Provision a fresh host",
		Long: `Run the eight bootstrap steps on a host: wait for SSH, prepare the system,
create the pilot user, configure the firewall, install the web server and
toolchain, install the monitoring agent, and mark the host ready.

Completed steps are skipped, so running bootstrap again resumes after the
step that failed. A failure waiting for the connection starts over.`,
		Example: `  pilot bootstrap web-1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			host, err := resolveHost(ctx, a, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var wg sync.WaitGroup
			if !jsonOutput {
				events, unsubscribe := a.telemetry.Hub.Subscribe(host.ID)
				wg.Add(1)
				go func() {
					defer wg.Done()
					followBootstrap(out, events)
				}()
				defer func() {
					unsubscribe()
					wg.Wait()
				}()
			}

			state, err := a.dispatcher.EnqueueBootstrap(ctx, cliActor(), host.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, state)
			}
			if state.Phase == engine.PhaseFailed {
				return fmt.Errorf("bootstrap of %s failed: %s", host.Name, firstLine(state.ErrorLog))
			}
			return nil
		},
	}
	return cmd
}

// followBootstrap prints step updates until the subscription closes.
func followBootstrap(w io.Writer, events <-chan telemetry.Event) {
	for ev := range events {
		update, ok := ev.Data.(*engine.BootstrapUpdate)
		if !ok {
			continue
		}
		line := fmt.Sprintf("[%d/%d] %-28s %s", update.Step, len(engine.BootstrapSteps), update.Name, update.State)
		if update.ErrorLog != "" {
			line += ": " + firstLine(update.ErrorLog)
		}
		fmt.Fprintln(w, line)
	}
}
