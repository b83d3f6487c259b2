package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"res"},
		Short:   "Create, install and uninstall resources on a host",
		Long: `Resources are the installable units of a host: runtime, database,
firewall_rule, worker, recurring_task, proxy and site. Each moves through
pending, installing, active, uninstalling and uninstalled, or failed.

Jobs started from the command line run in this process and print their
milestones when they finish.`,
	}
	cmd.AddCommand(
		newResourceAddCommand(),
		newResourceListCommand(),
		newResourceShowCommand(),
		newResourceOpCommand(engine.OperationInstall),
		newResourceOpCommand(engine.OperationUninstall),
	)
	return cmd
}

func newResourceAddCommand() *cobra.Command {
	var (
		hostRef string
		kind    string
		sets    []string
		strs    []string
		file    string
		install bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a resource, optionally installing it",
		Example: `  # Open a port range
  pilot resource add --host web-1 --kind firewall_rule --set-string port=443 --install

  # A queue worker with typed fields
  pilot resource add --host web-1 --kind worker --set-string name=mailer --set processes=2

  # A recurring task from a YAML payload
  pilot resource add --host web-1 --kind recurring_task -f backup.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := resourceConfig(file, sets, strs)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			host, err := resolveHost(ctx, a, hostRef)
			if err != nil {
				return err
			}

			var res *engine.Resource
			if install {
				res, err = a.dispatcher.CreateAndInstall(ctx, cliActor(), host.ID, engine.Kind(kind), config)
			} else {
				res, err = a.dispatcher.CreateResource(ctx, cliActor(), host.ID, engine.Kind(kind), config)
			}
			if res == nil {
				return err
			}
			return reportResource(ctx, cmd.OutOrStdout(), a, res, install, err)
		},
	}

	cmd.Flags().StringVar(&hostRef, "host", "", "host ID, address or name")
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "resource kind")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "config field as key=value, value parsed as a YAML scalar (repeatable)")
	cmd.Flags().StringArrayVar(&strs, "set-string", nil, "config field as key=value, value kept as a string (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON config payload")
	cmd.Flags().BoolVar(&install, "install", false, "install right after creating")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func newResourceOpCommand(op engine.Operation) *cobra.Command {
	var hostRef string

	return &cobra.Command{
		Use:   string(op) + " <resource-id>",
		Short: strings.ToUpper(string(op[:1])) + string(op[1:]) + " a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			res, err := a.store.GetResource(ctx, args[0])
			if err != nil {
				return err
			}
			if hostRef != "" {
				host, err := resolveHost(ctx, a, hostRef)
				if err != nil {
					return err
				}
				if host.ID != res.HostID {
					return fmt.Errorf("resource %s is not on host %s: %w", res.ID, hostRef, engine.ErrNotFound)
				}
			}

			if op == engine.OperationInstall {
				res, err = a.dispatcher.EnqueueInstall(ctx, cliActor(), res.HostID, res.ID)
			} else {
				res, err = a.dispatcher.EnqueueUninstall(ctx, cliActor(), res.HostID, res.ID)
			}
			if res == nil {
				return err
			}
			return reportResource(ctx, cmd.OutOrStdout(), a, res, true, err)
		},
	}
}

func newResourceListCommand() *cobra.Command {
	var (
		hostRef string
		kind    string
		status  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			filter := engine.ResourceFilter{Kind: engine.Kind(kind), Status: engine.ResourceStatus(status)}
			if hostRef != "" {
				host, err := resolveHost(ctx, a, hostRef)
				if err != nil {
					return err
				}
				filter.HostID = host.ID
			}
			resources, err := a.store.ListResources(ctx, filter)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(resources))
			for _, r := range resources {
				rows = append(rows, []string{r.ID, r.HostID, string(r.Kind), r.Key, string(r.Status), formatTime(r.InstalledAt)})
			}
			return printTable(cmd.OutOrStdout(), resources, []string{"ID", "HOST", "KIND", "KEY", "STATUS", "INSTALLED"}, rows)
		},
	}

	cmd.Flags().StringVar(&hostRef, "host", "", "only resources on this host")
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "only this kind")
	cmd.Flags().StringVar(&status, "status", "", "only this status")
	return cmd
}

func newResourceShowCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show <resource-id>",
		Short: "Show a resource and its recent milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			res, err := a.store.GetResource(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := a.store.ListEvents(ctx, engine.EventFilter{ResourceID: res.ID, Limit: limit})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"resource": res, "events": events})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s (%s) on %s: %s\n", res.Kind, res.Key, res.ID, res.HostID, res.Status)
			if res.ErrorLog != "" {
				fmt.Fprintf(out, "error:\n%s\n", res.ErrorLog)
			}
			return printEvents(out, events)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of milestones to show")
	return cmd
}

// reportResource prints the outcome of an inline job with the milestones of
// its last run.
func reportResource(ctx context.Context, w io.Writer, a *app, res *engine.Resource, ran bool, jobErr error) error {
	var events []*engine.OperationEvent
	if ran {
		all, err := a.store.ListEvents(ctx, engine.EventFilter{ResourceID: res.ID, Limit: 50})
		if err != nil {
			return err
		}
		events = lastRun(all)
	}

	if jsonOutput {
		if err := printJSON(w, map[string]any{"resource": res, "events": events}); err != nil {
			return err
		}
		return jobErr
	}
	fmt.Fprintf(w, "%s %s (%s): %s\n", res.Kind, res.Key, res.ID, res.Status)
	if err := printEvents(w, events); err != nil {
		return err
	}
	return jobErr
}

func lastRun(events []*engine.OperationEvent) []*engine.OperationEvent {
	if len(events) == 0 {
		return nil
	}
	runID := events[len(events)-1].RunID
	start := len(events) - 1
	for start > 0 && events[start-1].RunID == runID {
		start--
	}
	return events[start:]
}

func printEvents(w io.Writer, events []*engine.OperationEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		detail := e.Details
		if e.ErrorLog != "" {
			detail = firstLine(e.ErrorLog)
		}
		rows = append(rows, []string{
			e.CreatedAt.Local().Format("15:04:05"),
			string(e.Operation),
			fmt.Sprintf("%d/%d", e.CurrentStep, e.TotalSteps),
			e.Milestone,
			string(e.Status),
			orDash(detail),
		})
	}
	return printTable(w, nil, []string{"TIME", "OP", "STEP", "MILESTONE", "STATUS", "DETAILS"}, rows)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// resourceConfig merges a payload file with --set and --set-string
// overrides. --set values are YAML scalars, so processes=2 is a number and
// auto_deploy=true a boolean.
func resourceConfig(file string, sets, strs []string) (map[string]any, error) {
	config := map[string]any{}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config payload: %w", err)
		}
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config payload %s: %w", file, err)
		}
	}
	for _, pair := range sets {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(v), &value); err != nil || value == nil {
			value = v
		}
		config[k] = value
	}
	for _, pair := range strs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set-string %q, expected key=value", pair)
		}
		config[k] = v
	}
	return config, nil
}

func cliActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}
