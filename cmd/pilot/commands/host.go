package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newHostCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Register and inspect hosts",
	}
	cmd.AddCommand(newHostAddCommand(), newHostListCommand(), newHostShowCommand(),
		newHostLabelCommand(), newHostTokenCommand())
	return cmd
}

func newHostAddCommand() *cobra.Command {
	var (
		name   string
		port   int
		user   string
		labels []string
	)

	cmd := &cobra.Command{
		Use:   "add <address>",
		Short: "Register a host",
		Long: `Register a host by address. Bootstrap connects as the bootstrap user (root
unless --user is given), which must already accept the pilot public key.`,
		Example: `  pilot host add 203.0.113.10 --name web-1 --label env=prod --label role=web`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseLabels(labels)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			host := &engine.Host{
				Name:          name,
				Address:       args[0],
				Port:          port,
				BootstrapUser: user,
				Labels:        parsed,
			}
			if err := a.hosts.AddHost(ctx, host); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), host, fmt.Sprintf("host %s registered as %s", host.Address, host.ID))
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the address)")
	cmd.Flags().IntVar(&port, "port", 22, "SSH port")
	cmd.Flags().StringVar(&user, "user", "root", "bootstrap user")
	cmd.Flags().StringArrayVarP(&labels, "label", "l", nil, "label as key=value (repeatable)")
	return cmd
}

func newHostListCommand() *cobra.Command {
	var selector string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List hosts and their bootstrap phase",
		Example: `  pilot host list --selector env=prod,role=web`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			hosts, err := a.hosts.SelectHosts(ctx, selector)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(hosts))
			for _, h := range hosts {
				phase := string(engine.PhasePending)
				if state, err := a.store.GetBootstrapState(ctx, h.ID); err == nil {
					phase = string(state.Phase)
				}
				rows = append(rows, []string{h.ID, h.Name, h.Address + ":" + strconv.Itoa(h.Port), phase, formatLabels(h.Labels)})
			}
			return printTable(cmd.OutOrStdout(), hosts, []string{"ID", "NAME", "ADDRESS", "BOOTSTRAP", "LABELS"}, rows)
		},
	}

	cmd.Flags().StringVarP(&selector, "selector", "s", "", "label selector (key=value,...)")
	return cmd
}

func newHostShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <host>",
		Short: "Show a host with its bootstrap steps",
		Args:  cobra.ExactArgs(1),
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
			state, err := a.store.GetBootstrapState(ctx, host.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"host": host, "bootstrap": state})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)  %s@%s:%d\n", host.Name, host.ID, host.LoginUser(), host.Address, host.Port)
			if host.OS != "" {
				fmt.Fprintf(out, "os: %s %s\n", host.OS, host.Architecture)
			}
			fmt.Fprintf(out, "bootstrap: %s\n", state.Phase)
			rows := make([][]string, 0, len(engine.BootstrapSteps))
			for _, step := range engine.BootstrapSteps {
				rows = append(rows, []string{strconv.Itoa(step.Number), step.Title, string(state.Step(step.Number))})
			}
			if err := printTable(out, nil, []string{"STEP", "NAME", "STATE"}, rows); err != nil {
				return err
			}
			if state.ErrorLog != "" {
				fmt.Fprintf(out, "\nlast error:\n%s\n", state.ErrorLog)
			}
			return nil
		},
	}
}

func newHostLabelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "label <host> <key=value|key->...",
		Short: "Set or remove host labels",
		Long: `Set labels with key=value and remove them with a trailing dash. Labels not
named keep their values.`,
		Example: `  pilot host label web-1 env=prod role=web
  pilot host label web-1 role-`,
		Args: cobra.MinimumNArgs(2),
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
			labels, err := mergeLabels(host.Labels, args[1:])
			if err != nil {
				return err
			}
			updated, err := a.hosts.SetLabels(ctx, host.ID, labels)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), updated, fmt.Sprintf("%s labels: %s", updated.Name, formatLabels(updated.Labels)))
		},
	}
}

func newHostTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <host>",
		Short: "Issue a metrics ingestion token for a host",
		Long: `Issue the bearer token a host's collector uses to push usage samples.
Bootstrap installs one automatically; use this to rotate it by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if a.tokens == nil {
				return errors.New("metrics ingestion is disabled: set ingest.jwt_secret or PILOT_JWT_SECRET")
			}
			host, err := resolveHost(ctx, a, args[0])
			if err != nil {
				return err
			}
			token, err := a.tokens.IssueHostToken(host.ID)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), map[string]string{"host_id": host.ID, "token": token}, token)
		},
	}
}

// resolveHost accepts a host ID, address or name.
func resolveHost(ctx context.Context, a *app, ref string) (*engine.Host, error) {
	host, err := a.hosts.GetHost(ctx, ref)
	if err == nil {
		return host, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return nil, err
	}
	if host, err := a.hosts.GetHostByAddress(ctx, ref); err == nil {
		return host, nil
	}

	hosts, err := a.hosts.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if h.Name == ref {
			return h, nil
		}
	}
	return nil, fmt.Errorf("host %q: %w", ref, engine.ErrNotFound)
}

func parseLabels(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q, expected key=value", pair)
		}
		labels[k] = v
	}
	return labels, nil
}

// mergeLabels applies key=value and key- edits to a copy of current.
func mergeLabels(current map[string]string, edits []string) (map[string]string, error) {
	merged := make(map[string]string, len(current)+len(edits))
	for k, v := range current {
		merged[k] = v
	}
	for _, edit := range edits {
		if key, ok := strings.CutSuffix(edit, "-"); ok && !strings.Contains(edit, "=") {
			if key == "" {
				return nil, fmt.Errorf("invalid label edit %q", edit)
			}
			delete(merged, key)
			continue
		}
		set, err := parseLabels([]string{edit})
		if err != nil {
			return nil, err
		}
		for k, v := range set {
			merged[k] = v
		}
	}
	return merged, nil
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "-"
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
