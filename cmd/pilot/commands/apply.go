package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/config"
	"github.com/stackpilot/stackpilot/pkg/engine"
)

// applyResult is one line of the apply report.
type applyResult struct {
	Target string `json:"target"`
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newApplyCommand() *cobra.Command {
	var (
		sources []string
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Register hosts and resources from CUE manifests",
		Long: `Apply reads CUE manifests declaring hosts and resources, validates every
resource payload against its kind schema and then registers what is missing.

Hosts are matched by address. A resource whose key is already present on
its host is left alone, so applying the same manifest twice is a no-op.
Resources marked install run one after another in this process.`,
		Example: `  # Validate without touching the store
  pilot apply -f ./infra --dry-run

  # Apply two files
  pilot apply -f hosts.cue -f web.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if dryRun {
				manifest, err := config.NewCUEParser(config.NewSchemaRegistry()).Parse(ctx, sources)
				if err != nil {
					return err
				}
				if err := manifest.Err(); err != nil {
					return err
				}
				return printPlan(out, manifest)
			}

			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			manifest, err := config.NewCUEParser(a.schemas).Parse(ctx, sources)
			if err != nil {
				return err
			}
			if err := manifest.Err(); err != nil {
				return err
			}

			var results []applyResult
			hostIDs := make(map[string]string, len(manifest.Hosts))
			for _, mh := range manifest.Hosts {
				result := applyResult{Target: "host/" + mh.Name}
				host, err := a.hosts.GetHostByAddress(ctx, mh.Address)
				switch {
				case err == nil:
					result.Action = "unchanged"
				case errors.Is(err, engine.ErrNotFound):
					host = &engine.Host{
						Name:          mh.Name,
						Address:       mh.Address,
						Port:          mh.Port,
						BootstrapUser: mh.BootstrapUser,
						Labels:        mh.Labels,
					}
					if err := a.hosts.AddHost(ctx, host); err != nil {
						return fmt.Errorf("host %s: %w", mh.Name, err)
					}
					result.Action = "created"
				default:
					return err
				}
				result.ID = host.ID
				hostIDs[mh.Name] = host.ID
				results = append(results, result)
			}

			var failed int
			for _, mr := range manifest.Resources {
				result := applyResult{Target: fmt.Sprintf("%s/%s", mr.Host, mr.Kind)}
				hostID, ok := hostIDs[mr.Host]
				if !ok {
					host, err := resolveHost(ctx, a, mr.Host)
					if err != nil {
						return fmt.Errorf("resource on %s: %w", mr.Host, err)
					}
					hostID = host.ID
				}

				var res *engine.Resource
				if mr.Install {
					res, err = a.dispatcher.CreateAndInstall(ctx, cliActor(), hostID, mr.Kind, mr.Config)
				} else {
					res, err = a.dispatcher.CreateResource(ctx, cliActor(), hostID, mr.Kind, mr.Config)
				}

				var fault *engine.Fault
				switch {
				case errors.As(err, &fault) && fault.Code == engine.ErrCodeAlreadyExists:
					result.Action = "unchanged"
				case err != nil && res == nil:
					return fmt.Errorf("%s: %w", result.Target, err)
				default:
					result.Action = "created"
					result.ID = res.ID
					result.Target = fmt.Sprintf("%s/%s/%s", mr.Host, mr.Kind, res.Key)
					result.Status = string(res.Status)
					if err != nil {
						result.Error = err.Error()
						failed++
					}
				}
				results = append(results, result)
			}

			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{r.Target, r.Action, orDash(r.ID), orDash(r.Status), orDash(firstLine(r.Error))})
			}
			if err := printTable(out, results, []string{"TARGET", "ACTION", "ID", "STATUS", "ERROR"}, rows); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d resource(s) failed to install", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&sources, "file", "f", nil, "manifest file or directory (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and print the manifest only")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printPlan(w io.Writer, manifest *config.Manifest) error {
	rows := make([][]string, 0, len(manifest.Hosts)+len(manifest.Resources))
	for _, h := range manifest.Hosts {
		rows = append(rows, []string{"host", h.Name, h.Address, formatLabels(h.Labels)})
	}
	for _, r := range manifest.Resources {
		install := "-"
		if r.Install {
			install = "install"
		}
		rows = append(rows, []string{"resource", string(r.Kind), r.Host, install})
	}
	return printTable(w, manifest, []string{"TYPE", "NAME", "TARGET", "DETAIL"}, rows)
}
