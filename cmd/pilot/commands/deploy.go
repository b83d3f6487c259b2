package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newDeployCommand() *cobra.Command {
	var branch, commit string

	cmd := &cobra.Command{
		Use:   "deploy <site-id>",
		Short: "Deploy a site from git",
		Long: `Fetch the site's repository into a new release directory, run its build
script and switch the live symlink to the new release. The previous release
stays live if any step fails.

Pushes to the site's branch deploy automatically when the site enables
auto_deploy and its repository posts to /webhooks/sites/<site-id>.`,
		Example: `  # Deploy the head of the site's branch
  pilot deploy 5f0c6a1e-...

  # Pin a commit
  pilot deploy 5f0c6a1e-... --commit 89abcdef`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			deployment, err := a.dispatcher.EnqueueDeployment(ctx, cliActor(), engine.DeployRequest{
				SiteID:  args[0],
				Trigger: engine.TriggerManual,
				Branch:  branch,
				Commit:  commit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), deployment)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "deployment %s of %s@%s: %s (%dms)\n",
				deployment.ID, deployment.Branch, orDash(deployment.CommitSHA), deployment.Status, deployment.DurationMs)
			if deployment.Status == engine.DeploymentFailed {
				if deployment.ErrorOutput != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), deployment.ErrorOutput)
				}
				return fmt.Errorf("deployment %s failed", deployment.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "branch to deploy (defaults to the site's branch)")
	cmd.Flags().StringVar(&commit, "commit", "", "commit to pin")
	cmd.AddCommand(newDeployListCommand())
	return cmd
}

func newDeployListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list <site-id>",
		Short: "Show the deployments of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			site, err := a.store.GetResource(ctx, args[0])
			if err != nil {
				return err
			}
			deployments, err := a.store.ListDeployments(ctx, site.ID, limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(deployments))
			for _, d := range deployments {
				id := d.ID
				if id == site.ActiveDeploymentID {
					id += " *"
				}
				created := d.CreatedAt
				rows = append(rows, []string{
					id, string(d.Trigger), d.Branch, orDash(shortSHA(d.CommitSHA)), string(d.Status),
					formatTime(&created), strconv.FormatInt(d.DurationMs, 10) + "ms",
				})
			}
			return printTable(cmd.OutOrStdout(), deployments,
				[]string{"ID", "TRIGGER", "BRANCH", "COMMIT", "STATUS", "CREATED", "DURATION"}, rows)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of deployments to show")
	return cmd
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
