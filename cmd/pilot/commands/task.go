package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Run, pause and inspect recurring tasks",
		Long: `Recurring tasks are resources of kind recurring_task. While active they run
on their cron schedule inside pilot serve; paused tasks keep their history
but do not fire.`,
	}
	cmd.AddCommand(
		newTaskRunCommand(),
		newTaskToggleCommand("pause", "Stop a task from firing"),
		newTaskToggleCommand("resume", "Let a paused task fire again"),
		newTaskRunsCommand(),
	)
	return cmd
}

func newTaskRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task-id>",
		Short: "Run a task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			run, err := a.dispatcher.RunTask(ctx, cliActor(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), run)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s exited %s after %dms\n", run.ID, exitCode(run.ExitCode), run.DurationMs)
			if run.Output != "" {
				fmt.Fprintln(out, run.Output)
			}
			if run.ErrorOutput != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), run.ErrorOutput)
			}
			if !run.Successful() {
				return fmt.Errorf("task %s failed", args[0])
			}
			return nil
		},
	}
}

func newTaskToggleCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			var res *engine.Resource
			if action == "pause" {
				res, err = a.dispatcher.PauseTask(ctx, cliActor(), args[0])
			} else {
				res, err = a.dispatcher.ResumeTask(ctx, cliActor(), args[0])
			}
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res, fmt.Sprintf("task %s is %s", res.ID, res.Status))
		},
	}
}

func newTaskRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show the run history of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			runs, err := a.store.ListTaskRuns(ctx, args[0], limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				started := r.StartedAt
				rows = append(rows, []string{r.ID, formatTime(&started), exitCode(r.ExitCode), strconv.FormatInt(r.DurationMs, 10) + "ms"})
			}
			return printTable(cmd.OutOrStdout(), runs, []string{"ID", "STARTED", "EXIT", "DURATION"}, rows)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func exitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}
