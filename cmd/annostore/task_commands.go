package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"annostore/internal/task"
)

func newTaskCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and control server-side tasks",
	}
	cmd.AddCommand(newTaskStatusCommand(ctx))
	cmd.AddCommand(newTaskWaitCommand(ctx))
	cmd.AddCommand(newTaskCancelCommand(ctx))
	cmd.AddCommand(newTaskReleaseCommand(ctx))
	return cmd
}

func newTaskStatusCommand(ctx *commandContext) *cobra.Command {
	var withLog bool
	cmd := &cobra.Command{
		Use:   "status <id>...",
		Short: "Show the current status of tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := make([]task.Status, 0, len(args))
			for _, id := range args {
				h, err := ctx.handle(id)
				if err != nil {
					return err
				}
				opts := task.DefaultStatusOptions()
				opts.Log = withLog
				st, err := h.Status(cmd.Context(), opts)
				if err != nil {
					return fmt.Errorf("task %s: %w", id, err)
				}
				statuses = append(statuses, st)
			}
			return printStatuses(cmd, ctx, statuses, withLog)
		},
	}
	cmd.Flags().BoolVar(&withLog, "log", false, "Include the task log")
	return cmd
}

func newTaskWaitCommand(ctx *commandContext) *cobra.Command {
	var (
		maxSeconds int
		release    bool
	)
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Poll a task until it finishes or the time budget runs out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.handle(args[0])
			if err != nil {
				return err
			}
			st, err := h.WaitFor(cmd.Context(), maxSeconds)
			if err != nil {
				return fmt.Errorf("task %s: %w", args[0], err)
			}
			if release && !st.Running {
				if err := h.Release(cmd.Context()); err != nil {
					return fmt.Errorf("release task %s: %w", args[0], err)
				}
			}
			if err := printStatuses(cmd, ctx, []task.Status{st}, false); err != nil {
				return err
			}
			if st.Running {
				return fmt.Errorf("task %s still running after %ds", args[0], maxSeconds)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxSeconds, "max", 0, "Maximum seconds to wait (0 waits until the task finishes)")
	cmd.Flags().BoolVar(&release, "release", false, "Release the task once it has finished")
	return cmd
}

func newTaskCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Ask the server to stop a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.handle(args[0])
			if err != nil {
				return err
			}
			if err := h.Cancel(cmd.Context()); err != nil {
				return fmt.Errorf("cancel task %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for task %s\n", args[0])
			return nil
		},
	}
}

func newTaskReleaseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Free a finished or cancelled task on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.handle(args[0])
			if err != nil {
				return err
			}
			if err := h.Release(cmd.Context()); err != nil {
				return fmt.Errorf("release task %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released task %s\n", args[0])
			return nil
		},
	}
}

func printStatuses(cmd *cobra.Command, ctx *commandContext, statuses []task.Status, withLog bool) error {
	if ctx.jsonOutput {
		return writeJSON(cmd, statuses)
	}
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, []string{
			string(st.TaskID),
			st.Name,
			yesNo(st.Running),
			strconv.Itoa(st.PercentComplete) + "%",
			st.Message,
			st.ResultURL,
		})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderTable(
		[]string{"Task", "Name", "Running", "Done", "Status", "Result"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	))
	if withLog {
		for _, st := range statuses {
			if len(st.Log) == 0 {
				continue
			}
			fmt.Fprintf(out, "\nLog for task %s:\n%s\n", st.TaskID, strings.Join(st.Log, "\n"))
		}
	}
	return nil
}
