package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/j5a-ops/j5a/internal/executor"
	"github.com/j5a-ops/j5a/internal/queue"
	"github.com/j5a-ops/j5a/internal/report"
	"github.com/j5a-ops/j5a/internal/task"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the queue",
		Long:  "Lists every queued task in scheduling order. Exits 1 when any task failed and 3 when tasks are blocked or deferred.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts.workspace)
		},
	}
}

func runStatus(cmd *cobra.Command, workspace string) error {
	a, err := openApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if h, _ := queue.NewRunLock(workspace).Holder(); h != nil {
		if h.Since.IsZero() {
			fmt.Fprintf(out, "A run is in progress (PID %d).\n", h.PID)
		} else {
			fmt.Fprintf(out, "A run is in progress (PID %d, started %s).\n", h.PID, humanize.Time(h.Since))
		}
	}
	fmt.Fprint(out, report.RenderQueue(a.queue.List(), time.Now()))

	counts := a.queue.Counts()
	return summaryExit(executor.Summary{
		Failed:   counts[task.StatusFailed],
		Blocked:  counts[task.StatusBlocked],
		Deferred: counts[task.StatusDeferred],
	})
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running task",
		Long:  "A running task stops at its next gate or stage boundary. A waiting task is blocked right away.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd, opts.workspace, args[0])
		},
	}
}

func runCancel(cmd *cobra.Command, workspace, id string) error {
	a, err := openApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.queue.Get(id)
	if errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("task %s is not queued", id)
	}
	if err != nil {
		return err
	}
	if entry.Status.IsTerminal() {
		return fmt.Errorf("task %s already finished as %s", id, entry.Status)
	}

	out := cmd.OutOrStdout()
	locked, err := queue.NewRunLock(workspace).IsLocked()
	if err != nil {
		return err
	}
	if locked {
		if err := a.cancels.Request(id); err != nil {
			return err
		}
		a.logger.Info("cancellation requested", "task", id)
		fmt.Fprintf(out, "Cancellation of %s requested; it stops at the next gate.\n", id)
		return nil
	}

	if _, err := a.queue.Mark(id, task.StatusBlocked, executor.ErrCancelled.Error()); err != nil {
		return err
	}
	a.progress.TaskCancelled(id, string(entry.Status))
	a.logger.Info("task cancelled", "task", id, "class", "cancelled")
	fmt.Fprintf(out, "Cancelled %s.\n", id)
	return nil
}
