package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/j5a-ops/j5a/internal/queue"
	"github.com/j5a-ops/j5a/internal/rollback"
)

func newRollbackCmd(opts *rootOptions) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Restore a task's outputs to how they were before delivery",
		Long: `Puts back the outputs saved when the task passed its delivery gate and
removes outputs that did not exist then. The git state in the record is shown
but not changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(cmd, opts.workspace, args[0], runID)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Restore the record of this run instead of the latest")
	return cmd
}

func runRollback(cmd *cobra.Command, workspace, id, runID string) error {
	a, err := openApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	if locked, err := queue.NewRunLock(workspace).IsLocked(); err != nil {
		return err
	} else if locked {
		return lockedError(queue.ErrLocked)
	}

	var rec *rollback.Record
	if runID != "" {
		rec, err = a.recorder.ForRun(id, runID)
	} else {
		rec, err = a.recorder.Latest(id)
	}
	if err != nil {
		return err
	}

	res, err := a.recorder.Restore(rec)
	if err != nil {
		return err
	}
	a.logger.Info("rollback restored", "task", id, "run", rec.RunID,
		"restored", len(res.Restored), "removed", len(res.Removed))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rolled back %s to before run %s (%s)\n", id, rec.RunID, rec.CreatedAt.Format("2006-01-02 15:04"))
	for _, p := range res.Restored {
		fmt.Fprintf(out, "  restored %s\n", p)
	}
	for _, p := range res.Removed {
		fmt.Fprintf(out, "  removed  %s\n", p)
	}
	if rec.Git != nil {
		head := rec.Git.Head
		if head == "" {
			head = "(no commits)"
		}
		fmt.Fprintf(out, "Repository %s was at %s with %d dirty files; git state was not changed.\n",
			rec.Git.Root, head, len(rec.Git.Dirty))
	}
	return nil
}
