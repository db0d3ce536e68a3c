package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/j5a-ops/j5a/internal/queue"
	"github.com/j5a-ops/j5a/internal/source"
)

func newEnqueueCmd(opts *rootOptions, name string) *cobra.Command {
	short := "Add tasks from a JSONL file to the queue"
	long := "Reads one task definition per line. Invalid lines are reported and skipped; the rest are queued."
	if name == "resubmit" {
		short = "Replace blocked or failed tasks with edited definitions"
		long = "Like enqueue, but meant for tasks a human has fixed: a definition whose id matches a blocked or failed task replaces it."
	}
	return &cobra.Command{
		Use:   name + " <file>",
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts.workspace, args[0])
		},
	}
}

func runEnqueue(cmd *cobra.Command, workspace, path string) error {
	a, err := openApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	// A running executor owns queue.json until it exits.
	locked, err := queue.NewRunLock(workspace).IsLocked()
	if err != nil {
		return err
	}
	if locked {
		return &PrerequisiteError{
			Check:   "Run lock",
			Message: "a run is in progress",
			Help:    fmt.Sprintf("Drop the file into %s/%s instead; 'j5a watch' picks it up.", workspace, source.InboxDirName),
		}
	}

	res, err := source.Ingest(cmd.Context(), source.FileSource{Path: path}, a.queue, a.progress, a.logger)
	if err != nil {
		return err
	}
	for _, id := range res.Enqueued {
		if err := a.cancels.Clear(id); err != nil {
			a.logger.Warn("failed to clear cancel marker", "task", id, "error", err)
		}
	}

	printIngest(cmd.OutOrStdout(), res)
	if len(res.Rejected) > 0 {
		return &ExitError{Code: ExitRejected}
	}
	return nil
}

func printIngest(out io.Writer, res source.IngestResult) {
	for _, id := range res.Enqueued {
		fmt.Fprintf(out, "✓ queued %s\n", id)
	}
	for _, rej := range res.Rejected {
		fmt.Fprintf(out, "✗ rejected %s\n", rej.Error())
	}
	fmt.Fprintf(out, "%d queued, %d rejected\n", len(res.Enqueued), len(res.Rejected))
}
