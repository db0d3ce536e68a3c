package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/j5a-ops/j5a/internal/version"
)

type rootOptions struct {
	workspace string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "j5a",
		Short: "Overnight task scheduler with quality gates",
		Long: `j5a runs queued batch tasks one at a time while the machine is idle.
Each task must pass resource, proof-of-concept, methodology and delivery
gates before it runs, and its outputs are validated before it counts as done.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.workspace, "workspace", "w", DefaultWorkspace, "Workspace state directory")

	cmd.AddCommand(
		newInitCmd(opts),
		newDeinitCmd(opts),
		newEnqueueCmd(opts, "enqueue"),
		newEnqueueCmd(opts, "resubmit"),
		newRunNextCmd(opts),
		newRunAllCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newReportCmd(opts),
		newMonitorCmd(opts),
		newWatchCmd(opts),
		newRollbackCmd(opts),
	)
	return cmd
}

// Execute runs the root command. Use ExitCode to turn the error into a
// process exit status.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
