package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/j5a-ops/j5a/internal/executor"
	"github.com/j5a-ops/j5a/internal/report"
)

type runOptions struct {
	stream bool
}

func (o *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&o.stream, "stream", "s", false, "Stream delegate output above the status line")
}

func newRunNextCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run-next",
		Short: "Run the next eligible task",
		Long:  "Picks the highest-priority task the machine can take right now and drives it through the gates, the delegate and validation.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNext(cmd, opts.workspace, ro)
		},
	}
	ro.bind(cmd)
	return cmd
}

func newRunAllCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run every eligible task once, in priority order",
		Long:  "Runs eligible tasks one at a time until none is left. A deferred task waits for the next run.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAll(cmd, opts.workspace, ro)
		},
	}
	ro.bind(cmd)
	return cmd
}

func runNext(cmd *cobra.Command, workspace string, ro *runOptions) error {
	a, err := openApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.newRunner(cmd.OutOrStdout(), ro.stream)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r.display.Start()
	res, err := r.exec.RunNext(ctx)
	r.display.Stop()
	a.flushMetrics()
	if err != nil {
		return lockedError(err)
	}

	out := cmd.OutOrStdout()
	if res == nil {
		fmt.Fprintln(out, "No eligible tasks.")
		return nil
	}
	fmt.Fprint(out, report.RenderResult(res))
	return summaryExit(executor.SummaryOf(res.RunID, []*executor.ExecutionResult{res}, res.Duration))
}

func runAll(cmd *cobra.Command, workspace string, ro *runOptions) error {
	a, err := openApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	summary, err := a.runAll(ctx, cmd, ro.stream)
	if err != nil {
		return err
	}
	return summaryExit(summary)
}

// runAll runs the queue and prints the summary plus suggestions for the run.
func (a *app) runAll(ctx context.Context, cmd *cobra.Command, stream bool) (executor.Summary, error) {
	r, err := a.newRunner(cmd.OutOrStdout(), stream)
	if err != nil {
		return executor.Summary{}, err
	}
	defer r.Close()

	r.display.Start()
	summary, err := r.exec.RunAll(ctx)
	r.display.Stop()
	a.flushMetrics()
	if err != nil {
		return summary, lockedError(err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, report.RenderSummary(summary))
	suggestions, err := report.NewAnalyzer(a.progress.Path(), summary.RunID).Analyze()
	if err != nil {
		a.logger.Warn("failed to analyze run", "error", err)
	} else if len(suggestions) > 0 {
		fmt.Fprint(out, "\n"+report.FormatSuggestions(suggestions))
	}
	return summary, nil
}
