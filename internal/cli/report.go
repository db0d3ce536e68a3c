package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/j5a-ops/j5a/internal/executor"
	"github.com/j5a-ops/j5a/internal/report"
)

func newReportCmd(opts *rootOptions) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "report [id]",
		Short: "Show the last run, or the latest result of one task",
		Long:  "Without an id, summarizes the most recent run with suggestions drawn from the progress log. With an id, shows that task's latest execution result.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runTaskReport(cmd, opts.workspace, args[0], history)
			}
			return runRunReport(cmd, opts.workspace)
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Show every recorded attempt of the task")
	return cmd
}

func runTaskReport(cmd *cobra.Command, workspace, id string, history bool) error {
	a, err := openApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	var results []*executor.ExecutionResult
	if history {
		results, err = a.store.List(id)
		if err == nil && len(results) == 0 {
			err = fmt.Errorf("%w for task %s", report.ErrNoResults, id)
		}
	} else {
		var res *executor.ExecutionResult
		res, err = a.store.Latest(id)
		results = append(results, res)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, res := range results {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprint(out, report.RenderResult(res))
	}
	return nil
}

func runRunReport(cmd *cobra.Command, workspace string) error {
	a, err := openApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	runID, elapsed, err := report.LastRun(a.progress.Path())
	if err != nil {
		return err
	}
	if runID == "" {
		fmt.Fprintln(out, "No runs yet.")
		return nil
	}

	results, err := a.store.Run(runID)
	if err != nil {
		return err
	}
	fmt.Fprint(out, report.RenderSummary(executor.SummaryOf(runID, results, elapsed)))

	suggestions, err := report.NewAnalyzer(a.progress.Path(), "").Analyze()
	if err != nil {
		return err
	}
	if len(suggestions) > 0 {
		fmt.Fprint(out, "\n"+report.FormatSuggestions(suggestions))
	}
	return nil
}
