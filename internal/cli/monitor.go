package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/j5a-ops/j5a/internal/report"
)

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Show current resource usage against the limits",
		Long:  "Takes a fresh resource reading and says whether a task could be admitted now. Exits 3 when it could not.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, opts.workspace, interval)
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "Keep reading at this interval until interrupted")
	return cmd
}

func runMonitor(cmd *cobra.Command, workspace string, interval time.Duration) error {
	a, err := openApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	monitor := a.monitor()
	out := cmd.OutOrStdout()
	check := func(ctx context.Context) bool {
		c := monitor.Check(ctx, a.cfg.Limits)
		if c.Err == nil {
			a.metrics.ObserveSnapshot(c.Snapshot)
		}
		a.flushMetrics()
		fmt.Fprint(out, report.RenderCheck(c, a.cfg.Limits))
		return c.Safe
	}

	safe := check(ctx)
	if interval <= 0 {
		if !safe {
			return &ExitError{Code: ExitIncomplete}
		}
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Fprintln(out)
			check(ctx)
		}
	}
}
