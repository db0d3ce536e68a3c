package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/j5a-ops/j5a/internal/nightly"
	"github.com/j5a-ops/j5a/internal/source"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	var now bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Queue inbox files as they arrive and run the queue on schedule",
		Long: `Watches the workspace inbox for *.jsonl files and queues their tasks.
The queue runs on the schedule.cron setting (23:00 every night by default).
Runs never overlap.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts.workspace, ro, now)
		},
	}
	ro.bind(cmd)
	cmd.Flags().BoolVar(&now, "now", false, "Also start a run immediately")
	return cmd
}

func runWatch(cmd *cobra.Command, workspace string, ro *runOptions, now bool) error {
	a, err := openApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	inbox, err := source.NewInboxWatcher(filepath.Join(workspace, source.InboxDirName), source.WithInboxLogger(a.logger))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	// mu serializes queue access between inbox batches and scheduled runs.
	var mu sync.Mutex
	ingest := func(b source.Batch) {
		if err := a.reloadQueue(); err != nil {
			a.logger.Error("failed to reload queue", "error", err)
			return
		}
		res, err := source.IngestBatch(b, a.queue, a.progress, a.logger)
		if err != nil {
			a.logger.Error("failed to ingest inbox batch", "source", b.Source, "error", err)
		}
		printIngest(out, res)
	}

	job := func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()

		if b, err := inbox.Fetch(ctx); err != nil {
			a.logger.Warn("inbox scan before run failed", "error", err)
		} else if !b.Empty() {
			ingest(b)
		}
		if err := a.reloadQueue(); err != nil {
			return err
		}
		_, err := a.runAll(ctx, cmd, ro.stream)
		return err
	}

	sched, err := nightly.New(a.cfg.Schedule.Cron, job, nightly.WithLogger(a.logger))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// A watcher failure cancels gctx, which also cancels an in-flight run.
	g, gctx := errgroup.WithContext(ctx)
	sched.Start(gctx)
	if now {
		sched.RunNow()
	}

	next := sched.Next(time.Now())
	fmt.Fprintf(out, "Watching %s. Next run %s (%s).\n", inbox.Dir(), humanize.Time(next), next.Format("Mon 15:04"))

	g.Go(func() error {
		return inbox.Watch(gctx, func(ctx context.Context, b source.Batch) {
			mu.Lock()
			defer mu.Unlock()
			ingest(b)
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	return g.Wait()
}
