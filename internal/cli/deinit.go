package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/j5a-ops/j5a/internal/queue"
)

func newDeinitCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "deinit",
		Short: "Remove the j5a workspace",
		Long:  "Removes the workspace directory with its queue, results and rollback records. This action cannot be undone.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeinit(cmd, opts.workspace, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")
	return cmd
}

func runDeinit(cmd *cobra.Command, workspace string, force bool) error {
	info, err := os.Stat(workspace)
	if os.IsNotExist(err) {
		return fmt.Errorf("j5a is not initialized in %s", workspace)
	}
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", workspace, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s exists but is not a directory", workspace)
	}

	locked, err := queue.NewRunLock(workspace).IsLocked()
	if err != nil {
		return err
	}
	if locked {
		return lockedError(queue.ErrLocked)
	}

	taskCount, totalSize, err := calculateDirStats(workspace)
	if err != nil {
		return fmt.Errorf("failed to analyze %s: %w", workspace, err)
	}

	out := cmd.OutOrStdout()
	if !force {
		fmt.Fprintf(out, "This will delete %s (%d queued tasks, %s). Continue? [y/N] ", workspace, taskCount, humanize.Bytes(uint64(totalSize)))

		reader := bufio.NewReader(cmd.InOrStdin())
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if err := os.RemoveAll(workspace); err != nil {
		return fmt.Errorf("failed to remove %s: %w", workspace, err)
	}
	if err := removeFromGitignore(gitignoreEntries(workspace)); err != nil {
		return fmt.Errorf("failed to update .gitignore: %w", err)
	}

	fmt.Fprintln(out, "j5a has been removed from", workspace)
	return nil
}

func calculateDirStats(dir string) (taskCount int, totalSize int64, err error) {
	if q, openErr := queue.Open(filepath.Join(dir, queue.FileName)); openErr == nil {
		taskCount = q.Len()
	}

	err = filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	return
}
