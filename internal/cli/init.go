package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/j5a-ops/j5a/internal/config"
)

// exampleRules seeds rules.yaml so operators see the catalog format.
const exampleRules = `# Methodology rules per task domain.
# domains:
#   audio_processing:
#     forbidden_patterns:
#       - name: sleep-based polling
#         regex: 'time\.sleep\(\d+\)'
#     approved_architectures: [whisper-batch]
#     require_approved: true
domains: {}
`

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a j5a workspace in the current directory",
		Long:  "Creates the workspace directory with a default config.yaml and an empty rules catalog.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, opts.workspace)
		},
	}
}

func runInit(cmd *cobra.Command, workspace string) error {
	if IsInitialized(workspace) {
		return fmt.Errorf("j5a is already initialized in %s", workspace)
	}

	dirs := []string{workspace}
	for _, d := range workspaceDirs {
		dirs = append(dirs, filepath.Join(workspace, d))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if _, err := config.WriteDefault(workspace); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(workspace, "rules.yaml"), []byte(exampleRules), 0644); err != nil {
		return fmt.Errorf("failed to write rules catalog: %w", err)
	}
	if err := addToGitignore(gitignoreEntries(workspace)); err != nil {
		return fmt.Errorf("failed to update .gitignore: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Initialized j5a in", workspace)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Set delegates.default in", filepath.Join(workspace, config.FileName))
	fmt.Fprintln(out, "  2. Run: j5a enqueue <tasks.jsonl>")
	fmt.Fprintln(out, "  3. Run: j5a run-all, or j5a watch to run nightly")
	return nil
}
