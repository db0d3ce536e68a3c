// Package git inspects the git state of a task work directory so it can be
// recorded before delivery.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotRepository is returned when dir is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// CommandContext is overridable in tests.
var CommandContext = exec.CommandContext

// State is the git state captured in a rollback record.
type State struct {
	Root  string   `json:"root"`
	Head  string   `json:"head,omitempty"`
	Dirty []string `json:"dirty,omitempty"`
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(output), nil
}

// Root returns the top-level directory of the work tree containing dir.
func Root(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotRepository, err)
	}
	return strings.TrimSpace(out), nil
}

// Head returns the commit HEAD points to, or "" in a repository with no
// commits yet.
func Head(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DirtyFiles lists modified, staged and untracked paths relative to the
// repository root. Renames report the new name.
func DirtyFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := run(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		name := line[3:]
		if _, to, ok := strings.Cut(name, " -> "); ok {
			name = to
		}
		files = append(files, strings.Trim(name, `"`))
	}
	return files, nil
}

// Capture records root, HEAD and dirty files for dir. It returns
// ErrNotRepository when dir is not inside a work tree.
func Capture(ctx context.Context, dir string) (*State, error) {
	root, err := Root(ctx, dir)
	if err != nil {
		return nil, err
	}
	head, err := Head(ctx, dir)
	if err != nil {
		return nil, err
	}
	dirty, err := DirtyFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	return &State{Root: root, Head: head, Dirty: dirty}, nil
}
