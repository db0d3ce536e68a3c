package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"
)

// setupTestRepo creates a temporary git repository and returns its path.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()

	cmd := exec.Command("git", "init")
	cmd.Dir = tmpDir
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}

	// Configure git user for commits
	cmd = exec.Command("git", "config", "user.email", "test@test.com")
	cmd.Dir = tmpDir
	cmd.Run()

	cmd = exec.Command("git", "config", "user.name", "Test User")
	cmd.Dir = tmpDir
	cmd.Run()

	return tmpDir
}

func commitAll(t *testing.T, dir, message string) {
	t.Helper()
	for _, args := range [][]string{{"add", "-A"}, {"commit", "-m", message}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
}

func TestDirtyFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("lists modified and untracked files", func(t *testing.T) {
		t.Parallel()
		dir := setupTestRepo(t)
		os.WriteFile(filepath.Join(dir, "tracked.txt"), []byte("original"), 0644)
		commitAll(t, dir, "initial")

		os.WriteFile(filepath.Join(dir, "tracked.txt"), []byte("modified"), 0644)
		os.WriteFile(filepath.Join(dir, "new.txt"), []byte("new"), 0644)

		files, err := DirtyFiles(ctx, dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sort.Strings(files)
		if len(files) != 2 || files[0] != "new.txt" || files[1] != "tracked.txt" {
			t.Errorf("expected new.txt and tracked.txt, got %v", files)
		}
	})

	t.Run("clean repository", func(t *testing.T) {
		t.Parallel()
		dir := setupTestRepo(t)
		os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644)
		commitAll(t, dir, "initial")

		files, err := DirtyFiles(ctx, dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(files) != 0 {
			t.Errorf("expected no dirty files, got %v", files)
		}
	})

	t.Run("untracked directories list their files", func(t *testing.T) {
		t.Parallel()
		dir := setupTestRepo(t)
		os.MkdirAll(filepath.Join(dir, "out"), 0755)
		os.WriteFile(filepath.Join(dir, "out", "report.json"), []byte("{}"), 0644)

		files, err := DirtyFiles(ctx, dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(files) != 1 || files[0] != "out/report.json" {
			t.Errorf("expected [out/report.json], got %v", files)
		}
	})

	t.Run("renames report the new name", func(t *testing.T) {
		t.Parallel()
		dir := setupTestRepo(t)
		os.WriteFile(filepath.Join(dir, "old.txt"), []byte("content"), 0644)
		commitAll(t, dir, "initial")

		cmd := exec.Command("git", "mv", "old.txt", "renamed.txt")
		cmd.Dir = dir
		if err := cmd.Run(); err != nil {
			t.Fatalf("git mv failed: %v", err)
		}

		files, err := DirtyFiles(ctx, dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(files) != 1 || files[0] != "renamed.txt" {
			t.Errorf("expected [renamed.txt], got %v", files)
		}
	})
}

func TestCapture(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("repository without commits", func(t *testing.T) {
		t.Parallel()
		dir := setupTestRepo(t)

		state, err := Capture(ctx, dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if state.Head != "" {
			t.Errorf("expected empty head, got %q", state.Head)
		}
	})

	t.Run("records head and dirty files", func(t *testing.T) {
		t.Parallel()
		dir := setupTestRepo(t)
		os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644)
		commitAll(t, dir, "initial")
		os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644)

		state, err := Capture(ctx, dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(state.Head) != 40 {
			t.Errorf("expected a full commit hash, got %q", state.Head)
		}
		if len(state.Dirty) != 1 || state.Dirty[0] != "b.txt" {
			t.Errorf("expected [b.txt], got %v", state.Dirty)
		}
		if state.Root == "" {
			t.Error("expected root to be set")
		}
	})

	t.Run("outside a repository", func(t *testing.T) {
		t.Parallel()
		_, err := Capture(ctx, t.TempDir())
		if !errors.Is(err, ErrNotRepository) {
			t.Errorf("expected ErrNotRepository, got %v", err)
		}
	})
}
