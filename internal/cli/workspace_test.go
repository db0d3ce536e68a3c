package cli

import (
	"os"
	"testing"

	"github.com/j5a-ops/j5a/internal/testutil"
)

func TestGitignoreEntries(t *testing.T) {
	tests := []struct {
		workspace string
		want      []string
	}{
		{".j5a", []string{".j5a/run.lock", ".j5a/logs/"}},
		{"./state/", []string{"state/run.lock", "state/logs/"}},
	}
	for _, tt := range tests {
		got := gitignoreEntries(tt.workspace)
		if len(got) != 2 || got[0] != tt.want[0] || got[1] != tt.want[1] {
			t.Errorf("gitignoreEntries(%q) = %v, want %v", tt.workspace, got, tt.want)
		}
	}
}

func TestAddToGitignore(t *testing.T) {
	t.Run("appends after content without trailing newline", func(t *testing.T) {
		testutil.SetupTestDir(t)
		if err := os.WriteFile(".gitignore", []byte("bin/"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := addToGitignore([]string{"a", "b"}); err != nil {
			t.Fatal(err)
		}
		if err := addToGitignore([]string{"a"}); err != nil {
			t.Fatal(err)
		}
		content, _ := os.ReadFile(".gitignore")
		if string(content) != "bin/\na\nb\n" {
			t.Errorf(".gitignore = %q", string(content))
		}
	})

	t.Run("remove deletes file left empty", func(t *testing.T) {
		testutil.SetupTestDir(t)
		if err := addToGitignore([]string{"a"}); err != nil {
			t.Fatal(err)
		}
		if err := removeFromGitignore([]string{"a"}); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(".gitignore"); !os.IsNotExist(err) {
			t.Errorf("expected .gitignore to be removed, got %v", err)
		}
	})

	t.Run("remove without gitignore is a no-op", func(t *testing.T) {
		testutil.SetupTestDir(t)
		if err := removeFromGitignore([]string{"a"}); err != nil {
			t.Fatal(err)
		}
	})
}
