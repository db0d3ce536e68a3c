package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultWorkspace is the state directory created by `j5a init`.
const DefaultWorkspace = ".j5a"

// Workspace subdirectories created by init.
var workspaceDirs = []string{"logs", "results", "rollback", "cancel", "metrics", "inbox"}

// gitignoreEntries keep machine-local state out of version control.
func gitignoreEntries(workspace string) []string {
	base := filepath.ToSlash(filepath.Clean(workspace))
	return []string{base + "/run.lock", base + "/logs/"}
}

// PrerequisiteError represents a failed prerequisite check with helpful remediation info.
type PrerequisiteError struct {
	Check   string
	Message string
	Help    string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("%s: %s\n\n%s", e.Check, e.Message, e.Help)
}

// IsInitialized reports whether dir is an initialized workspace.
func IsInitialized(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// RequireInitialized returns an error if the workspace does not exist.
func RequireInitialized(dir string) error {
	if !IsInitialized(dir) {
		return &PrerequisiteError{
			Check:   "Workspace",
			Message: dir + " not found",
			Help:    "Run 'j5a init' first.",
		}
	}
	return nil
}

func addToGitignore(entries []string) error {
	existing, err := readLines(".gitignore")
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, line := range existing {
		have[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, e := range entries {
		if !have[e] {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	f, err := os.OpenFile(".gitignore", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(existing) > 0 && !endsWithNewline(".gitignore") {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(strings.Join(missing, "\n") + "\n")
	return err
}

func removeFromGitignore(entries []string) error {
	lines, err := readLines(".gitignore")
	if err != nil || lines == nil {
		return err
	}
	drop := make(map[string]bool, len(entries))
	for _, e := range entries {
		drop[e] = true
	}

	var kept []string
	for _, line := range lines {
		if !drop[strings.TrimSpace(line)] {
			kept = append(kept, line)
		}
	}
	if len(kept) == len(lines) {
		return nil
	}
	if len(kept) == 0 {
		return os.Remove(".gitignore")
	}
	return os.WriteFile(".gitignore", []byte(strings.Join(kept, "\n")+"\n"), 0644)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func endsWithNewline(path string) bool {
	data, err := os.ReadFile(path)
	return err == nil && len(data) > 0 && data[len(data)-1] == '\n'
}
