package executor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/j5a-ops/j5a/internal/ids"
)

// CancelDirName holds one marker file per task an operator wants cancelled.
const CancelDirName = "cancel"

// ErrCancelled is returned by cancellation checks when an operator asked for
// the task to stop.
var ErrCancelled = errors.New("cancelled by operator")

// CancelMarkers lets another process cancel a task by touching a file. The
// executor only looks at markers between gates and stages.
type CancelMarkers struct {
	dir string
}

// NewCancelMarkers uses <workspace>/cancel.
func NewCancelMarkers(workspace string) *CancelMarkers {
	return &CancelMarkers{dir: filepath.Join(workspace, CancelDirName)}
}

func (c *CancelMarkers) path(taskID string) string {
	return filepath.Join(c.dir, ids.SafeName(taskID))
}

// Request records a cancellation for taskID.
func (c *CancelMarkers) Request(taskID string) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("failed to create cancel directory: %w", err)
	}
	return os.WriteFile(c.path(taskID), []byte(taskID+"\n"), 0644)
}

// Requested reports whether a cancellation is pending for taskID.
func (c *CancelMarkers) Requested(taskID string) bool {
	if c == nil {
		return false
	}
	_, err := os.Stat(c.path(taskID))
	return err == nil
}

// Clear removes the marker for taskID.
func (c *CancelMarkers) Clear(taskID string) error {
	if c == nil {
		return nil
	}
	err := os.Remove(c.path(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
