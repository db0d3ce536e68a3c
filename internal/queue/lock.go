package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const lockFileName = "run.lock"

// ErrLocked is returned when another live process holds the run lock.
var ErrLocked = errors.New("j5a is already running")

// Holder describes the process holding the run lock.
type Holder struct {
	PID   int
	Since time.Time
}

// RunLock is a PID lock file that keeps two executors from draining the same
// queue. The file holds "<pid> <RFC 3339 start time>".
type RunLock struct {
	path string
	now  func() time.Time
}

// NewRunLock creates a lock manager for the given workspace directory.
func NewRunLock(dir string) *RunLock {
	return &RunLock{path: filepath.Join(dir, lockFileName), now: time.Now}
}

// Acquire takes the lock. Locks left by dead processes or unreadable lock
// files are replaced, once.
func (l *RunLock) Acquire() error {
	for attempt := 0; ; attempt++ {
		err := l.create()
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}
		if attempt > 0 {
			return fmt.Errorf("%w: lock taken by another process during retry", ErrLocked)
		}

		h, err := l.Holder()
		if err != nil {
			return err
		}
		if h != nil {
			return fmt.Errorf("%w (PID %d)", ErrLocked, h.PID)
		}
	}
}

func (l *RunLock) create() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d %s", os.Getpid(), l.now().UTC().Format(time.RFC3339))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", werr)
	}
	return nil
}

// Holder returns the live process holding the lock, or nil when the lock is
// free. Stale and malformed lock files are removed.
func (l *RunLock) Holder() (*Holder, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	if h, ok := parseHolder(string(data)); ok && processExists(h.PID) {
		return h, nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale lock file: %w", err)
	}
	return nil, nil
}

// parseHolder accepts "<pid>" and "<pid> <time>".
func parseHolder(s string) (*Holder, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return nil, false
	}
	h := &Holder{PID: pid}
	if len(fields) > 1 {
		h.Since, _ = time.Parse(time.RFC3339, fields[1])
	}
	return h, true
}

// Release removes the lock file. It is idempotent.
func (l *RunLock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// IsLocked reports whether the lock is held by a live process.
func (l *RunLock) IsLocked() (bool, error) {
	h, err := l.Holder()
	return h != nil, err
}

// processExists probes pid with signal 0.
func processExists(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
