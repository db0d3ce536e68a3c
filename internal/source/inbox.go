package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/j5a-ops/j5a/internal/ids"
	"github.com/j5a-ops/j5a/internal/logging"
	"github.com/j5a-ops/j5a/internal/task"
)

// Inbox layout under the workspace directory.
const (
	InboxDirName     = "inbox"
	ProcessedDirName = "processed"
	RejectedDirName  = "rejected"
	inboxExt         = ".jsonl"
	errorsExt        = ".errors"

	defaultDebounce = 750 * time.Millisecond
)

// InboxWatcher turns *.jsonl files dropped into a directory into batches.
// Each file is parsed once and then moved to processed/, or to rejected/
// together with a .errors file when any record in it was refused.
type InboxWatcher struct {
	dir      string
	debounce time.Duration
	logger   *logging.Logger

	mu sync.Mutex
}

// InboxOption customizes an InboxWatcher.
type InboxOption func(*InboxWatcher)

// WithDebounce sets how long the watcher waits after the last file event
// before scanning.
func WithDebounce(d time.Duration) InboxOption {
	return func(w *InboxWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithInboxLogger sets the logger.
func WithInboxLogger(l *logging.Logger) InboxOption {
	return func(w *InboxWatcher) {
		w.logger = logging.OrNop(l)
	}
}

// NewInboxWatcher creates the inbox directories under dir.
func NewInboxWatcher(dir string, opts ...InboxOption) (*InboxWatcher, error) {
	w := &InboxWatcher{
		dir:      filepath.Clean(dir),
		debounce: defaultDebounce,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, d := range []string{w.dir, w.processedDir(), w.rejectedDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox: %w", err)
		}
	}
	w.logger = w.logger.Component("inbox")
	return w, nil
}

// Dir returns the watched directory.
func (w *InboxWatcher) Dir() string {
	return w.dir
}

func (w *InboxWatcher) processedDir() string { return filepath.Join(w.dir, ProcessedDirName) }
func (w *InboxWatcher) rejectedDir() string  { return filepath.Join(w.dir, RejectedDirName) }

// Fetch parses every file currently in the inbox, oldest name first, and
// merges them into a single batch.
func (w *InboxWatcher) Fetch(ctx context.Context) (Batch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := w.pending()
	if err != nil {
		return Batch{}, err
	}

	merged := Batch{Source: w.dir}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		b, err := w.consume(path)
		if err != nil {
			return merged, err
		}
		merged.merge(b)
	}
	return merged, nil
}

// Watch scans the inbox once, then again after every burst of file events,
// passing each non-empty batch to handle. It blocks until ctx is done.
func (w *InboxWatcher) Watch(ctx context.Context, handle func(context.Context, Batch)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start inbox watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	scan := func() {
		b, err := w.Fetch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("inbox scan failed", "error", err)
		}
		if !b.Empty() {
			handle(ctx, b)
		}
	}
	scan()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", "error", err)
		case <-fire:
			fire = nil
			scan()
		}
	}
}

func (w *InboxWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Dir(filepath.Clean(event.Name)) == w.dir && isInboxFile(filepath.Base(event.Name))
}

func isInboxFile(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.HasSuffix(name, inboxExt)
}

func (w *InboxWatcher) pending() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && isInboxFile(e.Name()) {
			files = append(files, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (w *InboxWatcher) consume(path string) (Batch, error) {
	b, err := FileSource{Path: path}.Fetch(context.Background())
	if err != nil {
		return Batch{}, err
	}

	dest := w.processedDir()
	if len(b.Rejected) > 0 {
		dest = w.rejectedDir()
	}
	moved, err := moveUnique(path, dest)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to move %s: %w", filepath.Base(path), err)
	}
	if len(b.Rejected) > 0 {
		if err := writeErrors(moved+errorsExt, b.Rejected); err != nil {
			w.logger.Warn("failed to write rejection report", "file", moved, "error", err)
		}
	}

	w.logger.Info("inbox file consumed", "file", filepath.Base(path),
		"accepted", len(b.Tasks), "rejected", len(b.Rejected), "moved_to", moved)
	return b, nil
}

// moveUnique renames src into dir, suffixing the name when it is taken.
func moveUnique(src, dir string) (string, error) {
	name := filepath.Base(src)
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil {
		suffix, err := ids.ShortID()
		if err != nil {
			return "", err
		}
		ext := filepath.Ext(name)
		dest = filepath.Join(dir, strings.TrimSuffix(name, ext)+"-"+suffix+ext)
	}
	if err := os.Rename(src, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func writeErrors(path string, rejected []*task.IntakeError) error {
	var sb strings.Builder
	for _, r := range rejected {
		sb.WriteString(r.Error())
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}
