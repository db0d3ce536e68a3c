// Package rollback records enough state before delivery to undo a task: the
// git state of its work directory and copies of any expected outputs that
// already exist.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/j5a-ops/j5a/internal/git"
	"github.com/j5a-ops/j5a/internal/ids"
	"github.com/j5a-ops/j5a/internal/logging"
	"github.com/j5a-ops/j5a/internal/task"
)

// DirName is the rollback directory inside the workspace.
const DirName = "rollback"

// ErrNoRecord is returned when a task has no rollback record.
var ErrNoRecord = errors.New("no rollback record")

// FileBackup is one expected output copied aside before delivery.
type FileBackup struct {
	Path   string      `json:"path"`
	Backup string      `json:"backup"`
	Size   int64       `json:"size"`
	Mode   os.FileMode `json:"mode"`
}

// Record is the undo information for one task attempt.
type Record struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id"`
	RunID     string       `json:"run_id"`
	CreatedAt time.Time    `json:"created_at"`
	WorkDir   string       `json:"work_dir,omitempty"`
	Git       *git.State   `json:"git,omitempty"`
	Files     []FileBackup `json:"files,omitempty"`
	// Absent lists expected outputs that did not exist yet. Restore
	// removes them.
	Absent []string `json:"absent,omitempty"`

	Path string `json:"-"`
}

// RestoreResult lists what Restore changed.
type RestoreResult struct {
	Restored []string
	Removed  []string
}

// Recorder writes records under rollback/<task>/<run>.json with backups in
// rollback/<task>/<run>.files/. It implements gate.RollbackRecorder.
type Recorder struct {
	dir    string
	fs     afero.Fs
	newID  func() string
	now    func() time.Time
	logger *logging.Logger
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithFs sets the filesystem used for records and backups.
func WithFs(fs afero.Fs) Option {
	return func(r *Recorder) { r.fs = fs }
}

// WithIDs sets the record id generator.
func WithIDs(fn func() string) Option {
	return func(r *Recorder) { r.newID = fn }
}

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Recorder) { r.logger = logging.OrNop(l) }
}

// NewRecorder creates a recorder for the workspace directory.
func NewRecorder(workspace string, opts ...Option) *Recorder {
	r := &Recorder{
		dir:    filepath.Join(workspace, DirName),
		fs:     afero.NewOsFs(),
		newID:  ids.Generator(ids.StrategyUUIDv7),
		now:    time.Now,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Component("rollback")
	return r
}

// Record captures the current state for def and writes it.
func (r *Recorder) Record(ctx context.Context, def *task.Definition, runID string) (*Record, error) {
	rec := &Record{
		ID:        r.newID(),
		TaskID:    def.ID,
		RunID:     runID,
		CreatedAt: r.now(),
		WorkDir:   def.WorkDir,
	}

	if def.WorkDir != "" {
		state, err := git.Capture(ctx, def.WorkDir)
		switch {
		case errors.Is(err, git.ErrNotRepository):
		case err != nil:
			return nil, fmt.Errorf("failed to capture git state: %w", err)
		default:
			rec.Git = state
		}
	}

	base := filepath.Join(r.dir, ids.SafeName(def.ID), ids.SafeName(runID))
	rec.Path = base + ".json"
	filesDir := base + ".files"

	for i, out := range def.ExpectedOutputs {
		path := def.ResolvePath(out.Path)
		info, err := r.fs.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			rec.Absent = append(rec.Absent, path)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("expected output %s is a directory", path)
		}

		backup := filepath.Join(filesDir, strconv.Itoa(i)+"-"+ids.SafeName(filepath.Base(path)))
		if err := copyFile(r.fs, path, backup, info.Mode().Perm()); err != nil {
			return nil, fmt.Errorf("failed to back up %s: %w", path, err)
		}
		rel, _ := filepath.Rel(filepath.Dir(rec.Path), backup)
		rec.Files = append(rec.Files, FileBackup{Path: path, Backup: rel, Size: info.Size(), Mode: info.Mode().Perm()})
	}

	if err := r.write(rec); err != nil {
		return nil, err
	}
	r.logger.Info("rollback recorded", "task", def.ID, "run", runID,
		"backups", len(rec.Files), "absent", len(rec.Absent), "git", rec.Git != nil)
	return rec, nil
}

// Checkpoint records state and returns the record path as its reference.
func (r *Recorder) Checkpoint(ctx context.Context, def *task.Definition, runID string) (string, error) {
	rec, err := r.Record(ctx, def, runID)
	if err != nil {
		return "", err
	}
	return rec.Path, nil
}

// Exists reports whether ref names a readable record.
func (r *Recorder) Exists(ref string) bool {
	_, err := r.Load(ref)
	return err == nil
}

// Load reads a record from its path.
func (r *Recorder) Load(path string) (*Record, error) {
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse rollback record: %w", err)
	}
	rec.Path = path
	return &rec, nil
}

// ForRun returns the record taken for taskID during runID.
func (r *Recorder) ForRun(taskID, runID string) (*Record, error) {
	path := filepath.Join(r.dir, ids.SafeName(taskID), ids.SafeName(runID)+".json")
	rec, err := r.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w for task %s run %s", ErrNoRecord, taskID, runID)
	}
	return rec, err
}

// Latest returns the newest record for taskID.
func (r *Recorder) Latest(taskID string) (*Record, error) {
	dir := filepath.Join(r.dir, ids.SafeName(taskID))
	entries, err := afero.ReadDir(r.fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w for task %s", ErrNoRecord, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rollback records: %w", err)
	}

	var records []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := r.Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w for task %s", ErrNoRecord, taskID)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records[len(records)-1], nil
}

// Restore puts backed-up outputs back and removes outputs that did not
// exist when the record was taken. Git state is informational only.
func (r *Recorder) Restore(rec *Record) (RestoreResult, error) {
	var res RestoreResult
	base := filepath.Dir(rec.Path)

	for _, f := range rec.Files {
		src := filepath.Join(base, f.Backup)
		if err := copyFile(r.fs, src, f.Path, f.Mode); err != nil {
			return res, fmt.Errorf("failed to restore %s: %w", f.Path, err)
		}
		res.Restored = append(res.Restored, f.Path)
	}
	for _, path := range rec.Absent {
		err := r.fs.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		res.Removed = append(res.Removed, path)
	}

	r.logger.Info("rollback restored", "task", rec.TaskID, "run", rec.RunID,
		"restored", len(res.Restored), "removed", len(res.Removed))
	return res, nil
}

func (r *Recorder) write(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal rollback record: %w", err)
	}
	if err := r.fs.MkdirAll(filepath.Dir(rec.Path), 0755); err != nil {
		return fmt.Errorf("failed to create rollback directory: %w", err)
	}
	tmpPath := fmt.Sprintf("%s.tmp.%d", rec.Path, os.Getpid())
	if err := afero.WriteFile(r.fs, tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := r.fs.Rename(tmpPath, rec.Path); err != nil {
		r.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func copyFile(fs afero.Fs, src, dst string, mode os.FileMode) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
