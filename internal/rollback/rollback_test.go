package rollback

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/task"
)

var _ gate.RollbackRecorder = (*Recorder)(nil)

func definition(workDir string) *task.Definition {
	return &task.Definition{
		ID:      "report-1",
		Domain:  "generic",
		WorkDir: workDir,
		ExpectedOutputs: []task.OutputSpec{
			{Path: "out.json", Format: "json"},
			{Path: "notes.md", Format: "md"},
		},
	}
}

func newMemRecorder(t *testing.T) (*Recorder, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	n := 0
	clock := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	r := NewRecorder("/ws/.j5a",
		WithFs(fs),
		WithIDs(func() string { n++; return fmt.Sprintf("rec-%d", n) }),
		WithClock(func() time.Time { clock = clock.Add(time.Minute); return clock }),
	)
	return r, fs
}

func TestRecorder_RecordAndRestore(t *testing.T) {
	r, fs := newMemRecorder(t)
	require.NoError(t, afero.WriteFile(fs, "/work/out.json", []byte(`{"v":1}`), 0640))

	def := definition("/work")
	rec, err := r.Record(context.Background(), def, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, "/ws/.j5a/rollback/report-1/run-1.json", rec.Path)
	require.Len(t, rec.Files, 1)
	assert.Equal(t, "/work/out.json", rec.Files[0].Path)
	assert.Equal(t, int64(7), rec.Files[0].Size)
	assert.Equal(t, []string{"/work/notes.md"}, rec.Absent)
	assert.Nil(t, rec.Git)
	assert.True(t, r.Exists(rec.Path))

	// the task overwrites one output and creates the other
	require.NoError(t, afero.WriteFile(fs, "/work/out.json", []byte(`{"v":2}`), 0644))
	require.NoError(t, afero.WriteFile(fs, "/work/notes.md", []byte("# new"), 0644))

	latest, err := r.Latest("report-1")
	require.NoError(t, err)
	res, err := r.Restore(latest)
	require.NoError(t, err)
	assert.Equal(t, []string{"/work/out.json"}, res.Restored)
	assert.Equal(t, []string{"/work/notes.md"}, res.Removed)

	data, err := afero.ReadFile(fs, "/work/out.json")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))
	exists, err := afero.Exists(fs, "/work/notes.md")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRecorder_Checkpoint(t *testing.T) {
	r, _ := newMemRecorder(t)
	ref, err := r.Checkpoint(context.Background(), definition("/work"), "run-1")
	require.NoError(t, err)
	assert.True(t, r.Exists(ref))
	assert.False(t, r.Exists("/ws/.j5a/rollback/report-1/run-2.json"))
}

func TestRecorder_LatestPicksNewest(t *testing.T) {
	r, _ := newMemRecorder(t)
	def := definition("/work")
	for _, run := range []string{"run-b", "run-a"} {
		_, err := r.Record(context.Background(), def, run)
		require.NoError(t, err)
	}

	latest, err := r.Latest("report-1")
	require.NoError(t, err)
	assert.Equal(t, "run-a", latest.RunID)

	_, err = r.Latest("other")
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestRecorder_OutputIsDirectory(t *testing.T) {
	r, fs := newMemRecorder(t)
	require.NoError(t, fs.MkdirAll("/work/out.json", 0755))
	_, err := r.Record(context.Background(), definition("/work"), "run-1")
	assert.ErrorContains(t, err, "is a directory")
}

func TestRecorder_CapturesGitState(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	work := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test User"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = work
		require.NoError(t, cmd.Run())
	}
	require.NoError(t, os.WriteFile(filepath.Join(work, "out.json"), []byte("{}"), 0644))

	r := NewRecorder(filepath.Join(t.TempDir(), ".j5a"))
	rec, err := r.Record(context.Background(), definition(work), "run-1")
	require.NoError(t, err)
	require.NotNil(t, rec.Git)
	assert.Contains(t, rec.Git.Dirty, "out.json")
	assert.Empty(t, rec.Git.Head)

	loaded, err := r.Load(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, rec.Git.Root, loaded.Git.Root)
	_, err = os.Stat(filepath.Join(filepath.Dir(rec.Path), rec.Files[0].Backup))
	assert.NoError(t, err)
}

func TestRecorder_ForRun(t *testing.T) {
	r, _ := newMemRecorder(t)
	def := definition("/work")
	for _, run := range []string{"run-1", "run-2"} {
		_, err := r.Record(context.Background(), def, run)
		require.NoError(t, err)
	}

	rec, err := r.ForRun("report-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", rec.RunID)

	_, err = r.ForRun("report-1", "run-3")
	assert.ErrorIs(t, err, ErrNoRecord)
}
