package source

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInbox(t *testing.T) *InboxWatcher {
	t.Helper()
	w, err := NewInboxWatcher(filepath.Join(t.TempDir(), InboxDirName), WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	return w
}

func TestInboxWatcher_FetchMovesFiles(t *testing.T) {
	w := newInbox(t)
	writeLines(t, filepath.Join(w.Dir(), "01-good.jsonl"), record("a", "normal"))
	writeLines(t, filepath.Join(w.Dir(), "02-mixed.jsonl"), record("b", "low"), badRecord)
	writeLines(t, filepath.Join(w.Dir(), "notes.txt"), "ignored")

	b, err := w.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, b.Tasks, 2)
	assert.Equal(t, "a", b.Tasks[0].ID)
	assert.Equal(t, "b", b.Tasks[1].ID)
	require.Len(t, b.Rejected, 1)

	assert.FileExists(t, filepath.Join(w.Dir(), ProcessedDirName, "01-good.jsonl"))
	assert.FileExists(t, filepath.Join(w.Dir(), RejectedDirName, "02-mixed.jsonl"))
	report, err := os.ReadFile(filepath.Join(w.Dir(), RejectedDirName, "02-mixed.jsonl.errors"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "02-mixed.jsonl:2")
	assert.FileExists(t, filepath.Join(w.Dir(), "notes.txt"))

	b, err = w.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, b.Empty())
}

func TestInboxWatcher_NameCollision(t *testing.T) {
	w := newInbox(t)
	for i := 0; i < 2; i++ {
		writeLines(t, filepath.Join(w.Dir(), "tasks.jsonl"), record("a", "normal"))
		_, err := w.Fetch(context.Background())
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(filepath.Join(w.Dir(), ProcessedDirName))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestInboxWatcher_Watch(t *testing.T) {
	w := newInbox(t)
	writeLines(t, filepath.Join(w.Dir(), "early.jsonl"), record("early", "normal"))

	var (
		mu  sync.Mutex
		ids []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func(_ context.Context, b Batch) {
			mu.Lock()
			defer mu.Unlock()
			for _, def := range b.Tasks {
				ids = append(ids, def.ID)
			}
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 1
	}, 2*time.Second, 10*time.Millisecond)

	writeLines(t, filepath.Join(w.Dir(), "late.jsonl"), record("late", "high"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"early", "late"}, ids)
}
