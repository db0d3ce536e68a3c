// Package queue persists the overnight task queue, its run lock and the
// JSONL progress log.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/task"
)

const (
	// FileName is the queue file inside the workspace directory.
	FileName      = "queue.json"
	formatVersion = 1
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicate is returned when an active task with the same id exists.
	ErrDuplicate = errors.New("task already queued")
)

// Entry is a task plus its lifecycle state.
type Entry struct {
	Task       *task.Definition `json:"task"`
	Status     task.Status      `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	Seq        int64            `json:"seq"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Attempts   int              `json:"attempts"`
	Deferrals  int              `json:"deferrals"`
	LastRunID  string           `json:"last_run_id,omitempty"`
}

// ID returns the task id.
func (e *Entry) ID() string {
	return e.Task.ID
}

type queueFile struct {
	Version int      `json:"version"`
	NextSeq int64    `json:"next_seq"`
	Entries []*Entry `json:"entries"`
}

// Queue is a priority-ordered, file-backed task queue. Every mutation is
// written to disk before it returns.
type Queue struct {
	mu      sync.Mutex
	path    string
	nextSeq int64
	entries map[string]*Entry
	now     func() time.Time
}

// Open loads the queue at path, creating an empty one if the file does not
// exist yet.
func Open(path string) (*Queue, error) {
	q := &Queue{
		path:    path,
		nextSeq: 1,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	var f queueFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse queue: %w", err)
	}
	if f.Version > formatVersion {
		return nil, fmt.Errorf("queue format version %d is newer than supported %d", f.Version, formatVersion)
	}
	for _, e := range f.Entries {
		if e == nil || e.Task == nil {
			continue
		}
		q.entries[e.Task.ID] = e
		if e.Seq >= q.nextSeq {
			q.nextSeq = e.Seq + 1
		}
	}
	if f.NextSeq > q.nextSeq {
		q.nextSeq = f.NextSeq
	}
	return q, nil
}

// Path returns the queue file location.
func (q *Queue) Path() string {
	return q.path
}

// Enqueue adds a validated task in pending state. A task whose id is already
// queued is rejected unless the existing entry is blocked or failed, in
// which case the resubmission replaces it.
func (q *Queue) Enqueue(def *task.Definition) (*Entry, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.entries[def.ID]; ok {
		if existing.Status != task.StatusBlocked && existing.Status != task.StatusFailed {
			return nil, fmt.Errorf("%w: %s is %s", ErrDuplicate, def.ID, existing.Status)
		}
	}

	now := q.now()
	e := &Entry{
		Task:       def,
		Status:     task.StatusPending,
		Seq:        q.takeSeq(),
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	prev := q.entries[def.ID]
	q.entries[def.ID] = e
	if err := q.save(); err != nil {
		if prev != nil {
			q.entries[def.ID] = prev
		} else {
			delete(q.entries, def.ID)
		}
		return nil, err
	}
	return e.clone(), nil
}

// PeekNextEligible returns the highest-priority task that may run now, or
// nil. A task is eligible when it is pending or deferred, not in skip, and
// snap is within the global limits merged with the task's own. A nil snap
// disables the resource filter.
func (q *Queue) PeekNextEligible(snap *resource.Snapshot, limits resource.Limits, skip map[string]bool) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.ordered() {
		if !e.Status.IsEligible() || skip[e.Task.ID] {
			continue
		}
		if snap != nil {
			if safe, _ := resource.IsSafe(*snap, limits.Merge(e.Task.ResourceLimits)); !safe {
				continue
			}
		}
		return e.clone()
	}
	return nil
}

// Start marks a task running for the given run.
func (q *Queue) Start(id, runID string) (*Entry, error) {
	return q.update(id, func(e *Entry) {
		e.Status = task.StatusRunning
		e.Reason = ""
		e.Attempts++
		e.LastRunID = runID
	})
}

// Mark sets a task's status and reason.
func (q *Queue) Mark(id string, status task.Status, reason string) (*Entry, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	return q.update(id, func(e *Entry) {
		e.Status = status
		e.Reason = reason
	})
}

// Requeue defers a task: it becomes eligible again on a later pass and moves
// to the back of its priority band.
func (q *Queue) Requeue(id, reason string) (*Entry, error) {
	return q.update(id, func(e *Entry) {
		e.Status = task.StatusDeferred
		e.Reason = reason
		e.Deferrals++
		e.Seq = q.takeSeq()
	})
}

// Recover resets tasks left running by an interrupted process to pending and
// returns their ids.
func (q *Queue) Recover() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for _, e := range q.ordered() {
		if e.Status == task.StatusRunning {
			e.Status = task.StatusPending
			e.Reason = "interrupted run recovered"
			e.UpdatedAt = q.now()
			ids = append(ids, e.Task.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, q.save()
}

// Get returns a copy of the entry for id.
func (q *Queue) Get(id string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.clone(), nil
}

// List returns copies of all entries in scheduling order.
func (q *Queue) List() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := q.ordered()
	out := make([]*Entry, len(ordered))
	for i, e := range ordered {
		out[i] = e.clone()
	}
	return out
}

// Remove deletes a task from the queue.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(q.entries, id)
	if err := q.save(); err != nil {
		q.entries[id] = e
		return err
	}
	return nil
}

// Counts returns the number of entries per status.
func (q *Queue) Counts() map[task.Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[task.Status]int)
	for _, e := range q.entries {
		counts[e.Status]++
	}
	return counts
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) update(id string, mutate func(*Entry)) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := *e
	prevSeq := q.nextSeq
	mutate(e)
	e.UpdatedAt = q.now()
	if err := q.save(); err != nil {
		*e = prev
		q.nextSeq = prevSeq
		return nil, err
	}
	return e.clone(), nil
}

func (q *Queue) takeSeq() int64 {
	seq := q.nextSeq
	q.nextSeq++
	return seq
}

// ordered returns entries by priority rank, then by sequence.
func (q *Queue) ordered() []*Entry {
	out := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Task.Priority.Rank(), out[j].Task.Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// save atomically writes the queue file using a temp file and rename.
func (q *Queue) save() error {
	f := queueFile{Version: formatVersion, NextSeq: q.nextSeq, Entries: q.ordered()}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	tmpPath := fmt.Sprintf("%s.tmp.%d", q.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}
