// Package source feeds task definitions into the queue. Tasks arrive as JSON
// Lines records from a file, from an inbox directory watched while the
// scheduler idles, or programmatically.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/j5a-ops/j5a/internal/logging"
	"github.com/j5a-ops/j5a/internal/queue"
	"github.com/j5a-ops/j5a/internal/task"
)

// Batch is the result of one fetch. Rejected records never reach the queue.
type Batch struct {
	Source   string
	Tasks    []*task.Definition
	Rejected []*task.IntakeError
}

// Empty reports whether the batch carries nothing at all.
func (b Batch) Empty() bool {
	return len(b.Tasks) == 0 && len(b.Rejected) == 0
}

func (b *Batch) merge(other Batch) {
	b.Tasks = append(b.Tasks, other.Tasks...)
	b.Rejected = append(b.Rejected, other.Rejected...)
}

// Source produces task definitions.
type Source interface {
	Fetch(ctx context.Context) (Batch, error)
}

// FileSource reads one JSON Lines file.
type FileSource struct {
	Path string
}

// Fetch parses the whole file.
func (s FileSource) Fetch(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to open task file: %w", err)
	}
	defer f.Close()

	defs, rejected := task.ParseJSONL(s.Path, f)
	return Batch{Source: s.Path, Tasks: defs, Rejected: rejected}, nil
}

// DirectSource collects definitions submitted from code.
type DirectSource struct {
	mu      sync.Mutex
	pending []*task.Definition
}

// NewDirectSource creates an empty DirectSource.
func NewDirectSource() *DirectSource {
	return &DirectSource{}
}

// Submit validates def and holds it until the next Fetch.
func (s *DirectSource) Submit(def *task.Definition) error {
	if def == nil {
		return &task.DefinitionError{Field: "task", Reason: "is nil"}
	}
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, def)
	return nil
}

// Fetch drains the submitted definitions.
func (s *DirectSource) Fetch(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := Batch{Source: "direct", Tasks: s.pending}
	s.pending = nil
	return b, nil
}

// Enqueuer is the part of the queue used by Ingest.
type Enqueuer interface {
	Enqueue(def *task.Definition) (*queue.Entry, error)
}

// IngestResult lists what Ingest did with a batch.
type IngestResult struct {
	Enqueued []string
	Rejected []*task.IntakeError
}

// Ingest fetches from src and enqueues every accepted definition. Parse
// rejections and queue refusals (duplicates) are reported and logged but do
// not stop the rest of the batch. Only fetch and queue write failures are
// returned as errors.
func Ingest(ctx context.Context, src Source, q Enqueuer, progress *queue.ProgressLogger, logger *logging.Logger) (IngestResult, error) {
	batch, err := src.Fetch(ctx)
	if err != nil {
		return IngestResult{}, err
	}
	return IngestBatch(batch, q, progress, logger)
}

// IngestBatch enqueues an already fetched batch.
func IngestBatch(batch Batch, q Enqueuer, progress *queue.ProgressLogger, logger *logging.Logger) (IngestResult, error) {
	logger = logging.OrNop(logger).Component("source")
	res := IngestResult{Rejected: append([]*task.IntakeError(nil), batch.Rejected...)}

	for _, def := range batch.Tasks {
		entry, err := q.Enqueue(def)
		if err != nil {
			var defErr *task.DefinitionError
			if !errors.Is(err, queue.ErrDuplicate) && !errors.As(err, &defErr) {
				return res, fmt.Errorf("failed to enqueue %s: %w", def.ID, err)
			}
			res.Rejected = append(res.Rejected, &task.IntakeError{Source: batch.Source, TaskID: def.ID, Err: err})
			continue
		}
		res.Enqueued = append(res.Enqueued, entry.ID())
		progress.TaskEnqueued(entry.ID(), string(def.Priority), batch.Source)
		logger.Info("task enqueued", "task", entry.ID(), "priority", def.Priority, "source", batch.Source)
	}

	for _, rej := range res.Rejected {
		progress.TaskRejected(rej.TaskID, rej.Source, rej.Line, rej.Err.Error())
		logger.Warn("task rejected", "task", rej.TaskID, "source", rej.Source, "line", rej.Line, "class", "definition", "error", rej.Err)
	}
	return res, nil
}
