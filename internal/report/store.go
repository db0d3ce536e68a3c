// Package report persists execution results and turns them, along with the
// progress log, into human-readable summaries and suggestions.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/j5a-ops/j5a/internal/executor"
	"github.com/j5a-ops/j5a/internal/ids"
)

// ResultsDirName is the results directory inside the workspace.
const ResultsDirName = "results"

// ErrNoResults is returned when a task has never been attempted.
var ErrNoResults = errors.New("no results recorded")

// Store keeps one JSON file per task attempt under
// results/<task>/<run>.json. It implements executor.ResultStore.
type Store struct {
	dir string
}

// NewStore creates a store rooted in the workspace directory.
func NewStore(workspace string) *Store {
	return &Store{dir: filepath.Join(workspace, ResultsDirName)}
}

// Dir returns the results directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes res atomically.
func (s *Store) Save(res *executor.ExecutionResult) error {
	if res == nil {
		return errors.New("nil execution result")
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	dir := filepath.Join(s.dir, ids.SafeName(res.TaskID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	path := filepath.Join(dir, ids.SafeName(res.RunID)+".json")
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// List returns every recorded attempt of taskID, oldest first.
func (s *Store) List(taskID string) ([]*executor.ExecutionResult, error) {
	return s.readDir(filepath.Join(s.dir, ids.SafeName(taskID)))
}

// Latest returns the most recent attempt of taskID.
func (s *Store) Latest(taskID string) (*executor.ExecutionResult, error) {
	results, err := s.List(taskID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w for task %s", ErrNoResults, taskID)
	}
	return results[len(results)-1], nil
}

// LatestAll returns the most recent attempt of every task with results,
// ordered by task id.
func (s *Store) LatestAll() ([]*executor.ExecutionResult, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}

	var latest []*executor.ExecutionResult
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		results, err := s.readDir(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			latest = append(latest, results[len(results)-1])
		}
	}
	sort.Slice(latest, func(i, j int) bool { return latest[i].TaskID < latest[j].TaskID })
	return latest, nil
}

// Run returns every result recorded by runID, in the order the tasks started.
func (s *Store) Run(runID string) ([]*executor.ExecutionResult, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}

	name := ids.SafeName(runID) + ".json"
	var results []*executor.ExecutionResult
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		res, err := readResult(filepath.Join(s.dir, e.Name(), name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].StartedAt.Before(results[j].StartedAt)
	})
	return results, nil
}

func readResult(path string) (*executor.ExecutionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res executor.ExecutionResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to parse result %s: %w", filepath.Base(path), err)
	}
	return &res, nil
}

func (s *Store) readDir(dir string) ([]*executor.ExecutionResult, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}

	var results []*executor.ExecutionResult
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		res, err := readResult(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read result: %w", err)
		}
		results = append(results, res)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinishedAt.Before(results[j].FinishedAt)
	})
	return results, nil
}
