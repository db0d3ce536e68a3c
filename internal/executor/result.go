package executor

import (
	"time"

	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/task"
	"github.com/j5a-ops/j5a/internal/validation"
)

// Deviation is a gate skipped by an operator override.
type Deviation struct {
	Gate          gate.Name `json:"gate"`
	Justification string    `json:"justification"`
}

// ExecutionResult is the full record of one attempt at one task.
type ExecutionResult struct {
	RunID        string             `json:"run_id"`
	TaskID       string             `json:"task_id"`
	Domain       string             `json:"domain"`
	Priority     task.Priority      `json:"priority"`
	Attempt      int                `json:"attempt"`
	Status       task.Status        `json:"status"`
	Reason       string             `json:"reason"`
	Class        gate.Class         `json:"class,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	Duration     time.Duration      `json:"duration"`
	Peak         resource.Peak      `json:"peak_resources"`
	Gates        []gate.Result      `json:"gates"`
	GatesPassed  []gate.Name        `json:"gates_passed"`
	GatesFailed  []gate.Name        `json:"gates_failed"`
	BlockingGate *gate.Result       `json:"blocking_gate,omitempty"`
	Validation   *validation.Report `json:"validation,omitempty"`
	Deviations   []Deviation        `json:"deviations,omitempty"`
	Outputs      []string           `json:"outputs,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// Summary aggregates the results of a batch run.
type Summary struct {
	RunID     string              `json:"run_id"`
	Completed int                 `json:"completed"`
	Blocked   int                 `json:"blocked"`
	Failed    int                 `json:"failed"`
	Deferred  int                 `json:"deferred"`
	Total     int                 `json:"total"`
	Elapsed   time.Duration       `json:"elapsed"`
	Results   []*ExecutionResult  `json:"results"`
	Rejected  []*task.IntakeError `json:"-"`
}

func (s *Summary) add(res *ExecutionResult) {
	s.Results = append(s.Results, res)
	s.Total++
	switch res.Status {
	case task.StatusCompleted:
		s.Completed++
	case task.StatusBlocked:
		s.Blocked++
	case task.StatusFailed:
		s.Failed++
	case task.StatusDeferred:
		s.Deferred++
	}
}

// SummaryOf rebuilds the summary of a past run from its stored results.
func SummaryOf(runID string, results []*ExecutionResult, elapsed time.Duration) Summary {
	s := Summary{RunID: runID, Elapsed: elapsed}
	for _, res := range results {
		s.add(res)
	}
	return s
}

// Counts returns the per-status counts keyed by status name.
func (s Summary) Counts() map[string]int {
	return map[string]int{
		string(task.StatusCompleted): s.Completed,
		string(task.StatusBlocked):   s.Blocked,
		string(task.StatusFailed):    s.Failed,
		string(task.StatusDeferred):  s.Deferred,
	}
}

// AllCompleted reports whether every attempted task completed.
func (s Summary) AllCompleted() bool {
	return s.Completed == s.Total
}

// completionAllowed is the only path to StatusCompleted: every gate passed
// and every validation layer passed.
func completionAllowed(gates gate.Outcome, report *validation.Report) bool {
	return gates.AllPassed() && report.Passed()
}

// InfrastructureError marks a failure of the environment rather than of the
// work: the delegate crashed or a store could not be written.
type InfrastructureError struct {
	Stage string
	Err   error
}

func (e *InfrastructureError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}
