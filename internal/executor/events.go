package executor

import (
	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/queue"
	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/task"
	"github.com/j5a-ops/j5a/internal/validation"
)

// Events receives callbacks during a run.
// The terminal status line implements it.
type Events interface {
	// OnTaskStart is called when a task is picked from the queue
	OnTaskStart(entry *queue.Entry, runID string)

	// OnGateResult is called after each gate
	OnGateResult(taskID string, r gate.Result)

	// OnTaskExecuted is called when the delegate returns a bundle
	OnTaskExecuted(taskID string, bundle task.Bundle)

	// OnValidation is called with the validation report
	OnValidation(taskID string, report *validation.Report)

	// OnTaskFinished is called with the final result of a task
	OnTaskFinished(res *ExecutionResult)

	// OnRunComplete is called when a batch run ends
	OnRunComplete(summary Summary)
}

// Metrics records run statistics.
type Metrics interface {
	ObserveGate(r gate.Result)
	ObserveValidation(report *validation.Report)
	ObserveTask(res *ExecutionResult)
	ObserveSnapshot(s resource.Snapshot)
	ObserveQueue(counts map[task.Status]int)
}

type nopEvents struct{}

func (nopEvents) OnTaskStart(*queue.Entry, string)        {}
func (nopEvents) OnGateResult(string, gate.Result)        {}
func (nopEvents) OnTaskExecuted(string, task.Bundle)      {}
func (nopEvents) OnValidation(string, *validation.Report) {}
func (nopEvents) OnTaskFinished(*ExecutionResult)         {}
func (nopEvents) OnRunComplete(Summary)                   {}
func (nopEvents) ObserveGate(gate.Result)                 {}
func (nopEvents) ObserveValidation(*validation.Report)    {}
func (nopEvents) ObserveTask(*ExecutionResult)            {}
func (nopEvents) ObserveSnapshot(resource.Snapshot)       {}
func (nopEvents) ObserveQueue(map[task.Status]int)        {}
