// Package gate runs the four ordered quality gates a task must pass before its
// delegate is allowed to produce anything: preflight, proof of concept,
// implementation and delivery. The first blocking gate halts the chain.
package gate

import (
	"context"
	"time"

	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/task"
)

// Name identifies a gate.
type Name string

// Gate names, in evaluation order.
const (
	PreFlight      Name = "preflight"
	ProofOfConcept Name = task.GateProofOfConcept
	Implementation Name = task.GateImplementation
	Delivery       Name = "delivery"
)

// Order is the fixed evaluation order.
var Order = []Name{PreFlight, ProofOfConcept, Implementation, Delivery}

// Class tells operators whether a block means the work was bad or the
// environment was unavailable.
type Class string

// Failure classes.
const (
	ClassDefinition     Class = "definition"
	ClassResource       Class = "resource"
	ClassMethodology    Class = "methodology"
	ClassValidation     Class = "validation"
	ClassInfrastructure Class = "infrastructure"
	ClassCancelled      Class = "cancelled"
)

// CancelledReason is the reason recorded when an operator cancels a task.
const CancelledReason = "cancelled by operator"

// Result is the immutable outcome of one gate. Retryable marks blocks caused
// by the machine's current state (over limits or an unreadable sensor), which
// clear on their own.
type Result struct {
	Gate       Name               `json:"gate"`
	Passed     bool               `json:"passed"`
	Skipped    bool               `json:"skipped,omitempty"`
	Reason     string             `json:"reason"`
	Class      Class              `json:"class,omitempty"`
	Retryable  bool               `json:"retryable,omitempty"`
	Snapshot   *resource.Snapshot `json:"resource_snapshot,omitempty"`
	Violations []string           `json:"violations,omitempty"`
	Deviation  string             `json:"deviation,omitempty"`
	Rollback   string             `json:"rollback,omitempty"`
	Duration   time.Duration      `json:"duration"`
}

// Outcome is the ordered list of gate results plus the first block, if any.
type Outcome struct {
	Results  []Result `json:"results"`
	Blocking *Result  `json:"blocking_gate,omitempty"`
}

// AllPassed reports whether every gate in Order produced a passing result.
func (o Outcome) AllPassed() bool {
	if o.Blocking != nil || len(o.Results) != len(Order) {
		return false
	}
	for i, r := range o.Results {
		if r.Gate != Order[i] || !r.Passed {
			return false
		}
	}
	return true
}

// Passed returns the names of the gates that passed, in order.
func (o Outcome) Passed() []Name {
	var names []Name
	for _, r := range o.Results {
		if r.Passed {
			names = append(names, r.Gate)
		}
	}
	return names
}

// Failed returns the names of the gates that did not pass.
func (o Outcome) Failed() []Name {
	var names []Name
	for _, r := range o.Results {
		if !r.Passed {
			names = append(names, r.Gate)
		}
	}
	return names
}

// Deviations returns the overrides used during the run.
func (o Outcome) Deviations() []Result {
	var skipped []Result
	for _, r := range o.Results {
		if r.Skipped {
			skipped = append(skipped, r)
		}
	}
	return skipped
}

// ResourceChecker takes a fresh resource reading and evaluates it.
// *resource.Monitor implements it.
type ResourceChecker interface {
	Check(ctx context.Context, limits resource.Limits) resource.Check
}

// POCRunner executes a reduced-scale run of the task's delegate against its
// validation samples.
type POCRunner interface {
	RunSamples(ctx context.Context, def *task.Definition) error
}

// RegressionResult is the outcome of one declared regression test.
type RegressionResult struct {
	Name   string
	Passed bool
	Output string
}

// RegressionRunner runs a declared regression test. An error means the test
// could not be run at all.
type RegressionRunner interface {
	Run(ctx context.Context, def *task.Definition, test string) (RegressionResult, error)
}

// RollbackRecorder captures undo information before delivery.
type RollbackRecorder interface {
	Checkpoint(ctx context.Context, def *task.Definition, runID string) (string, error)
	Exists(ref string) bool
}

// Hooks let the caller observe and interrupt the chain between gates.
type Hooks struct {
	RunID string
	// Between is called before every gate after the first. A non-nil error
	// cancels the task.
	Between func(next Name) error
	// OnResult is called once per gate result.
	OnResult func(Result)
}
