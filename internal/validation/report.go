// Package validation checks what a task actually produced, in three layers
// that gate each other: existence, quality and functional. Evaluation stops
// at the first layer that does not pass.
package validation

import (
	"context"
	"strings"
	"time"

	"github.com/j5a-ops/j5a/internal/task"
)

// Layer names a validation layer.
type Layer string

// Layers, in evaluation order.
const (
	LayerExistence  Layer = "existence"
	LayerQuality    Layer = "quality"
	LayerFunctional Layer = "functional"
)

// Layers is the fixed evaluation order.
var Layers = []Layer{LayerExistence, LayerQuality, LayerFunctional}

// Result is the outcome of a layer or of a whole report.
type Result string

// Layer results. Blocked means the layer could not be evaluated because a
// collaborator was unavailable; failed means the work itself was wrong.
const (
	ResultPassed  Result = "passed"
	ResultFailed  Result = "failed"
	ResultBlocked Result = "blocked"
)

// LayerReport is the outcome of one evaluated layer.
type LayerReport struct {
	Layer    Layer         `json:"layer"`
	Result   Result        `json:"result"`
	Reason   string        `json:"reason"`
	Details  []string      `json:"details,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the outcome of validating one task execution. Layers holds only
// the layers that were evaluated.
type Report struct {
	TaskID           string             `json:"task_id"`
	Overall          Result             `json:"overall_result"`
	FailedLayer      Layer              `json:"failed_layer,omitempty"`
	Layers           []LayerReport      `json:"layers"`
	OutputsExpected  []string           `json:"outputs_expected"`
	OutputsGenerated []string           `json:"outputs_generated"`
	OutputsMissing   []string           `json:"outputs_missing,omitempty"`
	Measured         map[string]float64 `json:"measured,omitempty"`
	BlockingReason   string             `json:"blocking_reason,omitempty"`
}

// Passed reports whether every layer passed.
func (r *Report) Passed() bool {
	return r != nil && r.Overall == ResultPassed && len(r.Layers) == len(Layers)
}

// Evaluated reports whether layer was evaluated.
func (r *Report) Evaluated(layer Layer) bool {
	if r == nil {
		return false
	}
	for _, l := range r.Layers {
		if l.Layer == layer {
			return true
		}
	}
	return false
}

// Summary renders the report as one line, e.g.
// "existence failed: missing outputs: out.json (not found)".
func (r *Report) Summary() string {
	if r == nil {
		return "not validated"
	}
	if r.Overall == ResultPassed {
		return "all validation layers passed"
	}
	return string(r.FailedLayer) + " " + string(r.Overall) + ": " + r.BlockingReason
}

// OracleResult is what the test harness observed.
type OracleResult struct {
	Passed   bool
	Expected string
	Observed string
	Details  []string
}

// Harness evaluates a task's test oracle. An error means the harness itself
// could not run; a mismatch is reported through OracleResult.
type Harness interface {
	Evaluate(ctx context.Context, def *task.Definition, bundle task.Bundle) (OracleResult, error)
}

func joinDetails(items []string) string {
	return strings.Join(items, ", ")
}
