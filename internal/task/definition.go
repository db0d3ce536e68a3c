// Package task defines the immutable description of one unit of overnight work
// and the JSONL intake format that produces it.
package task

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/j5a-ops/j5a/internal/resource"
)

// Gates that may be skipped with an operator override. Preflight and delivery
// protect the machine and can never be skipped.
const (
	GateProofOfConcept = "proof_of_concept"
	GateImplementation = "implementation"
)

// OverridableGates lists the gates an override may name.
var OverridableGates = []string{GateProofOfConcept, GateImplementation}

// Oracle validation methods.
const (
	MethodCommand     = "command"
	MethodExactOutput = "exact_output"
	MethodTestCases   = "test_cases"
)

// OutputSpec declares one artifact the task must produce.
type OutputSpec struct {
	Path          string   `json:"path" validate:"required"`
	Format        string   `json:"format" validate:"required"`
	MinSize       int64    `json:"min_size" validate:"gte=0"`
	QualityChecks []string `json:"quality_checks,omitempty"`
	Schema        *Schema  `json:"schema,omitempty"`
}

// Schema is the structural contract for keyed formats (json, yaml, toml).
type Schema struct {
	RequiredKeys []string `json:"required_keys,omitempty"`
}

// Operator compares a measured value with a target.
type Operator string

// Supported comparison operators.
const (
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpGreater        Operator = ">"
	OpLess           Operator = "<"
)

const equalityTolerance = 1e-9

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess:
		return true
	default:
		return false
	}
}

// QuantitativeMeasure is a success criterion: measured <op> target.
type QuantitativeMeasure struct {
	Target float64  `json:"target"`
	Op     Operator `json:"op" validate:"required"`
	Unit   string   `json:"unit,omitempty"`
}

// Satisfied evaluates the criterion against a measured value.
func (m QuantitativeMeasure) Satisfied(measured float64) bool {
	switch m.Op {
	case OpEqual:
		return math.Abs(measured-m.Target) <= equalityTolerance
	case OpNotEqual:
		return math.Abs(measured-m.Target) > equalityTolerance
	case OpGreaterOrEqual:
		return measured >= m.Target-equalityTolerance
	case OpLessOrEqual:
		return measured <= m.Target+equalityTolerance
	case OpGreater:
		return measured > m.Target
	case OpLess:
		return measured < m.Target
	default:
		return false
	}
}

// String renders the criterion, e.g. ">= 0.95 ratio".
func (m QuantitativeMeasure) String() string {
	s := fmt.Sprintf("%s %g", m.Op, m.Target)
	if m.Unit != "" {
		s += " " + m.Unit
	}
	return s
}

// TestCase is a literal input/expected-output pair for the oracle.
type TestCase struct {
	Name     string `json:"name,omitempty"`
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// TestOracle is the authoritative definition of correct behavior.
type TestOracle struct {
	Name             string     `json:"name" validate:"required"`
	Description      string     `json:"description,omitempty"`
	ExpectedBehavior string     `json:"expected_behavior" validate:"required"`
	ValidationMethod string     `json:"validation_method" validate:"required"`
	Command          []string   `json:"command,omitempty"`
	TestCases        []TestCase `json:"test_cases,omitempty"`
}

// Sample is a reduced-scale input used by the proof-of-concept gate.
type Sample struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// Definition describes one unit of work. It is validated once at creation and
// not mutated afterwards; lifecycle state lives on the queue entry.
type Definition struct {
	ID                     string                         `json:"id"`
	Domain                 string                         `json:"domain"`
	Priority               Priority                       `json:"priority"`
	Description            string                         `json:"description,omitempty"`
	ExpectedOutputs        []OutputSpec                   `json:"expected_outputs"`
	SuccessCriteria        map[string]QuantitativeMeasure `json:"success_criteria"`
	TestOracle             *TestOracle                    `json:"test_oracle"`
	ResourceLimits         *resource.Limits               `json:"resource_limits,omitempty"`
	ApprovedArchitectures  []string                       `json:"approved_architectures,omitempty"`
	ForbiddenPatterns      []string                       `json:"forbidden_patterns,omitempty"`
	MandatoryBase          string                         `json:"mandatory_base,omitempty"`
	RequiresPOC            bool                           `json:"requires_poc,omitempty"`
	ValidationSamples      []Sample                       `json:"validation_samples,omitempty"`
	ImplementationArtifact string                         `json:"implementation_artifact,omitempty"`
	Approach               string                         `json:"approach,omitempty"`
	RegressionTests        []string                       `json:"regression_tests,omitempty"`
	Overrides              map[string]string              `json:"overrides,omitempty"`
	Command                []string                       `json:"command,omitempty"`
	WorkDir                string                         `json:"work_dir,omitempty"`
	Payload                Payload                        `json:"-"`
}

// New validates d and returns it. It is the only supported way to build a
// Definition outside of tests.
func New(d Definition) (*Definition, error) {
	if d.Priority == "" {
		d.Priority = PriorityNormal
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks every mandatory field.
func (d *Definition) Validate() error {
	if d == nil {
		return &DefinitionError{Field: "task", Reason: "definition is nil"}
	}
	if strings.TrimSpace(d.ID) == "" {
		return &DefinitionError{Field: "id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(d.Domain) == "" {
		return &DefinitionError{TaskID: d.ID, Field: "domain", Reason: "must not be empty"}
	}
	if !d.Priority.Valid() {
		return &DefinitionError{TaskID: d.ID, Field: "priority", Reason: fmt.Sprintf("unknown priority %q", d.Priority)}
	}

	if len(d.ExpectedOutputs) == 0 {
		return &DefinitionError{TaskID: d.ID, Field: "expected_outputs", Reason: "at least one expected output is required"}
	}
	seen := make(map[string]struct{}, len(d.ExpectedOutputs))
	for i, out := range d.ExpectedOutputs {
		field := fmt.Sprintf("expected_outputs[%d]", i)
		if strings.TrimSpace(out.Path) == "" {
			return &DefinitionError{TaskID: d.ID, Field: field + ".path", Reason: "must not be empty"}
		}
		if strings.TrimSpace(out.Format) == "" {
			return &DefinitionError{TaskID: d.ID, Field: field + ".format", Reason: "must not be empty"}
		}
		if out.MinSize < 0 {
			return &DefinitionError{TaskID: d.ID, Field: field + ".min_size", Reason: "must not be negative"}
		}
		clean := filepath.Clean(out.Path)
		if _, dup := seen[clean]; dup {
			return &DefinitionError{TaskID: d.ID, Field: field + ".path", Reason: fmt.Sprintf("duplicate output %q", out.Path)}
		}
		seen[clean] = struct{}{}
	}

	if len(d.SuccessCriteria) == 0 {
		return &DefinitionError{TaskID: d.ID, Field: "success_criteria", Reason: "at least one success criterion is required"}
	}
	for _, name := range d.CriteriaNames() {
		measure := d.SuccessCriteria[name]
		if strings.TrimSpace(name) == "" {
			return &DefinitionError{TaskID: d.ID, Field: "success_criteria", Reason: "metric name must not be empty"}
		}
		if !measure.Op.Valid() {
			return &DefinitionError{TaskID: d.ID, Field: "success_criteria." + name + ".op", Reason: fmt.Sprintf("unsupported operator %q", measure.Op)}
		}
	}

	if err := validateOracle(d.ID, d.TestOracle); err != nil {
		return err
	}

	if d.ResourceLimits != nil {
		if err := d.ResourceLimits.Validate(); err != nil {
			return &DefinitionError{TaskID: d.ID, Field: "resource_limits", Reason: err.Error()}
		}
	}

	for gate, justification := range d.Overrides {
		if !isOverridable(gate) {
			return &DefinitionError{TaskID: d.ID, Field: "overrides." + gate, Reason: "gate cannot be overridden"}
		}
		if strings.TrimSpace(justification) == "" {
			return &DefinitionError{TaskID: d.ID, Field: "overrides." + gate, Reason: "override requires a justification"}
		}
		if gate == GateProofOfConcept && d.RequiresPOC {
			return &DefinitionError{TaskID: d.ID, Field: "overrides." + gate, Reason: "proof of concept is mandatory for this task"}
		}
	}

	if d.Payload != nil {
		if d.Payload.Domain() != d.Domain && !isGeneric(d.Payload) {
			return &DefinitionError{TaskID: d.ID, Field: "payload", Reason: fmt.Sprintf("payload is for domain %q", d.Payload.Domain())}
		}
		if err := validatePayload(d.Payload); err != nil {
			return &DefinitionError{TaskID: d.ID, Field: "payload", Reason: err.Error()}
		}
	}

	return nil
}

func validateOracle(taskID string, oracle *TestOracle) error {
	if oracle == nil {
		return &DefinitionError{TaskID: taskID, Field: "test_oracle", Reason: "test oracle is mandatory"}
	}
	if strings.TrimSpace(oracle.Name) == "" {
		return &DefinitionError{TaskID: taskID, Field: "test_oracle.name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(oracle.ExpectedBehavior) == "" {
		return &DefinitionError{TaskID: taskID, Field: "test_oracle.expected_behavior", Reason: "must not be empty"}
	}
	switch oracle.ValidationMethod {
	case MethodCommand, MethodExactOutput:
		if len(oracle.Command) == 0 {
			return &DefinitionError{TaskID: taskID, Field: "test_oracle.command", Reason: fmt.Sprintf("required for validation method %q", oracle.ValidationMethod)}
		}
	case MethodTestCases:
		if len(oracle.Command) == 0 {
			return &DefinitionError{TaskID: taskID, Field: "test_oracle.command", Reason: "required for validation method \"test_cases\""}
		}
		if len(oracle.TestCases) == 0 {
			return &DefinitionError{TaskID: taskID, Field: "test_oracle.test_cases", Reason: "at least one test case is required"}
		}
	default:
		return &DefinitionError{TaskID: taskID, Field: "test_oracle.validation_method", Reason: fmt.Sprintf("unsupported method %q", oracle.ValidationMethod)}
	}
	return nil
}

func isOverridable(gate string) bool {
	for _, g := range OverridableGates {
		if g == gate {
			return true
		}
	}
	return false
}

// CriteriaNames returns the success criteria metric names in sorted order so
// evaluation and reporting are deterministic.
func (d *Definition) CriteriaNames() []string {
	names := make([]string, 0, len(d.SuccessCriteria))
	for name := range d.SuccessCriteria {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Override returns the justification recorded for skipping gate.
func (d *Definition) Override(gate string) (string, bool) {
	justification, ok := d.Overrides[gate]
	return justification, ok
}

// ResolvePath resolves an artifact path relative to the task's work dir.
func (d *Definition) ResolvePath(path string) string {
	if filepath.IsAbs(path) || d.WorkDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(d.WorkDir, path)
}

// definitionJSON is the wire form; the payload is carried as raw JSON and
// decoded according to the domain.
type definitionJSON struct {
	alias
	Payload json.RawMessage `json:"payload,omitempty"`
}

type alias Definition

// MarshalJSON implements json.Marshaler.
func (d Definition) MarshalJSON() ([]byte, error) {
	wire := definitionJSON{alias: alias(d)}
	if d.Payload != nil {
		raw, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		wire.Payload = raw
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var wire definitionJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*d = Definition(wire.alias)
	if len(wire.Payload) > 0 && string(wire.Payload) != "null" {
		payload, err := DecodePayload(d.Domain, wire.Payload)
		if err != nil {
			return fmt.Errorf("task %s: %w", d.ID, err)
		}
		d.Payload = payload
	}
	return nil
}
