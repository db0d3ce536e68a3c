package gate

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/afero"

	"github.com/j5a-ops/j5a/internal/task"
)

func (c *Chain) preflight(ctx context.Context, def *task.Definition) Result {
	if err := def.Validate(); err != nil {
		return Result{Reason: err.Error(), Class: ClassDefinition}
	}
	if c.monitor == nil {
		return Result{Reason: "no resource monitor configured", Class: ClassInfrastructure}
	}

	r := resourceResult(c.monitor.Check(ctx, c.Limits(def)))
	if !r.Passed {
		return r
	}

	now := c.now()
	for _, w := range c.policy.Windows {
		if w.Covers(def.Domain) && w.Active(now) {
			r.Passed = false
			r.Class = ClassResource
			r.Retryable = true
			r.Reason = fmt.Sprintf("protected window %s active for domain %s (%s-%s)", w.Name, def.Domain, w.Start, w.End)
			return r
		}
	}
	return r
}

func (c *Chain) proofOfConcept(ctx context.Context, def *task.Definition) Result {
	if !def.RequiresPOC && !c.policy.POCDomains[def.Domain] {
		return Result{Passed: true, Reason: "not required for domain " + def.Domain}
	}
	if len(def.ValidationSamples) == 0 {
		return Result{Reason: "proof of concept required but no validation samples declared", Class: ClassMethodology}
	}
	if c.poc == nil {
		return Result{Reason: "proof of concept required but no runner configured", Class: ClassInfrastructure}
	}

	if err := c.poc.RunSamples(ctx, def); err != nil {
		return Result{Reason: fmt.Sprintf("proof of concept run failed: %v", err), Class: ClassInfrastructure}
	}

	var missing []string
	for i, sample := range def.ValidationSamples {
		if sample.ExpectedOutput == "" {
			missing = append(missing, fmt.Sprintf("sample %d (no expected output declared)", i+1))
			continue
		}
		if problem := c.sampleProblem(def.ResolvePath(sample.ExpectedOutput)); problem != "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", sample.ExpectedOutput, problem))
		}
	}

	total := len(def.ValidationSamples)
	produced := total - len(missing)
	rate := float64(produced) / float64(total)
	required := c.policy.pocRate(def.Domain)
	summary := fmt.Sprintf("proof of concept: %d/%d samples produced expected outputs", produced, total)

	if rate+1e-9 < required {
		return Result{
			Reason: fmt.Sprintf("%s (%.0f%% < %.0f%% required); missing: %s",
				summary, math.Floor(rate*100), required*100, strings.Join(missing, ", ")),
			Class: ClassMethodology,
		}
	}
	return Result{Passed: true, Reason: summary}
}

// sampleProblem returns why a sample output does not count, or "" when it is
// present with at least one byte.
func (c *Chain) sampleProblem(path string) string {
	info, err := c.fs.Stat(path)
	switch {
	case err != nil:
		return "not found"
	case info.IsDir():
		return "is a directory"
	case info.Size() == 0:
		return "empty"
	default:
		return ""
	}
}

func (c *Chain) implementation(ctx context.Context, def *task.Definition) Result {
	artifact := def.Approach
	if def.ImplementationArtifact != "" {
		data, err := afero.ReadFile(c.fs, def.ResolvePath(def.ImplementationArtifact))
		if err != nil {
			return Result{
				Reason: fmt.Sprintf("implementation artifact %s unreadable: %v", def.ImplementationArtifact, err),
				Class:  ClassMethodology,
			}
		}
		artifact = string(data)
	}

	rules := c.catalog.RulesFor(def.Domain, def)
	compliance := c.enforcer.Check(artifact, rules)
	if !compliance.Compliant {
		return Result{
			Reason:     compliance.Summary(),
			Class:      ClassMethodology,
			Violations: compliance.Violations,
		}
	}

	if len(def.RegressionTests) == 0 {
		return Result{Passed: true, Reason: "methodology compliant; no regression tests declared"}
	}
	if c.regression == nil {
		return Result{Reason: "regression tests declared but no runner configured", Class: ClassInfrastructure}
	}

	var failing []string
	for _, test := range def.RegressionTests {
		res, err := c.regression.Run(ctx, def, test)
		if err != nil {
			return Result{Reason: fmt.Sprintf("regression test %q could not run: %v", test, err), Class: ClassInfrastructure}
		}
		if !res.Passed {
			failing = append(failing, test)
		}
	}

	total := len(def.RegressionTests)
	summary := fmt.Sprintf("regression tests: %d/%d passed", total-len(failing), total)
	if len(failing) > 0 {
		return Result{
			Reason: summary + "; failing: " + strings.Join(failing, ", "),
			Class:  ClassMethodology,
		}
	}
	return Result{Passed: true, Reason: "methodology compliant; " + summary}
}

func (c *Chain) delivery(ctx context.Context, def *task.Definition, runID string) Result {
	if c.monitor == nil {
		return Result{Reason: "no resource monitor configured", Class: ClassInfrastructure}
	}
	r := resourceResult(c.monitor.Check(ctx, c.Limits(def)))
	if !r.Passed {
		return r
	}

	if c.rollback == nil {
		r.Passed = false
		r.Class = ClassInfrastructure
		r.Reason = "rollback information not recorded: no recorder configured"
		return r
	}
	ref, err := c.rollback.Checkpoint(ctx, def, runID)
	if err != nil {
		r.Passed = false
		r.Class = ClassInfrastructure
		r.Reason = fmt.Sprintf("rollback information not recorded: %v", err)
		return r
	}
	if !c.rollback.Exists(ref) {
		r.Passed = false
		r.Class = ClassInfrastructure
		r.Reason = fmt.Sprintf("rollback record %s missing after checkpoint", ref)
		return r
	}

	r.Rollback = ref
	r.Reason = fmt.Sprintf("%s; rollback recorded at %s", r.Reason, ref)
	return r
}
