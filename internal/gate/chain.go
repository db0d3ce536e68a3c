package gate

import (
	"context"
	"time"

	"github.com/spf13/afero"

	"github.com/j5a-ops/j5a/internal/logging"
	"github.com/j5a-ops/j5a/internal/methodology"
	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/task"
)

// DefaultPOCSuccessRate is the fraction of validation samples that must
// produce their expected output for the proof of concept to pass.
const DefaultPOCSuccessRate = 0.6

// Policy holds the tunable thresholds the gates apply.
type Policy struct {
	// Limits are the global ceilings; task limits are merged on top.
	Limits  resource.Limits
	Windows []Window
	// POCDomains lists domains whose tasks always run a proof of concept.
	POCDomains map[string]bool
	// POCSuccessRate applies to every domain without an entry in
	// DomainPOCRates.
	POCSuccessRate float64
	DomainPOCRates map[string]float64
}

func (p Policy) pocRate(domain string) float64 {
	if rate, ok := p.DomainPOCRates[domain]; ok {
		return rate
	}
	if p.POCSuccessRate > 0 {
		return p.POCSuccessRate
	}
	return DefaultPOCSuccessRate
}

// Deps are the collaborators the chain consults.
type Deps struct {
	Monitor    ResourceChecker
	Enforcer   *methodology.Enforcer
	Catalog    *methodology.Catalog
	POC        POCRunner
	Regression RegressionRunner
	Rollback   RollbackRecorder
	// Fs is where sample outputs and implementation artifacts are read from.
	Fs     afero.Fs
	Now    func() time.Time
	Logger *logging.Logger
}

// Chain evaluates the gates in Order.
type Chain struct {
	monitor    ResourceChecker
	enforcer   *methodology.Enforcer
	catalog    *methodology.Catalog
	poc        POCRunner
	regression RegressionRunner
	rollback   RollbackRecorder
	fs         afero.Fs
	now        func() time.Time
	policy     Policy
	logger     *logging.Logger
}

// NewChain creates a gate chain.
func NewChain(deps Deps, policy Policy) *Chain {
	c := &Chain{
		monitor:    deps.Monitor,
		enforcer:   deps.Enforcer,
		catalog:    deps.Catalog,
		poc:        deps.POC,
		regression: deps.Regression,
		rollback:   deps.Rollback,
		fs:         deps.Fs,
		now:        deps.Now,
		policy:     policy,
		logger:     logging.OrNop(deps.Logger).Component("gate"),
	}
	if c.enforcer == nil {
		c.enforcer = methodology.NewEnforcer(0)
	}
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Policy returns the thresholds the chain was built with.
func (c *Chain) Policy() Policy {
	return c.policy
}

// Limits returns the global limits merged with the task's own.
func (c *Chain) Limits(def *task.Definition) resource.Limits {
	return c.policy.Limits.Merge(def.ResourceLimits)
}

// Run evaluates the gates in order and stops at the first block. Gates after
// a block are never evaluated.
func (c *Chain) Run(ctx context.Context, def *task.Definition, hooks Hooks) Outcome {
	var out Outcome

	for i, name := range Order {
		if i > 0 {
			if err := c.between(ctx, hooks, name); err != nil {
				r := Result{Gate: name, Reason: CancelledReason, Class: ClassCancelled}
				c.record(&out, hooks, r)
				c.logger.Info("task cancelled between gates", "task_id", def.ID, "next_gate", string(name), "error", err)
				return out
			}
		}

		start := c.now()
		r := c.evaluate(ctx, name, def, hooks.RunID)
		r.Gate = name
		r.Duration = c.now().Sub(start)
		c.record(&out, hooks, r)

		switch {
		case r.Skipped:
			c.logger.Warn("gate skipped by override", "task_id", def.ID, "gate", string(name), "justification", r.Deviation)
		case r.Passed:
			c.logger.Debug("gate passed", "task_id", def.ID, "gate", string(name), "reason", r.Reason)
		default:
			c.logger.Info("gate blocked", "task_id", def.ID, "gate", string(name), "class", string(r.Class), "reason", r.Reason)
			return out
		}
	}
	return out
}

func (c *Chain) between(ctx context.Context, hooks Hooks, next Name) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if hooks.Between != nil {
		return hooks.Between(next)
	}
	return nil
}

func (c *Chain) record(out *Outcome, hooks Hooks, r Result) {
	out.Results = append(out.Results, r)
	if !r.Passed {
		blocking := out.Results[len(out.Results)-1]
		out.Blocking = &blocking
	}
	if hooks.OnResult != nil {
		hooks.OnResult(r)
	}
}

func (c *Chain) evaluate(ctx context.Context, name Name, def *task.Definition, runID string) Result {
	if justification, ok := def.Override(string(name)); ok && c.overridable(name, def) {
		return Result{
			Passed:    true,
			Skipped:   true,
			Reason:    "skipped by override: " + justification,
			Deviation: justification,
		}
	}

	switch name {
	case PreFlight:
		return c.preflight(ctx, def)
	case ProofOfConcept:
		return c.proofOfConcept(ctx, def)
	case Implementation:
		return c.implementation(ctx, def)
	case Delivery:
		return c.delivery(ctx, def, runID)
	default:
		return Result{Reason: "unknown gate " + string(name), Class: ClassDefinition}
	}
}

func (c *Chain) overridable(name Name, def *task.Definition) bool {
	switch name {
	case ProofOfConcept:
		return !def.RequiresPOC
	case Implementation:
		return true
	default:
		return false
	}
}

// resourceResult turns a monitor check into a gate result.
func resourceResult(check resource.Check) Result {
	r := Result{Passed: check.Safe, Reason: check.Reason}
	if check.Err == nil {
		snap := check.Snapshot
		r.Snapshot = &snap
	}
	switch {
	case check.Safe:
	case check.Err != nil:
		r.Class = ClassInfrastructure
		r.Retryable = true
	default:
		r.Class = ClassResource
		r.Retryable = true
	}
	return r
}
