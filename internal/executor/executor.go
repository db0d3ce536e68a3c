// Package executor is the overnight scheduler: it pulls tasks from the queue
// one at a time and drives each through the gate chain, the execution
// delegate and outcome validation, then records what happened.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/ids"
	"github.com/j5a-ops/j5a/internal/logging"
	"github.com/j5a-ops/j5a/internal/queue"
	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/task"
	"github.com/j5a-ops/j5a/internal/validation"
)

// DefaultMaxDeferrals is how many times a task may be deferred for resource
// reasons before it is blocked for a human to look at.
const DefaultMaxDeferrals = 5

// Delegate produces a task's outputs.
type Delegate interface {
	Execute(ctx context.Context, def *task.Definition) (task.Bundle, error)
}

// GateRunner evaluates the quality gates. *gate.Chain implements it.
type GateRunner interface {
	Run(ctx context.Context, def *task.Definition, hooks gate.Hooks) gate.Outcome
	Limits(def *task.Definition) resource.Limits
}

// Validator checks what the delegate produced. *validation.Validator
// implements it.
type Validator interface {
	Validate(ctx context.Context, def *task.Definition, bundle task.Bundle) *validation.Report
}

// ResourceMonitor reads the machine state. *resource.Monitor implements it.
type ResourceMonitor interface {
	Check(ctx context.Context, limits resource.Limits) resource.Check
	WaitUntilSafe(ctx context.Context, limits resource.Limits, policy resource.WaitPolicy) resource.Check
}

// ResultStore persists execution results.
type ResultStore interface {
	Save(res *ExecutionResult) error
}

// Config tunes scheduling.
type Config struct {
	// Limits are the global ceilings used to pick resource-eligible tasks.
	Limits resource.Limits
	// Wait is how long to wait for resources before preflight gets its say.
	Wait         resource.WaitPolicy
	MaxDeferrals int
}

// Executor runs queued tasks strictly one at a time.
type Executor struct {
	queue     *queue.Queue
	monitor   ResourceMonitor
	gates     GateRunner
	delegate  Delegate
	validator Validator
	cfg       Config

	store    ResultStore
	progress *queue.ProgressLogger
	lock     *queue.RunLock
	cancel   *CancelMarkers
	events   Events
	metrics  Metrics
	newRunID func() string
	now      func() time.Time
	logger   *logging.Logger
}

// New creates an Executor. Optional collaborators are set with the With
// methods.
func New(q *queue.Queue, monitor ResourceMonitor, gates GateRunner, delegate Delegate, validator Validator, cfg Config) *Executor {
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = DefaultMaxDeferrals
	}
	return &Executor{
		queue:     q,
		monitor:   monitor,
		gates:     gates,
		delegate:  delegate,
		validator: validator,
		cfg:       cfg,
		events:    nopEvents{},
		metrics:   nopEvents{},
		newRunID:  ids.NewRunID,
		now:       time.Now,
		logger:    logging.Nop(),
	}
}

// WithStore persists every ExecutionResult.
func (e *Executor) WithStore(s ResultStore) *Executor {
	e.store = s
	return e
}

// WithProgress appends audit events to the progress log.
func (e *Executor) WithProgress(p *queue.ProgressLogger) *Executor {
	e.progress = p
	return e
}

// WithLock makes batch entry points hold the workspace run lock.
func (e *Executor) WithLock(l *queue.RunLock) *Executor {
	e.lock = l
	return e
}

// WithCancelMarkers enables file-based operator cancellation.
func (e *Executor) WithCancelMarkers(c *CancelMarkers) *Executor {
	e.cancel = c
	return e
}

// WithEvents sets the event handler.
func (e *Executor) WithEvents(ev Events) *Executor {
	if ev == nil {
		ev = nopEvents{}
	}
	e.events = ev
	return e
}

// WithMetrics sets the metrics recorder.
func (e *Executor) WithMetrics(m Metrics) *Executor {
	if m == nil {
		m = nopEvents{}
	}
	e.metrics = m
	return e
}

// WithRunIDs sets the run identifier generator.
func (e *Executor) WithRunIDs(fn func() string) *Executor {
	e.newRunID = fn
	return e
}

// WithClock sets the time source.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// WithLogger sets the logger.
func (e *Executor) WithLogger(l *logging.Logger) *Executor {
	e.logger = logging.OrNop(l).Component("executor")
	return e
}

// RunNext executes the next eligible task. It returns nil when nothing is
// eligible.
func (e *Executor) RunNext(ctx context.Context) (*ExecutionResult, error) {
	release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.recoverInterrupted(); err != nil {
		return nil, err
	}
	runID := e.newRunID()
	return e.runOne(ctx, runID, nil)
}

// RunAll executes every eligible task in priority order. Each task is
// attempted at most once per call, so a deferred task waits for the next run.
func (e *Executor) RunAll(ctx context.Context) (Summary, error) {
	release, err := e.acquire()
	if err != nil {
		return Summary{}, err
	}
	defer release()

	if err := e.recoverInterrupted(); err != nil {
		return Summary{}, err
	}
	return e.runBatch(ctx, nil)
}

// recoverInterrupted returns tasks left running by a crashed process to pending.
func (e *Executor) recoverInterrupted() error {
	recovered, err := e.queue.Recover()
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		e.logger.Warn("recovered interrupted tasks", "tasks", recovered)
	}
	return nil
}

// ExecuteTaskList enqueues defs and executes them sequentially in priority
// order. Tasks already in the queue in an eligible state are run as they are.
// A definition the queue refuses, such as an id that already completed, is
// recorded in Summary.Rejected and the rest of the list still runs.
func (e *Executor) ExecuteTaskList(ctx context.Context, defs []*task.Definition) (Summary, error) {
	release, err := e.acquire()
	if err != nil {
		return Summary{}, err
	}
	defer release()

	if err := e.recoverInterrupted(); err != nil {
		return Summary{}, err
	}

	only := make(map[string]bool, len(defs))
	var rejected []*task.IntakeError
	for _, def := range defs {
		if _, err := e.queue.Enqueue(def); err != nil {
			var defErr *task.DefinitionError
			switch {
			case errors.Is(err, queue.ErrDuplicate):
				if existing, getErr := e.queue.Get(def.ID); getErr == nil && existing.Status.IsEligible() {
					only[def.ID] = true
					continue
				}
			case errors.As(err, &defErr):
			default:
				return Summary{}, fmt.Errorf("enqueue %s: %w", def.ID, err)
			}
			rej := &task.IntakeError{Source: "batch", TaskID: def.ID, Err: err}
			rejected = append(rejected, rej)
			e.progress.TaskRejected(rej.TaskID, rej.Source, 0, err.Error())
			e.logger.Warn("task rejected", "task", def.ID, "source", rej.Source, "error", err)
			continue
		}
		e.progress.TaskEnqueued(def.ID, string(def.Priority), "batch")
		only[def.ID] = true
	}

	summary, err := e.runBatch(ctx, only)
	summary.Rejected = rejected
	return summary, err
}

func (e *Executor) runBatch(ctx context.Context, only map[string]bool) (Summary, error) {
	runID := e.newRunID()
	start := e.now()
	summary := Summary{RunID: runID}

	e.progress.RunStarted(runID, e.eligibleCount(only))
	e.logger.Info("run started", "run_id", runID)

	skip := make(map[string]bool)
	for ctx.Err() == nil {
		for _, entry := range e.queue.List() {
			if only != nil && !only[entry.ID()] {
				skip[entry.ID()] = true
			}
		}

		res, err := e.runOne(ctx, runID, skip)
		if err != nil {
			summary.Elapsed = e.now().Sub(start)
			return summary, err
		}
		if res == nil {
			break
		}
		skip[res.TaskID] = true
		summary.add(res)
	}

	summary.Elapsed = e.now().Sub(start)
	e.progress.RunFinished(runID, summary.Counts(), summary.Elapsed)
	e.metrics.ObserveQueue(e.queue.Counts())
	e.events.OnRunComplete(summary)
	e.logger.Info("run finished", "run_id", runID,
		"completed", summary.Completed, "blocked", summary.Blocked,
		"failed", summary.Failed, "deferred", summary.Deferred,
		"elapsed", summary.Elapsed.String())
	return summary, nil
}

func (e *Executor) eligibleCount(only map[string]bool) int {
	n := 0
	for _, entry := range e.queue.List() {
		if entry.Status.IsEligible() && (only == nil || only[entry.ID()]) {
			n++
		}
	}
	return n
}

func (e *Executor) acquire() (func(), error) {
	if e.lock == nil {
		return func() {}, nil
	}
	if err := e.lock.Acquire(); err != nil {
		return nil, err
	}
	return func() {
		if err := e.lock.Release(); err != nil {
			e.logger.Warn("failed to release run lock", "error", err)
		}
	}, nil
}

// pick chooses the next task: the highest-priority task the current reading
// admits, or, when the machine admits none, the highest-priority eligible
// task so preflight records why it cannot run.
func (e *Executor) pick(ctx context.Context, skip map[string]bool) *queue.Entry {
	check := e.monitor.Check(ctx, e.cfg.Limits)
	var snap *resource.Snapshot
	if check.Err == nil {
		snap = &check.Snapshot
		e.metrics.ObserveSnapshot(check.Snapshot)
	}
	if entry := e.queue.PeekNextEligible(snap, e.cfg.Limits, skip); entry != nil {
		return entry
	}
	if snap == nil {
		return nil
	}
	return e.queue.PeekNextEligible(nil, e.cfg.Limits, skip)
}

// runOne executes a single task. A nil result means no task was eligible.
// Returned errors are unexpected failures that should abort a batch.
func (e *Executor) runOne(ctx context.Context, runID string, skip map[string]bool) (*ExecutionResult, error) {
	picked := e.pick(ctx, skip)
	if picked == nil {
		return nil, nil
	}

	entry, err := e.queue.Start(picked.ID(), runID)
	if err != nil {
		return nil, err
	}
	def := entry.Task
	res := &ExecutionResult{
		RunID:     runID,
		TaskID:    def.ID,
		Domain:    def.Domain,
		Priority:  def.Priority,
		Attempt:   entry.Attempts,
		StartedAt: e.now(),
	}
	log := e.logger.With("task_id", def.ID, "run_id", runID)

	e.progress.TaskStarted(def.ID, runID, entry.Attempts)
	e.events.OnTaskStart(entry, runID)
	log.Info("task started", "priority", string(def.Priority), "attempt", entry.Attempts)

	if err := e.checkCancelled(ctx, def.ID); err != nil {
		return e.finishCancelled(entry, res, gate.PreFlight)
	}

	if e.cfg.Wait.MaxWait > 0 {
		check := e.monitor.WaitUntilSafe(ctx, e.gates.Limits(def), e.cfg.Wait)
		if check.Err == nil {
			res.Peak.Observe(check.Snapshot)
		}
	}

	outcome := e.gates.Run(ctx, def, gate.Hooks{
		RunID: runID,
		Between: func(gate.Name) error {
			return e.checkCancelled(ctx, def.ID)
		},
		OnResult: func(r gate.Result) {
			e.onGateResult(def.ID, r, res)
		},
	})
	e.recordGates(res, outcome)

	if !outcome.AllPassed() {
		return e.finishGateBlock(entry, res, outcome)
	}

	if err := e.checkCancelled(ctx, def.ID); err != nil {
		return e.finishCancelled(entry, res, "execution")
	}

	execStart := e.now()
	bundle, err := e.delegate.Execute(ctx, def)
	if err != nil {
		if e.checkCancelled(ctx, def.ID) != nil {
			return e.finishCancelled(entry, res, "execution")
		}
		infraErr := &InfrastructureError{Stage: "execution delegate", Err: err}
		log.Error("delegate failed", "class", string(gate.ClassInfrastructure), "error", infraErr)
		return e.finish(entry, res, task.StatusBlocked, gate.ClassInfrastructure, infraErr.Error())
	}
	res.Outputs = bundle.Outputs
	res.Metrics = bundle.Metrics
	e.progress.TaskExecuted(def.ID, len(bundle.Outputs), e.now().Sub(execStart))
	e.events.OnTaskExecuted(def.ID, bundle)

	if err := e.checkCancelled(ctx, def.ID); err != nil {
		return e.finishCancelled(entry, res, "validation")
	}

	report := e.validator.Validate(ctx, def, bundle)
	res.Validation = report
	e.metrics.ObserveValidation(report)
	e.events.OnValidation(def.ID, report)

	if check := e.monitor.Check(ctx, e.gates.Limits(def)); check.Err == nil {
		res.Peak.Observe(check.Snapshot)
		e.metrics.ObserveSnapshot(check.Snapshot)
	}

	if completionAllowed(outcome, report) {
		return e.finish(entry, res, task.StatusCompleted, "", report.Summary())
	}

	layer := report.FailedLayer
	e.progress.ValidationFailed(def.ID, string(layer), string(report.Overall), report.BlockingReason)
	if report.Overall == validation.ResultBlocked {
		return e.finish(entry, res, task.StatusBlocked, gate.ClassInfrastructure, report.Summary())
	}
	return e.finish(entry, res, task.StatusFailed, gate.ClassValidation, report.Summary())
}

func (e *Executor) onGateResult(taskID string, r gate.Result, res *ExecutionResult) {
	if r.Snapshot != nil {
		res.Peak.Observe(*r.Snapshot)
	}
	switch {
	case r.Skipped:
		e.progress.GateOverride(taskID, string(r.Gate), r.Deviation)
	case r.Passed:
		e.progress.GatePassed(taskID, string(r.Gate), r.Reason)
	default:
		e.progress.GateBlocked(taskID, string(r.Gate), string(r.Class), r.Reason)
	}
	e.metrics.ObserveGate(r)
	e.events.OnGateResult(taskID, r)
}

func (e *Executor) recordGates(res *ExecutionResult, outcome gate.Outcome) {
	res.Gates = outcome.Results
	res.GatesPassed = outcome.Passed()
	res.GatesFailed = outcome.Failed()
	res.BlockingGate = outcome.Blocking
	for _, d := range outcome.Deviations() {
		res.Deviations = append(res.Deviations, Deviation{Gate: d.Gate, Justification: d.Deviation})
	}
}

// finishGateBlock maps a blocking gate onto a task status. Blocks caused by
// the machine's state defer the task; bad work fails it; anything else the
// environment got wrong blocks it for a human.
func (e *Executor) finishGateBlock(entry *queue.Entry, res *ExecutionResult, outcome gate.Outcome) (*ExecutionResult, error) {
	b := outcome.Blocking
	reason := fmt.Sprintf("%s gate blocked: %s", b.Gate, b.Reason)

	switch {
	case b.Class == gate.ClassCancelled:
		return e.finishCancelled(entry, res, b.Gate)
	case b.Retryable:
		if entry.Deferrals >= e.cfg.MaxDeferrals {
			reason = fmt.Sprintf("deferred %d times, giving up; %s", entry.Deferrals, reason)
			return e.finish(entry, res, task.StatusBlocked, b.Class, reason)
		}
		return e.finish(entry, res, task.StatusDeferred, b.Class, reason)
	case b.Class == gate.ClassInfrastructure:
		return e.finish(entry, res, task.StatusBlocked, b.Class, reason)
	default:
		return e.finish(entry, res, task.StatusFailed, b.Class, reason)
	}
}

func (e *Executor) finishCancelled(entry *queue.Entry, res *ExecutionResult, stage gate.Name) (*ExecutionResult, error) {
	e.progress.TaskCancelled(entry.ID(), string(stage))
	return e.finish(entry, res, task.StatusBlocked, gate.ClassCancelled, gate.CancelledReason)
}

// finish records the final status on the queue, the result store and the
// progress log.
func (e *Executor) finish(entry *queue.Entry, res *ExecutionResult, status task.Status, class gate.Class, reason string) (*ExecutionResult, error) {
	res.Status = status
	res.Class = class
	res.Reason = reason
	res.FinishedAt = e.now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)

	var err error
	if status == task.StatusDeferred {
		_, err = e.queue.Requeue(entry.ID(), reason)
	} else {
		_, err = e.queue.Mark(entry.ID(), status, reason)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record status of %s: %w", entry.ID(), err)
	}

	if class == gate.ClassCancelled {
		if err := e.cancel.Clear(entry.ID()); err != nil {
			e.logger.Warn("failed to clear cancel marker", "task_id", entry.ID(), "error", err)
		}
	}

	if e.store != nil {
		if err := e.store.Save(res); err != nil {
			return nil, &InfrastructureError{Stage: "result store", Err: err}
		}
	}

	e.progress.TaskFinished(res.TaskID, string(status), string(class), reason, res.Duration)
	e.metrics.ObserveTask(res)
	e.events.OnTaskFinished(res)

	log := e.logger.With("task_id", res.TaskID, "run_id", res.RunID, "status", string(status))
	switch status {
	case task.StatusCompleted:
		log.Info("task completed", "duration", res.Duration.String())
	case task.StatusDeferred:
		log.Info("task deferred", "class", string(class), "reason", reason)
	default:
		log.Warn("task did not complete", "class", string(class), "reason", reason)
	}
	return res, nil
}

func (e *Executor) checkCancelled(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.cancel.Requested(taskID) {
		return ErrCancelled
	}
	return nil
}
