package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/j5a-ops/j5a/internal/config"
	"github.com/j5a-ops/j5a/internal/delegate"
	"github.com/j5a-ops/j5a/internal/display"
	"github.com/j5a-ops/j5a/internal/executor"
	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/logging"
	"github.com/j5a-ops/j5a/internal/methodology"
	"github.com/j5a-ops/j5a/internal/metrics"
	"github.com/j5a-ops/j5a/internal/queue"
	"github.com/j5a-ops/j5a/internal/report"
	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/rollback"
	"github.com/j5a-ops/j5a/internal/validation"
)

// LogDirName holds j5a.log inside the workspace.
const LogDirName = "logs"

// sensorFactory builds the resource sensor. Tests swap in a fake.
var sensorFactory = func(cfg *config.Config) (resource.Sensor, error) {
	s, err := resource.NewProcSensor(cfg.ProcSensorConfig())
	if err != nil {
		return nil, err
	}
	return s, nil
}

// app is everything a command needs from an initialized workspace.
type app struct {
	workspace string
	cfg       *config.Config
	logger    *logging.Logger
	logFile   io.Closer
	queue     *queue.Queue
	progress  *queue.ProgressLogger
	store     *report.Store
	cancels   *executor.CancelMarkers
	recorder  *rollback.Recorder
	metrics   *metrics.Collector
}

func openApp(workspace string) (*app, error) {
	if err := RequireInitialized(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	logger, logFile, err := logging.OpenFile(filepath.Join(workspace, LogDirName), cfg.LoggerConfig())
	if err != nil {
		return nil, err
	}
	q, err := queue.Open(filepath.Join(workspace, queue.FileName))
	if err != nil {
		logFile.Close()
		return nil, err
	}
	return &app{
		workspace: workspace,
		cfg:       cfg,
		logger:    logger,
		logFile:   logFile,
		queue:     q,
		progress:  queue.NewProgressLogger(workspace).WithLogger(logger),
		store:     report.NewStore(workspace),
		cancels:   executor.NewCancelMarkers(workspace),
		recorder:  rollback.NewRecorder(workspace, rollback.WithIDs(cfg.IDGenerator()), rollback.WithLogger(logger)),
		metrics:   metrics.New(),
	}, nil
}

// reloadQueue rereads queue.json so changes made by other j5a processes
// since openApp are seen.
func (a *app) reloadQueue() error {
	q, err := queue.Open(a.queue.Path())
	if err != nil {
		return err
	}
	a.queue = q
	return nil
}

func (a *app) Close() error {
	return a.logFile.Close()
}

// monitor never fails: without a sensor every check reports the machine
// unsafe, so nothing is admitted.
func (a *app) monitor() *resource.Monitor {
	sensor, err := sensorFactory(a.cfg)
	if err != nil {
		a.logger.Warn("resource sensor unavailable", "error", err, "class", gate.ClassInfrastructure)
	}
	return resource.NewMonitor(sensor, a.logger)
}

// runner bundles an executor with the pieces that must be torn down after a
// run.
type runner struct {
	exec    *executor.Executor
	display *display.Display
	output  *delegate.OutputCapture
}

func (r *runner) Close() error {
	r.display.Stop()
	return r.output.Close()
}

func (a *app) newRunner(out io.Writer, stream bool) (*runner, error) {
	catalog, err := methodology.LoadCatalog(a.cfg.RulesFile)
	if err != nil {
		return nil, err
	}

	disp := display.New(out)
	opts := delegate.OutputOptions{}
	if stream {
		opts.OnLine = func(_, line string) { disp.OnOutputLine(line) }
	}
	output, err := delegate.NewOutputCapture(a.workspace, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open delegate log: %w", err)
	}

	monitor := a.monitor()
	del := delegate.NewCommandDelegate(a.cfg.Delegates, a.cfg.Delegate.Timeout, output, a.logger)
	fs := afero.NewOsFs()
	chain := gate.NewChain(gate.Deps{
		Monitor:    monitor,
		Enforcer:   methodology.NewEnforcer(0),
		Catalog:    catalog,
		POC:        delegate.POCRunner{Delegate: del},
		Regression: delegate.ShellRegressionRunner{Timeout: a.cfg.Regression.Timeout},
		Rollback:   a.recorder,
		Fs:         fs,
		Logger:     a.logger,
	}, a.cfg.Policy())
	validator := validation.New(fs, delegate.CommandHarness{Timeout: a.cfg.Oracle.Timeout}, a.cfg.ValidationConfig(), a.logger)

	exec := executor.New(a.queue, monitor, chain, del, validator, a.cfg.ExecutorConfig()).
		WithStore(a.store).
		WithProgress(a.progress).
		WithLock(queue.NewRunLock(a.workspace)).
		WithCancelMarkers(a.cancels).
		WithEvents(disp).
		WithMetrics(a.metrics).
		WithRunIDs(a.cfg.IDGenerator()).
		WithLogger(a.logger)

	return &runner{exec: exec, display: disp, output: output}, nil
}

// flushMetrics writes the textfile after a run. A failure is logged, not
// returned: metrics never change a run's outcome.
func (a *app) flushMetrics() {
	a.metrics.ObserveQueue(a.queue.Counts())
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.logger.Warn("failed to write metrics textfile", "error", err)
	}
}

func lockedError(err error) error {
	if errors.Is(err, queue.ErrLocked) {
		return &PrerequisiteError{
			Check:   "Run lock",
			Message: "another j5a run is in progress",
			Help:    "Wait for it to finish or check 'j5a status'.",
		}
	}
	return err
}
