// Package nightly triggers overnight runs on a cron schedule. Runs never
// overlap: a trigger that fires while the previous run is still going is
// skipped.
package nightly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/j5a-ops/j5a/internal/logging"
)

// Job is one scheduled run.
type Job func(ctx context.Context) error

// Scheduler runs a Job on a standard five-field cron spec.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	cron     *cron.Cron
	job      cron.Job
	logger   *logging.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Scheduler.
type Option func(*options)

type options struct {
	location *time.Location
	logger   *logging.Logger
}

// WithLocation evaluates the cron expression in loc instead of local time.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New parses spec and prepares the scheduler. Nothing runs until Start.
func New(spec string, job Job, opts ...Option) (*Scheduler, error) {
	o := options{location: time.Local}
	for _, opt := range opts {
		opt(&o)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	logger := logging.OrNop(o.logger).Component("nightly")
	cl := cronLogger{logger}
	s := &Scheduler{
		spec:     spec,
		schedule: schedule,
		logger:   logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(o.location),
			cron.WithLogger(cl),
		),
		ctx: context.Background(),
	}
	s.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		start := time.Now()
		s.logger.Info("scheduled run starting", "schedule", s.spec)
		if err := job(ctx); err != nil {
			s.logger.Error("scheduled run failed", "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Info("scheduled run finished", "duration", time.Since(start))
	}))
	s.cron.Schedule(schedule, s.job)
	return s, nil
}

// Next returns the first trigger time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start begins triggering. Jobs receive a context that is cancelled when
// ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("schedule started", "schedule", s.spec, "next", s.Next(time.Now()))

	go func() {
		<-s.ctx.Done()
		s.Stop()
	}()
}

// RunNow triggers the job immediately in the background, subject to the
// same no-overlap rule as scheduled triggers.
func (s *Scheduler) RunNow() {
	go s.job.Run()
}

// Stop stops triggering and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
