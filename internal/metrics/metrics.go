// Package metrics exposes scheduler activity as Prometheus collectors. The
// scheduler is a batch job, so metrics are written to a node-exporter
// textfile at the end of each run rather than served over HTTP.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/j5a-ops/j5a/internal/executor"
	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/task"
	"github.com/j5a-ops/j5a/internal/validation"
)

const namespace = "j5a"

// Collector implements executor.Metrics.
type Collector struct {
	registry *prometheus.Registry

	gateEvaluations *prometheus.CounterVec
	gateDuration    *prometheus.HistogramVec
	layerResults    *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	cpuTemp         prometheus.Gauge
	memUsed         prometheus.Gauge
	loadAvg         prometheus.Gauge
	queueTasks      *prometheus.GaugeVec
	lastRun         prometheus.Gauge

	now func() time.Time
}

// New creates a Collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		now:      time.Now,
		gateEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "evaluations_total",
			Help:      "Gate evaluations by gate and result.",
		}, []string{"gate", "result", "class"}),
		gateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "duration_seconds",
			Help:      "Time spent evaluating each gate.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"gate"}),
		layerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "layers_total",
			Help:      "Validation layer outcomes by layer and result.",
		}, []string{"layer", "result"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "finished_total",
			Help:      "Tasks finished by final status and failure class.",
		}, []string{"status", "class"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Wall time from pick to final status.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
		}, []string{"status"}),
		cpuTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "cpu_temperature_celsius",
			Help:      "Last CPU temperature reading.",
		}),
		memUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "memory_used_gigabytes",
			Help:      "Last memory usage reading.",
		}),
		loadAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "load_average",
			Help:      "Last one-minute load average reading.",
		}),
		queueTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks",
			Help:      "Queued tasks by status at the end of the last run.",
		}, []string{"status"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}

	reg.MustRegister(
		c.gateEvaluations, c.gateDuration, c.layerResults,
		c.tasksFinished, c.taskDuration,
		c.cpuTemp, c.memUsed, c.loadAvg,
		c.queueTasks, c.lastRun,
	)
	return c
}

// Registry returns the registry holding every collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveGate records one gate result.
func (c *Collector) ObserveGate(r gate.Result) {
	if c == nil {
		return
	}
	result := "blocked"
	switch {
	case r.Skipped:
		result = "skipped"
	case r.Passed:
		result = "passed"
	}
	c.gateEvaluations.WithLabelValues(string(r.Gate), result, string(r.Class)).Inc()
	c.gateDuration.WithLabelValues(string(r.Gate)).Observe(r.Duration.Seconds())
}

// ObserveValidation records every evaluated layer.
func (c *Collector) ObserveValidation(report *validation.Report) {
	if c == nil || report == nil {
		return
	}
	for _, l := range report.Layers {
		c.layerResults.WithLabelValues(string(l.Layer), string(l.Result)).Inc()
	}
}

// ObserveTask records a finished task.
func (c *Collector) ObserveTask(res *executor.ExecutionResult) {
	if c == nil || res == nil {
		return
	}
	c.tasksFinished.WithLabelValues(string(res.Status), string(res.Class)).Inc()
	c.taskDuration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())
}

// ObserveSnapshot records the latest resource reading.
func (c *Collector) ObserveSnapshot(s resource.Snapshot) {
	if c == nil {
		return
	}
	c.cpuTemp.Set(s.CPUTempCelsius)
	c.memUsed.Set(s.MemoryUsedGB)
	c.loadAvg.Set(s.LoadAverage)
}

// ObserveQueue records queue depth by status and marks the run finished.
func (c *Collector) ObserveQueue(counts map[task.Status]int) {
	if c == nil {
		return
	}
	c.queueTasks.Reset()
	for _, status := range []task.Status{
		task.StatusPending, task.StatusRunning, task.StatusDeferred,
		task.StatusCompleted, task.StatusBlocked, task.StatusFailed,
	} {
		c.queueTasks.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	c.lastRun.Set(float64(c.now().Unix()))
}

// WriteTextfile writes every collector to path in the text exposition
// format, atomically, for node-exporter's textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
