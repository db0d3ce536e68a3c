package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j5a-ops/j5a/internal/executor"
	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/task"
	"github.com/j5a-ops/j5a/internal/validation"
)

var _ executor.Metrics = (*Collector)(nil)

func TestCollector_GatesAndLayers(t *testing.T) {
	c := New()

	c.ObserveGate(gate.Result{Gate: gate.PreFlight, Passed: true, Duration: 20 * time.Millisecond})
	c.ObserveGate(gate.Result{Gate: gate.Implementation, Passed: true, Skipped: true})
	c.ObserveGate(gate.Result{Gate: gate.PreFlight, Class: gate.ClassResource})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.gateEvaluations.WithLabelValues("preflight", "passed", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gateEvaluations.WithLabelValues("implementation", "skipped", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gateEvaluations.WithLabelValues("preflight", "blocked", "resource")))

	c.ObserveValidation(&validation.Report{Layers: []validation.LayerReport{
		{Layer: validation.LayerExistence, Result: validation.ResultPassed},
		{Layer: validation.LayerQuality, Result: validation.ResultFailed},
	}})
	c.ObserveValidation(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.layerResults.WithLabelValues("existence", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.layerResults.WithLabelValues("quality", "failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.layerResults))
}

func TestCollector_TasksAndResources(t *testing.T) {
	c := New()
	c.ObserveTask(&executor.ExecutionResult{Status: task.StatusCompleted, Duration: time.Minute})
	c.ObserveTask(&executor.ExecutionResult{Status: task.StatusDeferred, Class: gate.ClassResource})
	c.ObserveSnapshot(resource.Snapshot{CPUTempCelsius: 72.5, MemoryUsedGB: 6, LoadAverage: 1.5})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("completed", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("deferred", "resource")))
	assert.Equal(t, 72.5, testutil.ToFloat64(c.cpuTemp))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.memUsed))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.loadAvg))
}

func TestCollector_WriteTextfile(t *testing.T) {
	c := New()
	c.now = func() time.Time { return time.Unix(1767225600, 0) }
	c.ObserveQueue(map[task.Status]int{task.StatusPending: 2, task.StatusFailed: 1})

	path := filepath.Join(t.TempDir(), "metrics", "j5a.prom")
	require.NoError(t, c.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `j5a_queue_tasks{status="pending"} 2`)
	assert.Contains(t, text, `j5a_queue_tasks{status="failed"} 1`)
	assert.Contains(t, text, `j5a_queue_tasks{status="completed"} 0`)
	assert.True(t, strings.Contains(text, "j5a_last_run_timestamp_seconds 1.7672256e+09"), text)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveGate(gate.Result{})
	c.ObserveTask(&executor.ExecutionResult{})
	c.ObserveQueue(nil)
	assert.NoError(t, c.WriteTextfile("/nonexistent/j5a.prom"))
}
