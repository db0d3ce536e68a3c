package queue

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/j5a-ops/j5a/internal/logging"
)

// ProgressFileName is the audit trail inside the workspace directory.
const ProgressFileName = "progress.log"

// Event type constants for the progress log.
const (
	EventRunStarted       = "run_started"
	EventRunFinished      = "run_finished"
	EventTaskEnqueued     = "task_enqueued"
	EventTaskRejected     = "task_rejected"
	EventTaskStarted      = "task_started"
	EventGatePassed       = "gate_passed"
	EventGateBlocked      = "gate_blocked"
	EventGateOverride     = "gate_override"
	EventTaskExecuted     = "task_executed"
	EventValidationFailed = "validation_failed"
	EventTaskFinished     = "task_finished"
	EventTaskCancelled    = "task_cancelled"
)

// ProgressEvent is a single progress log entry.
type ProgressEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

// String returns a data field as a string, or "".
func (e ProgressEvent) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// ProgressLogger appends events to a JSON Lines file.
type ProgressLogger struct {
	mu     sync.Mutex
	path   string
	now    func() time.Time
	logger *logging.Logger
}

// NewProgressLogger creates a progress logger for the given workspace
// directory.
func NewProgressLogger(dir string) *ProgressLogger {
	return &ProgressLogger{
		path:   filepath.Join(dir, ProgressFileName),
		now:    time.Now,
		logger: logging.Nop(),
	}
}

// WithLogger reports failed writes to l. Callers may then ignore the errors
// returned by the event helpers.
func (p *ProgressLogger) WithLogger(l *logging.Logger) *ProgressLogger {
	p.logger = logging.OrNop(l).Component("progress")
	return p
}

// Path returns the log file location.
func (p *ProgressLogger) Path() string {
	return p.path
}

// Log appends a progress event to the log file. A failed write is logged
// as well as returned.
func (p *ProgressLogger) Log(event string, data map[string]any) error {
	if p == nil {
		return nil
	}
	if err := p.write(event, data); err != nil {
		p.logger.Error("failed to write progress event", "event", event, "path", p.path, "error", err)
		return err
	}
	return nil
}

func (p *ProgressLogger) write(event string, data map[string]any) error {
	entry := ProgressEvent{
		Timestamp: p.now(),
		Event:     event,
		Data:      data,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	jsonBytes = append(jsonBytes, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(jsonBytes)
	return err
}

// RunStarted logs a run_started event.
func (p *ProgressLogger) RunStarted(runID string, eligible int) error {
	return p.Log(EventRunStarted, map[string]any{
		"run_id":   runID,
		"eligible": eligible,
	})
}

// RunFinished logs a run_finished event with the summary counts.
func (p *ProgressLogger) RunFinished(runID string, counts map[string]int, duration time.Duration) error {
	data := map[string]any{
		"run_id":      runID,
		"duration_ms": duration.Milliseconds(),
	}
	for k, v := range counts {
		data[k] = v
	}
	return p.Log(EventRunFinished, data)
}

// TaskEnqueued logs a task_enqueued event.
func (p *ProgressLogger) TaskEnqueued(taskID, priority, source string) error {
	return p.Log(EventTaskEnqueued, map[string]any{
		"task_id":  taskID,
		"priority": priority,
		"source":   source,
	})
}

// TaskRejected logs an intake rejection.
func (p *ProgressLogger) TaskRejected(taskID, source string, line int, reason string) error {
	return p.Log(EventTaskRejected, map[string]any{
		"task_id": taskID,
		"source":  source,
		"line":    line,
		"reason":  reason,
	})
}

// TaskStarted logs a task_started event.
func (p *ProgressLogger) TaskStarted(taskID, runID string, attempt int) error {
	return p.Log(EventTaskStarted, map[string]any{
		"task_id": taskID,
		"run_id":  runID,
		"attempt": attempt,
	})
}

// GatePassed logs a gate_passed event.
func (p *ProgressLogger) GatePassed(taskID, gate, reason string) error {
	return p.Log(EventGatePassed, map[string]any{
		"task_id": taskID,
		"gate":    gate,
		"reason":  reason,
	})
}

// GateBlocked logs a gate_blocked event.
func (p *ProgressLogger) GateBlocked(taskID, gate, class, reason string) error {
	return p.Log(EventGateBlocked, map[string]any{
		"task_id": taskID,
		"gate":    gate,
		"class":   class,
		"reason":  reason,
	})
}

// GateOverride records a skipped gate as a deviation.
func (p *ProgressLogger) GateOverride(taskID, gate, justification string) error {
	return p.Log(EventGateOverride, map[string]any{
		"task_id":       taskID,
		"gate":          gate,
		"justification": justification,
	})
}

// TaskExecuted logs a finished delegate run.
func (p *ProgressLogger) TaskExecuted(taskID string, outputs int, duration time.Duration) error {
	return p.Log(EventTaskExecuted, map[string]any{
		"task_id":     taskID,
		"outputs":     outputs,
		"duration_ms": duration.Milliseconds(),
	})
}

// ValidationFailed logs the failing validation layer.
func (p *ProgressLogger) ValidationFailed(taskID, layer, result, reason string) error {
	return p.Log(EventValidationFailed, map[string]any{
		"task_id": taskID,
		"layer":   layer,
		"result":  result,
		"reason":  reason,
	})
}

// TaskFinished logs the final status of a task.
func (p *ProgressLogger) TaskFinished(taskID, status, class, reason string, duration time.Duration) error {
	return p.Log(EventTaskFinished, map[string]any{
		"task_id":     taskID,
		"status":      status,
		"class":       class,
		"reason":      reason,
		"duration_ms": duration.Milliseconds(),
	})
}

// TaskCancelled logs an operator cancellation.
func (p *ProgressLogger) TaskCancelled(taskID, stage string) error {
	return p.Log(EventTaskCancelled, map[string]any{
		"task_id": taskID,
		"stage":   stage,
	})
}

// ReadProgress parses a progress log. Malformed lines are skipped. A missing
// file yields no events.
func ReadProgress(path string) ([]ProgressEvent, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open progress log: %w", err)
	}
	defer f.Close()

	var events []ProgressEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var ev ProgressEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("failed to read progress log: %w", err)
	}
	return events, nil
}
