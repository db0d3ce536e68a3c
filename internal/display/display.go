// Package display draws the one-line run status shown while j5a works
// through the queue. On a non-terminal writer it prints plain event lines
// instead of redrawing.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/j5a-ops/j5a/internal/executor"
	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/queue"
	"github.com/j5a-ops/j5a/internal/task"
	"github.com/j5a-ops/j5a/internal/validation"
)

var _ executor.Events = (*Display)(nil)

// Stage is where the current task is in its pipeline.
type Stage int

const (
	StageIdle Stage = iota
	StageGates
	StageExecuting
	StageValidating
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "Idle"
	case StageGates:
		return "Gates"
	case StageExecuting:
		return "Executing"
	case StageValidating:
		return "Validating"
	case StageDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// State holds the current display state.
type State struct {
	TaskNum   int
	TaskID    string
	Priority  task.Priority
	Attempt   int
	Stage     Stage
	Gate      gate.Name
	Completed int
	Held      int
	StartTime time.Time
}

// Display manages the terminal status line.
type Display struct {
	mu          sync.Mutex
	writer      io.Writer
	interactive bool
	state       State
	ticker      *time.Ticker
	done        chan struct{}
	wg          sync.WaitGroup
	active      bool
	lastLine    string
}

// New creates a Display writing to w. The status line is only animated when
// w is a terminal.
func New(w io.Writer) *Display {
	return &Display{
		writer:      w,
		interactive: IsTerminal(w),
		done:        make(chan struct{}),
	}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins the display update loop.
func (d *Display) Start() {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return
	}
	d.active = true
	d.state.StartTime = time.Now()
	if !d.interactive {
		d.mu.Unlock()
		return
	}
	d.ticker = time.NewTicker(time.Second)
	d.wg.Add(1)
	d.mu.Unlock()

	go d.updateLoop()
}

// Stop halts the update loop and clears the status line.
// Blocks until the update goroutine has exited.
func (d *Display) Stop() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	interactive := d.interactive
	d.mu.Unlock()

	if !interactive {
		return
	}
	d.ticker.Stop()
	close(d.done)
	d.wg.Wait()
	d.clearLine()
	d.done = make(chan struct{})
}

// OnTaskStart implements executor.Events.
func (d *Display) OnTaskStart(entry *queue.Entry, runID string) {
	d.mu.Lock()
	d.state.TaskNum++
	d.state.TaskID = entry.ID()
	d.state.Priority = entry.Task.Priority
	d.state.Attempt = entry.Attempts
	d.state.Stage = StageGates
	d.state.Gate = ""
	d.mu.Unlock()
	d.render()
}

// OnGateResult implements executor.Events.
func (d *Display) OnGateResult(taskID string, r gate.Result) {
	d.mu.Lock()
	d.state.Gate = r.Gate
	d.mu.Unlock()

	switch {
	case r.Skipped:
		d.PrintAbove("  ↷ %s: %s skipped (%s)", taskID, r.Gate, r.Deviation)
	case !r.Passed:
		d.PrintAbove("  ✗ %s: %s blocked: %s", taskID, r.Gate, r.Reason)
	default:
		d.render()
	}
}

// OnTaskExecuted implements executor.Events.
func (d *Display) OnTaskExecuted(taskID string, bundle task.Bundle) {
	d.mu.Lock()
	d.state.Stage = StageValidating
	d.mu.Unlock()
	d.render()
}

// OnValidation implements executor.Events.
func (d *Display) OnValidation(taskID string, report *validation.Report) {
	if report != nil && !report.Passed() {
		d.PrintAbove("  ✗ %s: %s", taskID, report.Summary())
	}
}

// OnTaskFinished implements executor.Events.
func (d *Display) OnTaskFinished(res *executor.ExecutionResult) {
	d.mu.Lock()
	d.state.Stage = StageDone
	if res.Status == task.StatusCompleted {
		d.state.Completed++
	} else {
		d.state.Held++
	}
	d.mu.Unlock()

	line := fmt.Sprintf("%s %s %s in %s", statusMark(res.Status), res.TaskID, res.Status, formatDuration(res.Duration))
	if res.Status != task.StatusCompleted && res.Reason != "" {
		line += ": " + res.Reason
	}
	d.PrintAbove("%s", line)
}

// OnRunComplete implements executor.Events.
func (d *Display) OnRunComplete(summary executor.Summary) {
	d.mu.Lock()
	d.state.Stage = StageIdle
	d.mu.Unlock()
}

// OnOutputLine shows one line of delegate output. Plug it into
// delegate.OutputOptions.OnLine.
func (d *Display) OnOutputLine(line string) {
	d.mu.Lock()
	if d.state.Stage == StageGates {
		d.state.Stage = StageExecuting
	}
	d.mu.Unlock()
	d.PrintAbove("    │ %s", strings.TrimRight(line, "\r\n"))
}

// updateLoop periodically renders the status line.
func (d *Display) updateLoop() {
	defer d.wg.Done()
	d.render()
	for {
		select {
		case <-d.ticker.C:
			d.render()
		case <-d.done:
			return
		}
	}
}

// render draws the current status line.
func (d *Display) render() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.interactive || !d.active {
		return
	}

	line := d.formatLine(d.state, time.Since(d.state.StartTime))
	// Only update if changed (reduces flicker)
	if line == d.lastLine {
		return
	}
	d.lastLine = line
	fmt.Fprintf(d.writer, "\r\033[K%s", line)
}

// formatLine creates the status line string.
func (d *Display) formatLine(state State, elapsed time.Duration) string {
	if state.TaskNum == 0 {
		return ""
	}

	id := state.TaskID
	if len(id) > 32 {
		id = id[:29] + "..."
	}

	stage := state.Stage.String()
	if state.Stage == StageGates && state.Gate != "" {
		stage += " (" + string(state.Gate) + ")"
	}

	return fmt.Sprintf("Task %d: %s [%s] │ Attempt %d │ %s │ ⏱ %s │ %d done, %d held",
		state.TaskNum,
		id,
		state.Priority,
		state.Attempt,
		stage,
		formatDuration(elapsed),
		state.Completed,
		state.Held)
}

func (d *Display) clearLine() {
	fmt.Fprintf(d.writer, "\r\033[K")
}

// PrintAbove prints a message above the status line.
func (d *Display) PrintAbove(format string, args ...interface{}) {
	d.mu.Lock()
	if d.interactive {
		d.clearLine()
		d.lastLine = ""
	}
	fmt.Fprintf(d.writer, format+"\n", args...)
	d.mu.Unlock()
	d.render()
}

func statusMark(s task.Status) string {
	switch s {
	case task.StatusCompleted:
		return "✓"
	case task.StatusDeferred:
		return "↷"
	default:
		return "✗"
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
