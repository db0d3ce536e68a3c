package report

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/j5a-ops/j5a/internal/executor"
	"github.com/j5a-ops/j5a/internal/queue"
	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/task"
	"github.com/j5a-ops/j5a/internal/validation"
)

var (
	primaryColor   = lipgloss.Color("#5FAFAF") // Teal accent
	secondaryColor = lipgloss.Color("#666666") // Gray for secondary text
	successColor   = lipgloss.Color("#87AF87") // Muted sage
	warningColor   = lipgloss.Color("#D7AF5F") // Ochre
	errorColor     = lipgloss.Color("#AF5F5F") // Muted terracotta

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	headerStyle  = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(secondaryColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

const maxReasonWidth = 60

func statusStyle(s task.Status) lipgloss.Style {
	switch s {
	case task.StatusCompleted:
		return successStyle
	case task.StatusFailed:
		return errorStyle
	case task.StatusBlocked, task.StatusDeferred:
		return warningStyle
	default:
		return lipgloss.NewStyle()
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(subtleStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		})
}

// RenderSummary renders the end-of-run summary.
func RenderSummary(s executor.Summary) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Run %s", s.RunID)))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%s, %s, %s, %s of %d in %s\n",
		successStyle.Render(fmt.Sprintf("%d completed", s.Completed)),
		warningStyle.Render(fmt.Sprintf("%d blocked", s.Blocked)),
		errorStyle.Render(fmt.Sprintf("%d failed", s.Failed)),
		warningStyle.Render(fmt.Sprintf("%d deferred", s.Deferred)),
		s.Total, s.Elapsed.Round(time.Second)))

	if len(s.Results) == 0 {
		sb.WriteString(subtleStyle.Render("No eligible tasks."))
		sb.WriteString("\n")
		return sb.String()
	}

	t := newTable("TASK", "STATUS", "WHERE", "TIME", "REASON")
	for _, res := range s.Results {
		t.Row(res.TaskID, statusStyle(res.Status).Render(string(res.Status)),
			where(res), res.Duration.Round(time.Second).String(), truncate(res.Reason, maxReasonWidth))
	}
	sb.WriteString(t.String())
	sb.WriteString("\n")
	return sb.String()
}

// where names the gate or layer that stopped a task.
func where(res *executor.ExecutionResult) string {
	if res.BlockingGate != nil {
		return string(res.BlockingGate.Gate)
	}
	if res.Validation != nil && res.Validation.FailedLayer != "" {
		return "validation/" + string(res.Validation.FailedLayer)
	}
	if res.Class != "" {
		return string(res.Class)
	}
	return "-"
}

// RenderQueue renders every queued task in scheduling order.
func RenderQueue(entries []*queue.Entry, now time.Time) string {
	if len(entries) == 0 {
		return subtleStyle.Render("Queue is empty.") + "\n"
	}

	counts := make(map[task.Status]int)
	t := newTable("TASK", "DOMAIN", "PRIORITY", "STATUS", "ATTEMPTS", "UPDATED", "REASON")
	for _, e := range entries {
		counts[e.Status]++
		attempts := strconv.Itoa(e.Attempts)
		if e.Deferrals > 0 {
			attempts += fmt.Sprintf(" (%d deferred)", e.Deferrals)
		}
		t.Row(e.ID(), e.Task.Domain, string(e.Task.Priority),
			statusStyle(e.Status).Render(string(e.Status)), attempts,
			humanize.RelTime(e.UpdatedAt, now, "ago", "from now"), truncate(e.Reason, maxReasonWidth))
	}

	var parts []string
	for _, s := range []task.Status{
		task.StatusPending, task.StatusRunning, task.StatusDeferred,
		task.StatusCompleted, task.StatusBlocked, task.StatusFailed,
	} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Queue: %s", strings.Join(parts, ", "))))
	sb.WriteString("\n")
	sb.WriteString(t.String())
	sb.WriteString("\n")
	return sb.String()
}

// RenderResult renders one execution result in detail.
func RenderResult(res *executor.ExecutionResult) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Task %s", res.TaskID)))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Status:   %s\n", statusStyle(res.Status).Render(string(res.Status)))
	if res.Reason != "" {
		fmt.Fprintf(&sb, "Reason:   %s\n", res.Reason)
	}
	if res.Class != "" {
		fmt.Fprintf(&sb, "Class:    %s\n", res.Class)
	}
	fmt.Fprintf(&sb, "Run:      %s (attempt %d)\n", res.RunID, res.Attempt)
	fmt.Fprintf(&sb, "Finished: %s, took %s\n", humanize.Time(res.FinishedAt), res.Duration.Round(time.Second))
	if res.Peak.Samples > 0 {
		fmt.Fprintf(&sb, "Peak:     %.1f°C, load %.2f, %.1fGB over %d readings\n",
			res.Peak.CPUTempCelsius, res.Peak.LoadAverage, res.Peak.MemoryUsedGB, res.Peak.Samples)
	}

	if len(res.Gates) > 0 {
		sb.WriteString("\n")
		sb.WriteString(headerStyle.Render("Gates"))
		sb.WriteString("\n")
		for _, g := range res.Gates {
			mark := successStyle.Render("✓")
			switch {
			case g.Skipped:
				mark = warningStyle.Render("↷")
			case !g.Passed:
				mark = errorStyle.Render("✗")
			}
			fmt.Fprintf(&sb, "  %s %-16s %s\n", mark, g.Gate, g.Reason)
			for _, v := range g.Violations {
				fmt.Fprintf(&sb, "      %s\n", subtleStyle.Render(v))
			}
		}
	}

	if res.Validation != nil && len(res.Validation.Layers) > 0 {
		sb.WriteString("\n")
		sb.WriteString(headerStyle.Render("Validation"))
		sb.WriteString("\n")
		for _, l := range res.Validation.Layers {
			mark := successStyle.Render("✓")
			if l.Result != validation.ResultPassed {
				mark = errorStyle.Render("✗")
			}
			fmt.Fprintf(&sb, "  %s %-16s %s\n", mark, l.Layer, l.Reason)
			for _, d := range l.Details {
				fmt.Fprintf(&sb, "      %s\n", subtleStyle.Render(d))
			}
		}
	}

	if len(res.Deviations) > 0 {
		sb.WriteString("\n")
		sb.WriteString(headerStyle.Render("Deviations"))
		sb.WriteString("\n")
		for _, d := range res.Deviations {
			fmt.Fprintf(&sb, "  %s: %s\n", d.Gate, d.Justification)
		}
	}

	if len(res.Outputs) > 0 {
		sb.WriteString("\n")
		sb.WriteString(headerStyle.Render("Outputs"))
		sb.WriteString("\n")
		for _, path := range res.Outputs {
			size := subtleStyle.Render("missing")
			if info, err := os.Stat(path); err == nil {
				size = humanize.Bytes(uint64(info.Size()))
			}
			fmt.Fprintf(&sb, "  %s (%s)\n", path, size)
		}
	}
	return sb.String()
}

// RenderCheck renders a resource reading against the configured limits.
func RenderCheck(c resource.Check, limits resource.Limits) string {
	var sb strings.Builder
	if c.Err != nil {
		sb.WriteString(errorStyle.Render("Sensor unavailable: " + c.Err.Error()))
		sb.WriteString("\n")
		return sb.String()
	}

	s := c.Snapshot
	t := newTable("RESOURCE", "CURRENT", "LIMIT")
	t.Row("cpu temperature", fmt.Sprintf("%.1f°C", s.CPUTempCelsius), limit(limits.MaxTempC, "%.1f°C"))
	t.Row("load average", fmt.Sprintf("%.2f", s.LoadAverage), limit(limits.MaxLoad, "%.2f"))
	t.Row("memory", fmt.Sprintf("%.1f / %.1fGB", s.MemoryUsedGB, s.MemoryTotalGB), limit(limits.MaxMemGB, "%.1fGB"))
	sb.WriteString(t.String())
	sb.WriteString("\n")

	if c.Safe {
		sb.WriteString(successStyle.Render("Safe to run."))
	} else {
		sb.WriteString(warningStyle.Render("Not safe: " + c.Reason))
	}
	sb.WriteString("\n")
	return sb.String()
}

func limit(v float64, format string) string {
	if v <= 0 {
		return "none"
	}
	return fmt.Sprintf(format, v)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
