package task

import (
	"fmt"
	"strings"
)

// Priority orders tasks inside the queue.
type Priority string

// Priority constants, highest first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns the scheduling rank of p. Lower ranks run first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// ParsePriority parses a priority name. An empty string maps to normal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q (want critical, high, normal or low)", s)
	}
	return p, nil
}

// Status is the lifecycle state of a queued task.
type Status string

// Task status constants
const (
	StatusPending   = Status("pending")
	StatusRunning   = Status("running")
	StatusCompleted = Status("completed")
	StatusBlocked   = Status("blocked")
	StatusFailed    = Status("failed")
	StatusDeferred  = Status("deferred")
)

// IsTerminal reports whether a task in this status needs a human edit before
// it can run again. Deferred tasks stay eligible and are not terminal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusBlocked, StatusFailed:
		return true
	default:
		return false
	}
}

// IsEligible reports whether a task in this status may be picked by the scheduler.
func (s Status) IsEligible() bool {
	return s == StatusPending || s == StatusDeferred
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusBlocked, StatusFailed, StatusDeferred:
		return true
	default:
		return false
	}
}
