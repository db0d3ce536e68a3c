package task

import "fmt"

// DefinitionError reports a mandatory field that is missing or invalid.
// Tasks failing this check never enter the queue.
type DefinitionError struct {
	TaskID string
	Field  string
	Reason string
}

func (e *DefinitionError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("invalid task %s: %s %s", e.TaskID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

// IntakeError reports a rejected intake record.
type IntakeError struct {
	Source string
	Line   int
	TaskID string
	Err    error
}

func (e *IntakeError) Error() string {
	var location string
	switch {
	case e.Line == 0 && e.Source != "":
		location = e.Source
	case e.Line == 0:
		location = "intake"
	case e.Source != "":
		location = fmt.Sprintf("%s:%d", e.Source, e.Line)
	default:
		location = fmt.Sprintf("line %d", e.Line)
	}
	if e.TaskID != "" {
		return fmt.Sprintf("%s (task %s): %v", location, e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s: %v", location, e.Err)
}

func (e *IntakeError) Unwrap() error { return e.Err }
