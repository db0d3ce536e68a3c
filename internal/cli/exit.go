package cli

import (
	"errors"

	"github.com/j5a-ops/j5a/internal/executor"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitFailed     = 1
	ExitRejected   = 2
	ExitIncomplete = 3
)

// ExitError carries a process exit code. Err may be nil when the command
// already reported everything it had to say.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailed
}

// summaryExit turns a run summary into the command result: any failed task
// wins over tasks that are merely held back.
func summaryExit(s executor.Summary) error {
	switch {
	case s.Failed > 0:
		return &ExitError{Code: ExitFailed}
	case s.Blocked > 0 || s.Deferred > 0:
		return &ExitError{Code: ExitIncomplete}
	default:
		return nil
	}
}
