// Package delegate runs the external collaborators the scheduler hands work
// to: the execution delegate, its proof-of-concept mode, regression tests and
// the test-oracle harness. Everything here shells out; nothing here decides
// whether a task passed.
package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/j5a-ops/j5a/internal/logging"
	"github.com/j5a-ops/j5a/internal/task"
)

// CommandContext is the function used to create exec.Cmd instances.
// It can be replaced in tests to mock command execution.
var CommandContext = exec.CommandContext

// DefaultTimeout bounds a delegate run when the caller sets none.
const DefaultTimeout = 4 * time.Hour

// waitDelay bounds how long a killed command may hold its output pipes open.
const waitDelay = 2 * time.Second

// DefaultDelegateKey selects the delegate used for domains without their own.
const DefaultDelegateKey = "default"

// Mode tells the delegate whether to do the real work or a reduced-scale
// proof of concept.
type Mode string

// Delegate modes.
const (
	ModeFull Mode = "full"
	ModePOC  Mode = "poc"
)

// Environment variables passed to every delegate.
const (
	EnvTaskID  = "J5A_TASK_ID"
	EnvDomain  = "J5A_DOMAIN"
	EnvMode    = "J5A_MODE"
	EnvWorkDir = "J5A_WORKDIR"
	EnvSamples = "J5A_SAMPLES"
	EnvPayload = "J5A_PAYLOAD"
	EnvOutputs = "J5A_OUTPUTS"
)

// ErrNoDelegate is returned when neither the task nor the configuration
// names a command for the task's domain.
var ErrNoDelegate = errors.New("no delegate configured")

// CommandDelegate executes tasks by running an external command. The last
// non-empty line the command prints must be a JSON result bundle:
//
//	{"outputs": ["out.json"], "metrics": {"rate": 1.0}}
type CommandDelegate struct {
	commands map[string][]string
	timeout  time.Duration
	output   *OutputCapture
	logger   *logging.Logger
}

// NewCommandDelegate creates a delegate. commands maps a domain (or
// DefaultDelegateKey) to an argv; a task's own Command takes precedence.
func NewCommandDelegate(commands map[string][]string, timeout time.Duration, output *OutputCapture, logger *logging.Logger) *CommandDelegate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CommandDelegate{
		commands: commands,
		timeout:  timeout,
		output:   output,
		logger:   logging.OrNop(logger).Component("delegate"),
	}
}

// Execute runs the task at full scale.
func (d *CommandDelegate) Execute(ctx context.Context, def *task.Definition) (task.Bundle, error) {
	return d.Run(ctx, def, ModeFull)
}

// Run executes the delegate in the given mode and parses its result bundle.
// A non-zero exit or a missing result line is an error: the delegate
// crashed, which says nothing about the quality of the work.
func (d *CommandDelegate) Run(ctx context.Context, def *task.Definition, mode Mode) (task.Bundle, error) {
	argv, err := d.argv(def)
	if err != nil {
		return task.Bundle{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	env, err := taskEnv(def, mode)
	if err != nil {
		return task.Bundle{}, err
	}

	cmd := CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = def.WorkDir
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = waitDelay

	var stdout bytes.Buffer
	var stdoutW, stderrW io.Writer = &stdout, io.Discard
	if d.output != nil {
		d.output.WriteTaskHeader(def.ID, string(mode))
		stdoutW = io.MultiWriter(&stdout, d.output.Stdout())
		stderrW = d.output.Stderr()
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	d.logger.Info("delegate started", "task_id", def.ID, "mode", string(mode), "command", argv[0])
	runErr := cmd.Run()
	if d.output != nil {
		d.output.WriteTaskFooter(def.ID, runErr == nil)
	}
	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return task.Bundle{}, fmt.Errorf("delegate timed out after %s", d.timeout)
		}
		if ctx.Err() != nil {
			return task.Bundle{}, ctx.Err()
		}
		return task.Bundle{}, fmt.Errorf("delegate exited with error: %w", runErr)
	}

	bundle, err := ParseBundle(stdout.Bytes())
	if err != nil {
		return task.Bundle{}, err
	}
	bundle.Log = tail(stdout.String(), 4096)
	return bundle, nil
}

func (d *CommandDelegate) argv(def *task.Definition) ([]string, error) {
	if len(def.Command) > 0 {
		return def.Command, nil
	}
	if argv := d.commands[def.Domain]; len(argv) > 0 {
		return argv, nil
	}
	if argv := d.commands[DefaultDelegateKey]; len(argv) > 0 {
		return argv, nil
	}
	return nil, fmt.Errorf("%w for domain %s", ErrNoDelegate, def.Domain)
}

// ParseBundle extracts the result bundle from the last non-empty line of a
// delegate's stdout.
func ParseBundle(stdout []byte) (task.Bundle, error) {
	lines := strings.Split(strings.TrimRight(string(stdout), "\r\n\t "), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return task.Bundle{}, errors.New("delegate printed no result bundle")
	}

	var bundle task.Bundle
	dec := json.NewDecoder(strings.NewReader(last))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&bundle); err != nil {
		return task.Bundle{}, fmt.Errorf("invalid result bundle %q: %w", truncate(last, 120), err)
	}
	return bundle, nil
}

// taskEnv builds the J5A_* environment for a task.
func taskEnv(def *task.Definition, mode Mode) ([]string, error) {
	env := []string{
		EnvTaskID + "=" + def.ID,
		EnvDomain + "=" + def.Domain,
		EnvMode + "=" + string(mode),
		EnvWorkDir + "=" + def.WorkDir,
	}
	if mode == ModePOC {
		samples, err := json.Marshal(def.ValidationSamples)
		if err != nil {
			return nil, fmt.Errorf("encode samples: %w", err)
		}
		env = append(env, EnvSamples+"="+string(samples))
	}
	if def.Payload != nil {
		payload, err := json.Marshal(def.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		env = append(env, EnvPayload+"="+string(payload))
	}
	return env, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
