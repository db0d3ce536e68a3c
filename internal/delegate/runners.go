package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/task"
	"github.com/j5a-ops/j5a/internal/validation"
)

// DefaultTestTimeout bounds one regression test or oracle invocation.
const DefaultTestTimeout = 10 * time.Minute

// POCRunner runs the task's delegate in proof-of-concept mode so it produces
// the validation samples' expected outputs.
type POCRunner struct {
	Delegate *CommandDelegate
}

// RunSamples implements gate.POCRunner.
func (r POCRunner) RunSamples(ctx context.Context, def *task.Definition) error {
	if r.Delegate == nil {
		return ErrNoDelegate
	}
	_, err := r.Delegate.Run(ctx, def, ModePOC)
	return err
}

// ShellRegressionRunner runs each regression test as `sh -c <test>` in the
// task's work directory. A non-zero exit is a failing test; only a shell that
// cannot start or a timeout is an error.
type ShellRegressionRunner struct {
	Timeout time.Duration
}

// Run implements gate.RegressionRunner.
func (r ShellRegressionRunner) Run(ctx context.Context, def *task.Definition, test string) (gate.RegressionResult, error) {
	res, err := runCommand(ctx, timeoutOr(r.Timeout), []string{"sh", "-c", test}, def.WorkDir, baseEnv(def), "")
	if err != nil {
		return gate.RegressionResult{Name: test}, err
	}
	return gate.RegressionResult{
		Name:   test,
		Passed: res.exitCode == 0,
		Output: tail(res.stdout+res.stderr, 2048),
	}, nil
}

// CommandHarness evaluates a task's test oracle by running its command.
type CommandHarness struct {
	Timeout time.Duration
}

// Evaluate implements validation.Harness.
func (h CommandHarness) Evaluate(ctx context.Context, def *task.Definition, bundle task.Bundle) (validation.OracleResult, error) {
	oracle := def.TestOracle
	if oracle == nil || len(oracle.Command) == 0 {
		return validation.OracleResult{}, errors.New("oracle has no command")
	}

	env := baseEnv(def)
	outputs, err := json.Marshal(resolveOutputs(def, bundle))
	if err != nil {
		return validation.OracleResult{}, fmt.Errorf("encode outputs: %w", err)
	}
	env = append(env, EnvOutputs+"="+string(outputs))
	timeout := timeoutOr(h.Timeout)

	switch oracle.ValidationMethod {
	case task.MethodCommand:
		res, err := runCommand(ctx, timeout, oracle.Command, def.WorkDir, env, "")
		if err != nil {
			return validation.OracleResult{}, err
		}
		result := validation.OracleResult{
			Passed:   res.exitCode == 0,
			Expected: "exit status 0",
			Observed: fmt.Sprintf("exit status %d", res.exitCode),
		}
		if !result.Passed {
			if msg := lastLine(res.stderr); msg != "" {
				result.Details = append(result.Details, msg)
			}
		}
		return result, nil

	case task.MethodExactOutput:
		res, err := runCommand(ctx, timeout, oracle.Command, def.WorkDir, env, "")
		if err != nil {
			return validation.OracleResult{}, err
		}
		expected := strings.TrimSpace(oracle.ExpectedBehavior)
		observed := strings.TrimSpace(res.stdout)
		result := validation.OracleResult{
			Passed:   res.exitCode == 0 && observed == expected,
			Expected: expected,
			Observed: observed,
		}
		if res.exitCode != 0 {
			result.Details = append(result.Details, fmt.Sprintf("exit status %d", res.exitCode))
		}
		return result, nil

	case task.MethodTestCases:
		result := validation.OracleResult{
			Passed:   true,
			Expected: fmt.Sprintf("%d/%d cases", len(oracle.TestCases), len(oracle.TestCases)),
		}
		passed := 0
		for i, tc := range oracle.TestCases {
			name := tc.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			res, err := runCommand(ctx, timeout, oracle.Command, def.WorkDir, env, tc.Input)
			if err != nil {
				return validation.OracleResult{}, fmt.Errorf("case %s: %w", name, err)
			}
			got := strings.TrimSpace(res.stdout)
			if res.exitCode == 0 && got == strings.TrimSpace(tc.Expected) {
				passed++
				continue
			}
			result.Passed = false
			result.Details = append(result.Details, fmt.Sprintf("case %s: expected %q, got %q", name, strings.TrimSpace(tc.Expected), got))
		}
		result.Observed = fmt.Sprintf("%d/%d cases", passed, len(oracle.TestCases))
		return result, nil

	default:
		return validation.OracleResult{}, fmt.Errorf("unsupported validation method %q", oracle.ValidationMethod)
	}
}

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// runCommand runs argv and reports its exit code. The error is non-nil only
// when the command could not be started or did not finish in time.
func runCommand(ctx context.Context, timeout time.Duration, argv []string, dir string, env []string, stdin string) (commandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = waitDelay
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{stdout: stdout.String(), stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%s timed out after %s", argv[0], timeout)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("%s could not start: %w", argv[0], err)
}

func baseEnv(def *task.Definition) []string {
	return []string{
		EnvTaskID + "=" + def.ID,
		EnvDomain + "=" + def.Domain,
		EnvWorkDir + "=" + def.WorkDir,
	}
}

// resolveOutputs lists the artifacts the oracle should inspect: the
// declared outputs, plus anything extra the delegate reported.
func resolveOutputs(def *task.Definition, bundle task.Bundle) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, out := range def.ExpectedOutputs {
		p := def.ResolvePath(out.Path)
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, out := range bundle.Outputs {
		p := def.ResolvePath(out)
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTestTimeout
	}
	return d
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
