package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/j5a-ops/j5a/internal/task"
	"github.com/j5a-ops/j5a/internal/testutil"
)

func TestPOCRunner_RunsDelegateInPOCMode(t *testing.T) {
	var calls [][]string
	mockCommand(t, testutil.RecordingCommand(testutil.MockScript(`test "$J5A_MODE" = poc && echo '{"outputs":[]}'`), &calls))

	runner := POCRunner{Delegate: NewCommandDelegate(map[string][]string{DefaultDelegateKey: {"run-task"}}, time.Minute, nil, nil)}
	if err := runner.RunSamples(context.Background(), testDefinition(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("expected 1 delegate call, got %d", len(calls))
	}

	if err := (POCRunner{}).RunSamples(context.Background(), testDefinition(t)); !errors.Is(err, ErrNoDelegate) {
		t.Errorf("expected ErrNoDelegate, got %v", err)
	}
}

func TestShellRegressionRunner(t *testing.T) {
	runner := ShellRegressionRunner{Timeout: 5 * time.Second}
	def := testDefinition(t)

	res, err := runner.Run(context.Background(), def, "exit 0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Passed || res.Name != "exit 0" {
		t.Errorf("expected passing test named %q, got %+v", "exit 0", res)
	}

	res, err = runner.Run(context.Background(), def, "echo boom; exit 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Passed {
		t.Error("expected failing test")
	}
	if res.Output != "boom\n" {
		t.Errorf("output: got %q, want %q", res.Output, "boom\n")
	}

	res, err = runner.Run(context.Background(), def, `test "$(pwd)" = "$J5A_WORKDIR"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Passed {
		t.Errorf("tests should run inside the work dir, output %q", res.Output)
	}

	_, err = ShellRegressionRunner{Timeout: 50 * time.Millisecond}.Run(context.Background(), def, "sleep 5")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func oracleDefinition(t *testing.T, oracle task.TestOracle) *task.Definition {
	def := testDefinition(t)
	def.TestOracle = &oracle
	return def
}

func TestCommandHarness_CommandMethod(t *testing.T) {
	h := CommandHarness{Timeout: 5 * time.Second}

	res, err := h.Evaluate(context.Background(), oracleDefinition(t, task.TestOracle{
		Name: "smoke", ExpectedBehavior: "exits cleanly",
		ValidationMethod: task.MethodCommand, Command: []string{"sh", "-c", "exit 0"},
	}), task.Bundle{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Passed {
		t.Errorf("expected pass, got %+v", res)
	}

	res, err = h.Evaluate(context.Background(), oracleDefinition(t, task.TestOracle{
		Name: "smoke", ExpectedBehavior: "exits cleanly",
		ValidationMethod: task.MethodCommand, Command: []string{"sh", "-c", "echo 'schema mismatch' >&2; exit 2"},
	}), task.Bundle{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Passed {
		t.Error("expected failure")
	}
	if res.Expected != "exit status 0" || res.Observed != "exit status 2" {
		t.Errorf("expected/observed: got %q/%q", res.Expected, res.Observed)
	}
	if want := []string{"schema mismatch"}; !reflect.DeepEqual(res.Details, want) {
		t.Errorf("details: got %q, want %q", res.Details, want)
	}
}

func TestCommandHarness_ExactOutput(t *testing.T) {
	h := CommandHarness{Timeout: 5 * time.Second}

	res, err := h.Evaluate(context.Background(), oracleDefinition(t, task.TestOracle{
		Name: "count", ExpectedBehavior: "42",
		ValidationMethod: task.MethodExactOutput, Command: []string{"sh", "-c", "printf '42\\n'"},
	}), task.Bundle{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Passed {
		t.Errorf("expected pass, got %+v", res)
	}

	res, err = h.Evaluate(context.Background(), oracleDefinition(t, task.TestOracle{
		Name: "count", ExpectedBehavior: "42",
		ValidationMethod: task.MethodExactOutput, Command: []string{"sh", "-c", "echo 41"},
	}), task.Bundle{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Passed {
		t.Error("expected failure")
	}
	if res.Expected != "42" || res.Observed != "41" {
		t.Errorf("expected/observed: got %q/%q", res.Expected, res.Observed)
	}
}

func TestCommandHarness_SeesOutputs(t *testing.T) {
	def := oracleDefinition(t, task.TestOracle{
		Name: "outputs", ExpectedBehavior: "placeholder",
		ValidationMethod: task.MethodExactOutput, Command: []string{"sh", "-c", `printf '%s' "$J5A_OUTPUTS"`},
	})
	want, err := json.Marshal([]string{
		filepath.Join(def.WorkDir, "out.json"),
		filepath.Join(def.WorkDir, "extra.log"),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	def.TestOracle.ExpectedBehavior = string(want)

	res, err := CommandHarness{}.Evaluate(context.Background(), def, task.Bundle{Outputs: []string{"out.json", "extra.log"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Passed {
		t.Errorf("expected pass, observed %s", res.Observed)
	}
}

func TestCommandHarness_TestCases(t *testing.T) {
	def := oracleDefinition(t, task.TestOracle{
		Name: "upper", ExpectedBehavior: "uppercases input",
		ValidationMethod: task.MethodTestCases, Command: []string{"tr", "a-z", "A-Z"},
		TestCases: []task.TestCase{
			{Name: "word", Input: "abc", Expected: "ABC"},
			{Input: "x", Expected: "y"},
		},
	})

	res, err := CommandHarness{Timeout: 5 * time.Second}.Evaluate(context.Background(), def, task.Bundle{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Passed {
		t.Error("expected failure")
	}
	if res.Expected != "2/2 cases" || res.Observed != "1/2 cases" {
		t.Errorf("expected/observed: got %q/%q", res.Expected, res.Observed)
	}
	if want := []string{`case #2: expected "y", got "X"`}; !reflect.DeepEqual(res.Details, want) {
		t.Errorf("details: got %q, want %q", res.Details, want)
	}
}

func TestCommandHarness_CannotRun(t *testing.T) {
	def := oracleDefinition(t, task.TestOracle{
		Name: "missing", ExpectedBehavior: "x",
		ValidationMethod: task.MethodCommand, Command: []string{filepath.Join(t.TempDir(), "no-such-binary")},
	})
	_, err := CommandHarness{}.Evaluate(context.Background(), def, task.Bundle{})
	if err == nil || !strings.Contains(err.Error(), "could not start") {
		t.Errorf("expected start error, got %v", err)
	}

	def.TestOracle = nil
	_, err = CommandHarness{}.Evaluate(context.Background(), def, task.Bundle{})
	if err == nil || !strings.Contains(err.Error(), "oracle has no command") {
		t.Errorf("expected missing command error, got %v", err)
	}
}
