package delegate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/j5a-ops/j5a/internal/task"
	"github.com/j5a-ops/j5a/internal/testutil"
)

func mockCommand(t *testing.T, fn testutil.CommandFunc) {
	t.Helper()
	original := CommandContext
	CommandContext = fn
	t.Cleanup(func() { CommandContext = original })
}

func testDefinition(t *testing.T) *task.Definition {
	t.Helper()
	return &task.Definition{
		ID:              "t-1",
		Domain:          "generic",
		Priority:        task.PriorityNormal,
		WorkDir:         t.TempDir(),
		ExpectedOutputs: []task.OutputSpec{{Path: "out.json", Format: "json"}},
		ValidationSamples: []task.Sample{
			{Input: "in/a.wav", ExpectedOutput: "poc/a.txt"},
		},
	}
}

func TestCommandDelegate_ParsesResultBundle(t *testing.T) {
	mockCommand(t, testutil.MockScript(`echo "transcribing 3 files"; echo '{"outputs":["out.json"],"metrics":{"rate":1}}'`))

	d := NewCommandDelegate(map[string][]string{DefaultDelegateKey: {"run-task"}}, time.Minute, nil, nil)
	bundle, err := d.Execute(context.Background(), testDefinition(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if want := []string{"out.json"}; !reflect.DeepEqual(bundle.Outputs, want) {
		t.Errorf("outputs: got %v, want %v", bundle.Outputs, want)
	}
	if want := map[string]float64{"rate": 1}; !reflect.DeepEqual(bundle.Metrics, want) {
		t.Errorf("metrics: got %v, want %v", bundle.Metrics, want)
	}
	if !strings.Contains(bundle.Log, "transcribing 3 files") {
		t.Errorf("log should keep delegate output, got %q", bundle.Log)
	}
}

func TestCommandDelegate_PassesTaskEnvironment(t *testing.T) {
	mockCommand(t, testutil.MockScript(`echo "{\"outputs\":[\"$J5A_TASK_ID/$J5A_DOMAIN/$J5A_MODE\"]}"`))
	d := NewCommandDelegate(map[string][]string{DefaultDelegateKey: {"run-task"}}, time.Minute, nil, nil)
	def := testDefinition(t)

	tests := []struct {
		mode Mode
		want string
	}{
		{ModeFull, "t-1/generic/full"},
		{ModePOC, "t-1/generic/poc"},
	}
	for _, tt := range tests {
		bundle, err := d.Run(context.Background(), def, tt.mode)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.mode, err)
		}
		if len(bundle.Outputs) != 1 || bundle.Outputs[0] != tt.want {
			t.Errorf("%s: got outputs %v, want [%s]", tt.mode, bundle.Outputs, tt.want)
		}
	}
}

func TestCommandDelegate_SamplesOnlyInPOCMode(t *testing.T) {
	mockCommand(t, testutil.MockScript(`printf '%s\n' "${J5A_SAMPLES:-none}" > samples.txt; echo '{"outputs":[]}'`))
	d := NewCommandDelegate(map[string][]string{DefaultDelegateKey: {"run-task"}}, time.Minute, nil, nil)
	def := testDefinition(t)

	readSamples := func() string {
		t.Helper()
		data, err := os.ReadFile(filepath.Join(def.WorkDir, "samples.txt"))
		if err != nil {
			t.Fatalf("failed to read samples: %v", err)
		}
		return string(data)
	}

	if _, err := d.Run(context.Background(), def, ModeFull); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := readSamples(); got != "none\n" {
		t.Errorf("full mode should not pass samples, got %q", got)
	}

	if _, err := d.Run(context.Background(), def, ModePOC); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `[{"input":"in/a.wav","expected_output":"poc/a.txt"}]` + "\n"
	if got := readSamples(); got != want {
		t.Errorf("samples: got %q, want %q", got, want)
	}
}

func TestCommandDelegate_SelectsCommand(t *testing.T) {
	var calls [][]string
	mockCommand(t, testutil.RecordingCommand(testutil.MockCommandFunc(`{"outputs":[]}`), &calls))

	d := NewCommandDelegate(map[string][]string{
		DefaultDelegateKey: {"default-runner"},
		"research":         {"research-runner", "--deep"},
	}, time.Minute, nil, nil)

	def := testDefinition(t)
	if _, err := d.Execute(context.Background(), def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	def.Domain = "research"
	if _, err := d.Execute(context.Background(), def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	def.Command = []string{"./own.sh", "x"}
	if _, err := d.Execute(context.Background(), def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]string{
		{"default-runner"},
		{"research-runner", "--deep"},
		{"./own.sh", "x"},
	}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls: got %v, want %v", calls, want)
	}
}

func TestCommandDelegate_NoDelegateConfigured(t *testing.T) {
	d := NewCommandDelegate(map[string][]string{"research": {"r"}}, time.Minute, nil, nil)
	_, err := d.Execute(context.Background(), testDefinition(t))
	if !errors.Is(err, ErrNoDelegate) {
		t.Fatalf("expected ErrNoDelegate, got %v", err)
	}
	if !strings.Contains(err.Error(), "for domain generic") {
		t.Errorf("error should name the domain, got %q", err)
	}
}

func TestCommandDelegate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		timeout time.Duration
		wantErr string
	}{
		{name: "non-zero exit", script: `echo '{"outputs":[]}'; exit 3`, wantErr: "delegate exited with error"},
		{name: "no bundle", script: `printf '\n\n'`, wantErr: "printed no result bundle"},
		{name: "not json", script: `echo done`, wantErr: "invalid result bundle"},
		{name: "unknown field", script: `echo '{"outputs":[],"extra":1}'`, wantErr: "invalid result bundle"},
		{name: "timeout", script: `sleep 5`, timeout: 50 * time.Millisecond, wantErr: "delegate timed out after 50ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockCommand(t, testutil.MockScript(tt.script))
			timeout := tt.timeout
			if timeout == 0 {
				timeout = time.Minute
			}
			d := NewCommandDelegate(map[string][]string{DefaultDelegateKey: {"run-task"}}, timeout, nil, nil)

			_, err := d.Execute(context.Background(), testDefinition(t))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestCommandDelegate_CancelledContext(t *testing.T) {
	mockCommand(t, testutil.MockScript(`sleep 5`))
	d := NewCommandDelegate(map[string][]string{DefaultDelegateKey: {"run-task"}}, time.Minute, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := d.Execute(ctx, testDefinition(t))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestParseBundle_UsesLastLine(t *testing.T) {
	out := "{\"outputs\":[\"early.json\"]}\nprogress 50%\n{\"outputs\":[\"final.json\"]}\n\n"
	bundle, err := ParseBundle([]byte(out))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bundle.Outputs) != 1 || bundle.Outputs[0] != "final.json" {
		t.Errorf("expected the last bundle line, got %v", bundle.Outputs)
	}
}

func TestOutputCapture_WritesLogAndStreamsLines(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var lines []string
	oc, err := NewOutputCapture(dir, OutputOptions{OnLine: func(taskID, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, taskID+": "+line)
	}})
	if err != nil {
		t.Fatalf("failed to create output capture: %v", err)
	}
	defer oc.Close()

	mockCommand(t, testutil.MockScript(`echo step one; echo warn >&2; echo '{"outputs":[]}'`))
	d := NewCommandDelegate(map[string][]string{DefaultDelegateKey: {"run-task"}}, time.Minute, oc, nil)
	if _, err := d.Execute(context.Background(), testDefinition(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, OutputLogFileName))
	if err != nil {
		t.Fatalf("failed to read output log: %v", err)
	}
	log := string(data)
	for _, want := range []string{"=== Task t-1, mode full ===", "step one", "warn", "=== Task t-1: SUCCESS ==="} {
		if !strings.Contains(log, want) {
			t.Errorf("output log missing %q", want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, want := range []string{"t-1: step one", "t-1: warn"} {
		if !slices.Contains(lines, want) {
			t.Errorf("streamed lines %q missing %q", lines, want)
		}
	}
}

func TestOutputCapture_AppendsAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		oc, err := NewOutputCapture(dir, OutputOptions{})
		if err != nil {
			t.Fatalf("failed to create output capture: %v", err)
		}
		oc.WriteTaskHeader("t-1", "full")
		oc.WriteTaskFooter("t-1", i == 0)
		if err := oc.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, OutputLogFileName))
	if err != nil {
		t.Fatalf("failed to read output log: %v", err)
	}
	if n := strings.Count(string(data), "=== Task t-1, mode full ==="); n != 2 {
		t.Errorf("expected 2 headers, got %d", n)
	}
	if !strings.Contains(string(data), "=== Task t-1: FAILED ===") {
		t.Error("expected a FAILED footer")
	}
}
