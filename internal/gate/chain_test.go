package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j5a-ops/j5a/internal/methodology"
	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/task"
)

// mockPOC writes the configured outputs and records calls.
type mockPOC struct {
	fs     afero.Fs
	writes map[string]string
	err    error
	calls  int
}

func (m *mockPOC) RunSamples(ctx context.Context, def *task.Definition) error {
	m.calls++
	for path, content := range m.writes {
		if err := afero.WriteFile(m.fs, path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return m.err
}

type mockRegression struct {
	failing map[string]bool
	err     error
	calls   []string
}

func (m *mockRegression) Run(ctx context.Context, def *task.Definition, test string) (RegressionResult, error) {
	m.calls = append(m.calls, test)
	if m.err != nil {
		return RegressionResult{}, m.err
	}
	return RegressionResult{Name: test, Passed: !m.failing[test]}, nil
}

type mockRollback struct {
	err     error
	missing bool
	calls   int
}

func (m *mockRollback) Checkpoint(ctx context.Context, def *task.Definition, runID string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return "rollback/" + def.ID + "/" + runID + ".json", nil
}

func (m *mockRollback) Exists(ref string) bool {
	return !m.missing
}

type fixture struct {
	sensor     *resource.FakeSensor
	fs         afero.Fs
	poc        *mockPOC
	regression *mockRegression
	rollback   *mockRollback
	policy     Policy
	now        time.Time
}

func newFixture() *fixture {
	fs := afero.NewMemMapFs()
	return &fixture{
		sensor:     resource.NewFakeSensor(resource.Snapshot{CPUTempCelsius: 70, MemoryUsedGB: 5, MemoryTotalGB: 16}),
		fs:         fs,
		poc:        &mockPOC{fs: fs},
		regression: &mockRegression{},
		rollback:   &mockRollback{},
		policy:     Policy{Limits: resource.Limits{MaxTempC: 80, MaxMemGB: 14}},
		now:        time.Date(2026, 3, 4, 2, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) chain() *Chain {
	return NewChain(Deps{
		Monitor:    resource.NewMonitor(f.sensor, nil),
		Catalog:    &methodology.Catalog{},
		POC:        f.poc,
		Regression: f.regression,
		Rollback:   f.rollback,
		Fs:         f.fs,
		Now:        func() time.Time { return f.now },
	}, f.policy)
}

func baseTask() *task.Definition {
	return &task.Definition{
		ID:              "t-1",
		Domain:          "generic",
		Priority:        task.PriorityNormal,
		ExpectedOutputs: []task.OutputSpec{{Path: "out.json", Format: "json", MinSize: 10}},
		SuccessCriteria: map[string]task.QuantitativeMeasure{"rate": {Target: 1, Op: task.OpEqual}},
		TestOracle: &task.TestOracle{
			Name: "smoke", ExpectedBehavior: "exit 0",
			ValidationMethod: task.MethodCommand, Command: []string{"true"},
		},
	}
}

func TestRun_AllGatesPass(t *testing.T) {
	f := newFixture()
	out := f.chain().Run(context.Background(), baseTask(), Hooks{RunID: "run-1"})

	require.Nil(t, out.Blocking)
	require.Len(t, out.Results, 4)
	assert.True(t, out.AllPassed())
	assert.Equal(t, Order, out.Passed())
	assert.Empty(t, out.Failed())

	assert.NotNil(t, out.Results[0].Snapshot)
	assert.Equal(t, "not required for domain generic", out.Results[1].Reason)
	assert.Equal(t, "methodology compliant; no regression tests declared", out.Results[2].Reason)
	assert.Equal(t, "rollback/t-1/run-1.json", out.Results[3].Rollback)
	assert.Equal(t, 2, f.sensor.Calls(), "preflight and delivery each take a fresh reading")
}

func TestRun_PreflightBlockShortCircuits(t *testing.T) {
	readings := []struct {
		name    string
		reading resource.FakeReading
		class   Class
		reason  string
	}{
		{"hot", resource.FakeReading{Snapshot: resource.Snapshot{CPUTempCelsius: 86, MemoryUsedGB: 5}}, ClassResource, "CPU temperature 86.0°C exceeds limit 80.0°C"},
		{"memory", resource.FakeReading{Snapshot: resource.Snapshot{CPUTempCelsius: 50, MemoryUsedGB: 15}}, ClassResource, "memory usage 15.0GB exceeds limit 14.0GB"},
		{"sensor down", resource.FakeReading{Err: errors.New("no thermal zone")}, ClassInfrastructure, "sensor unavailable"},
	}

	for _, tt := range readings {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.sensor = resource.NewFakeSensor()
			f.sensor.Push(tt.reading)

			def := baseTask()
			def.RequiresPOC = true
			def.ValidationSamples = []task.Sample{{Input: "a", ExpectedOutput: "a.out"}}
			def.RegressionTests = []string{"go test ./..."}

			var between []Name
			out := f.chain().Run(context.Background(), def, Hooks{
				Between: func(next Name) error { between = append(between, next); return nil },
			})

			require.NotNil(t, out.Blocking)
			assert.Equal(t, PreFlight, out.Blocking.Gate)
			assert.Equal(t, tt.class, out.Blocking.Class)
			assert.Contains(t, out.Blocking.Reason, tt.reason)
			assert.Len(t, out.Results, 1)
			assert.False(t, out.AllPassed())

			assert.Zero(t, f.poc.calls)
			assert.Empty(t, f.regression.calls)
			assert.Zero(t, f.rollback.calls)
			assert.Empty(t, between)
			assert.Equal(t, 1, f.sensor.Calls())
		})
	}
}

func TestRun_PreflightRevalidatesDefinition(t *testing.T) {
	f := newFixture()
	def := baseTask()
	def.TestOracle = nil

	out := f.chain().Run(context.Background(), def, Hooks{})

	require.NotNil(t, out.Blocking)
	assert.Equal(t, ClassDefinition, out.Blocking.Class)
	assert.Contains(t, out.Blocking.Reason, "test_oracle")
	assert.Zero(t, f.sensor.Calls())
}

func TestRun_TaskLimitsOverrideGlobal(t *testing.T) {
	f := newFixture()
	f.sensor.Set(resource.Snapshot{CPUTempCelsius: 75, MemoryUsedGB: 5})
	def := baseTask()
	def.ResourceLimits = &resource.Limits{MaxTempC: 72}

	out := f.chain().Run(context.Background(), def, Hooks{})

	require.NotNil(t, out.Blocking)
	assert.Equal(t, "CPU temperature 75.0°C exceeds limit 72.0°C", out.Blocking.Reason)
}

func TestRun_ProtectedWindowBlocksPreflight(t *testing.T) {
	f := newFixture()
	f.now = time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC) // Wednesday
	f.policy.Windows = []Window{{Name: "business-hours", Domains: []string{task.DomainDocument}, Days: []string{"mon", "tue", "wed", "thu", "fri"}, Start: "09:00", End: "17:00"}}

	def := baseTask()
	def.Domain = task.DomainDocument
	out := f.chain().Run(context.Background(), def, Hooks{})

	require.NotNil(t, out.Blocking)
	assert.Equal(t, PreFlight, out.Blocking.Gate)
	assert.Equal(t, ClassResource, out.Blocking.Class)
	assert.Contains(t, out.Blocking.Reason, "protected window business-hours active")

	// Other domains are unaffected.
	out = f.chain().Run(context.Background(), baseTask(), Hooks{})
	assert.Nil(t, out.Blocking)
}

func TestRun_ProofOfConcept(t *testing.T) {
	samples := []task.Sample{
		{Input: "a.wav", ExpectedOutput: "poc/a.txt"},
		{Input: "b.wav", ExpectedOutput: "poc/b.txt"},
		{Input: "c.wav", ExpectedOutput: "poc/c.txt"},
	}

	t.Run("enough samples", func(t *testing.T) {
		f := newFixture()
		f.poc.writes = map[string]string{"poc/a.txt": "hello", "poc/b.txt": "world"}
		def := baseTask()
		def.RequiresPOC = true
		def.ValidationSamples = samples

		out := f.chain().Run(context.Background(), def, Hooks{})

		assert.True(t, out.AllPassed())
		assert.Equal(t, "proof of concept: 2/3 samples produced expected outputs", out.Results[1].Reason)
		assert.Equal(t, 1, f.poc.calls)
	})

	t.Run("too few samples", func(t *testing.T) {
		f := newFixture()
		f.poc.writes = map[string]string{"poc/a.txt": "hello", "poc/b.txt": ""}
		def := baseTask()
		def.RequiresPOC = true
		def.ValidationSamples = samples

		out := f.chain().Run(context.Background(), def, Hooks{})

		require.NotNil(t, out.Blocking)
		assert.Equal(t, ProofOfConcept, out.Blocking.Gate)
		assert.Equal(t, ClassMethodology, out.Blocking.Class)
		assert.Contains(t, out.Blocking.Reason, "1/3 samples")
		assert.Contains(t, out.Blocking.Reason, "poc/b.txt (empty), poc/c.txt (not found)")
		assert.Len(t, out.Results, 2)
		assert.Zero(t, f.rollback.calls)
	})

	t.Run("domain default with configured rate", func(t *testing.T) {
		f := newFixture()
		f.policy.POCDomains = map[string]bool{task.DomainAudio: true}
		f.policy.DomainPOCRates = map[string]float64{task.DomainAudio: 1.0}
		f.poc.writes = map[string]string{"poc/a.txt": "x", "poc/b.txt": "y"}
		def := baseTask()
		def.Domain = task.DomainAudio
		def.ValidationSamples = samples

		out := f.chain().Run(context.Background(), def, Hooks{})

		require.NotNil(t, out.Blocking)
		assert.Equal(t, ProofOfConcept, out.Blocking.Gate)
		assert.Contains(t, out.Blocking.Reason, "(66% < 100% required)")
	})

	t.Run("required without samples", func(t *testing.T) {
		f := newFixture()
		def := baseTask()
		def.RequiresPOC = true

		out := f.chain().Run(context.Background(), def, Hooks{})

		require.NotNil(t, out.Blocking)
		assert.Contains(t, out.Blocking.Reason, "no validation samples declared")
		assert.Zero(t, f.poc.calls)
	})

	t.Run("runner error is infrastructure", func(t *testing.T) {
		f := newFixture()
		f.poc.err = errors.New("delegate exited 137")
		def := baseTask()
		def.RequiresPOC = true
		def.ValidationSamples = samples

		out := f.chain().Run(context.Background(), def, Hooks{})

		require.NotNil(t, out.Blocking)
		assert.Equal(t, ClassInfrastructure, out.Blocking.Class)
		assert.Contains(t, out.Blocking.Reason, "delegate exited 137")
	})
}

func TestRun_ImplementationForbiddenPattern(t *testing.T) {
	f := newFixture()
	require.NoError(t, afero.WriteFile(f.fs, "/work/impl.py", []byte("m = direct_model_load('x')\n"), 0o644))

	def := baseTask()
	def.WorkDir = "/work"
	def.ImplementationArtifact = "impl.py"
	def.ForbiddenPatterns = []string{"direct_model_load"}
	def.RegressionTests = []string{"pytest"}

	out := f.chain().Run(context.Background(), def, Hooks{})

	require.NotNil(t, out.Blocking)
	assert.Equal(t, Implementation, out.Blocking.Gate)
	assert.Equal(t, ClassMethodology, out.Blocking.Class)
	assert.Equal(t, []string{"direct_model_load"}, out.Blocking.Violations)
	assert.Empty(t, f.regression.calls)
	assert.Zero(t, f.rollback.calls)
}

func TestRun_ImplementationUsesApproachWithoutArtifact(t *testing.T) {
	f := newFixture()
	def := baseTask()
	def.Approach = "extend BaseRenderer with a docx writer"
	def.MandatoryBase = "BaseRenderer"

	out := f.chain().Run(context.Background(), def, Hooks{})
	assert.True(t, out.AllPassed())
}

func TestRun_ImplementationMissingArtifactBlocks(t *testing.T) {
	f := newFixture()
	def := baseTask()
	def.ImplementationArtifact = "missing.go"

	out := f.chain().Run(context.Background(), def, Hooks{})

	require.NotNil(t, out.Blocking)
	assert.Contains(t, out.Blocking.Reason, "implementation artifact missing.go unreadable")
}

func TestRun_RegressionTestsAllOrBlock(t *testing.T) {
	f := newFixture()
	f.regression.failing = map[string]bool{"make e2e": true}
	def := baseTask()
	def.RegressionTests = []string{"make unit", "make lint", "make e2e"}

	out := f.chain().Run(context.Background(), def, Hooks{})

	require.NotNil(t, out.Blocking)
	assert.Equal(t, Implementation, out.Blocking.Gate)
	assert.Equal(t, "regression tests: 2/3 passed; failing: make e2e", out.Blocking.Reason)
	assert.Equal(t, []string{"make unit", "make lint", "make e2e"}, f.regression.calls)
}

func TestRun_RegressionRunnerErrorIsInfrastructure(t *testing.T) {
	f := newFixture()
	f.regression.err = errors.New("sh: not found")
	def := baseTask()
	def.RegressionTests = []string{"make unit"}

	out := f.chain().Run(context.Background(), def, Hooks{})

	require.NotNil(t, out.Blocking)
	assert.Equal(t, ClassInfrastructure, out.Blocking.Class)
}

func TestRun_DeliveryRechecksResources(t *testing.T) {
	f := newFixture()
	f.sensor = resource.NewFakeSensor()
	f.sensor.Push(
		resource.FakeReading{Snapshot: resource.Snapshot{CPUTempCelsius: 70}},
		resource.FakeReading{Snapshot: resource.Snapshot{CPUTempCelsius: 83}},
	)

	out := f.chain().Run(context.Background(), baseTask(), Hooks{})

	require.NotNil(t, out.Blocking)
	assert.Equal(t, Delivery, out.Blocking.Gate)
	assert.Equal(t, ClassResource, out.Blocking.Class)
	assert.Equal(t, 70.0, out.Results[0].Snapshot.CPUTempCelsius)
	assert.Equal(t, 83.0, out.Blocking.Snapshot.CPUTempCelsius)
	assert.Zero(t, f.rollback.calls)
}

func TestRun_DeliveryRequiresRollback(t *testing.T) {
	t.Run("checkpoint error", func(t *testing.T) {
		f := newFixture()
		f.rollback.err = errors.New("disk full")
		out := f.chain().Run(context.Background(), baseTask(), Hooks{})

		require.NotNil(t, out.Blocking)
		assert.Equal(t, Delivery, out.Blocking.Gate)
		assert.Equal(t, ClassInfrastructure, out.Blocking.Class)
		assert.Contains(t, out.Blocking.Reason, "rollback information not recorded: disk full")
	})

	t.Run("record missing", func(t *testing.T) {
		f := newFixture()
		f.rollback.missing = true
		out := f.chain().Run(context.Background(), baseTask(), Hooks{})

		require.NotNil(t, out.Blocking)
		assert.Contains(t, out.Blocking.Reason, "missing after checkpoint")
	})
}

func TestRun_OverridesAreRecordedDeviations(t *testing.T) {
	f := newFixture()
	def := baseTask()
	def.ForbiddenPatterns = []string{"eval("}
	def.Approach = "eval(payload)"
	def.Overrides = map[string]string{task.GateImplementation: "legacy script approved by operator"}

	out := f.chain().Run(context.Background(), def, Hooks{})

	assert.True(t, out.AllPassed())
	deviations := out.Deviations()
	require.Len(t, deviations, 1)
	assert.Equal(t, Implementation, deviations[0].Gate)
	assert.True(t, deviations[0].Skipped)
	assert.Equal(t, "legacy script approved by operator", deviations[0].Deviation)
}

func TestRun_MandatoryPOCCannotBeSkipped(t *testing.T) {
	f := newFixture()
	def := baseTask()
	def.RequiresPOC = true
	// Built without task.New, so preflight re-validation is what rejects it.
	def.Overrides = map[string]string{task.GateProofOfConcept: "trust me"}

	out := f.chain().Run(context.Background(), def, Hooks{})

	require.NotNil(t, out.Blocking)
	assert.Equal(t, PreFlight, out.Blocking.Gate)
	assert.Equal(t, ClassDefinition, out.Blocking.Class)
}

func TestRun_CancelledBetweenGates(t *testing.T) {
	f := newFixture()
	errCancel := errors.New("cancel marker present")

	out := f.chain().Run(context.Background(), baseTask(), Hooks{
		Between: func(next Name) error {
			if next == Implementation {
				return errCancel
			}
			return nil
		},
	})

	require.NotNil(t, out.Blocking)
	assert.Equal(t, Implementation, out.Blocking.Gate)
	assert.Equal(t, ClassCancelled, out.Blocking.Class)
	assert.Equal(t, CancelledReason, out.Blocking.Reason)
	assert.Len(t, out.Results, 3)
	assert.Zero(t, f.rollback.calls)
}

func TestRun_ContextCancelStopsChain(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())

	var seen []Name
	out := f.chain().Run(ctx, baseTask(), Hooks{
		OnResult: func(r Result) {
			seen = append(seen, r.Gate)
			cancel()
		},
	})

	require.NotNil(t, out.Blocking)
	assert.Equal(t, ClassCancelled, out.Blocking.Class)
	assert.Equal(t, []Name{PreFlight, ProofOfConcept}, seen)
}
