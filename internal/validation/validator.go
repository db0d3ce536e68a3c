package validation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/j5a-ops/j5a/internal/logging"
	"github.com/j5a-ops/j5a/internal/task"
)

// DefaultFormatPassRate requires every output to pass its format checks.
const DefaultFormatPassRate = 1.0

// Built-in metrics the quality layer measures itself. A delegate reporting a
// metric with the same name takes precedence.
const (
	MetricFormatPassRate   = "format_pass_rate"
	MetricOutputsGenerated = "outputs_generated"
	MetricOutputBytes      = "output_bytes"
)

// maxTextBytes bounds how much of a text output is loaded for checks.
const maxTextBytes = 64 << 20

// Config holds the tunable quality thresholds.
type Config struct {
	FormatPassRate    float64
	DomainFormatRates map[string]float64
}

func (c Config) formatRate(domain string) float64 {
	if rate, ok := c.DomainFormatRates[domain]; ok {
		return rate
	}
	if c.FormatPassRate > 0 {
		return c.FormatPassRate
	}
	return DefaultFormatPassRate
}

// Validator runs the three validation layers.
type Validator struct {
	fs      afero.Fs
	harness Harness
	cfg     Config
	now     func() time.Time
	logger  *logging.Logger
}

// New creates a validator reading artifacts from fsys.
func New(fsys afero.Fs, harness Harness, cfg Config, logger *logging.Logger) *Validator {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Validator{
		fs:      fsys,
		harness: harness,
		cfg:     cfg,
		now:     time.Now,
		logger:  logging.OrNop(logger).Component("validation"),
	}
}

// Validate checks the artifacts of one execution. Layers after the first
// non-passing layer are not evaluated.
func (v *Validator) Validate(ctx context.Context, def *task.Definition, bundle task.Bundle) *Report {
	report := &Report{TaskID: def.ID, Overall: ResultPassed}
	for _, out := range def.ExpectedOutputs {
		report.OutputsExpected = append(report.OutputsExpected, out.Path)
	}

	for _, layer := range Layers {
		start := v.now()
		var lr LayerReport
		switch layer {
		case LayerExistence:
			lr = v.existence(def, report)
		case LayerQuality:
			lr = v.quality(def, bundle, report)
		case LayerFunctional:
			lr = v.functional(ctx, def, bundle)
		}
		lr.Layer = layer
		lr.Duration = v.now().Sub(start)
		report.Layers = append(report.Layers, lr)

		if lr.Result != ResultPassed {
			report.Overall = lr.Result
			report.FailedLayer = layer
			report.BlockingReason = lr.Reason
			v.logger.Info("validation stopped", "task_id", def.ID, "layer", string(layer), "result", string(lr.Result), "reason", lr.Reason)
			return report
		}
	}

	v.logger.Debug("validation passed", "task_id", def.ID)
	return report
}

func (v *Validator) existence(def *task.Definition, report *Report) LayerReport {
	for _, out := range def.ExpectedOutputs {
		info, err := v.fs.Stat(def.ResolvePath(out.Path))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			report.OutputsMissing = append(report.OutputsMissing, out.Path+" (not found)")
		case err != nil:
			report.OutputsMissing = append(report.OutputsMissing, fmt.Sprintf("%s (unreadable: %v)", out.Path, err))
		case info.IsDir():
			report.OutputsMissing = append(report.OutputsMissing, out.Path+" (is a directory)")
		case info.Size() < out.MinSize:
			report.OutputsMissing = append(report.OutputsMissing,
				fmt.Sprintf("%s (%d bytes < %d required)", out.Path, info.Size(), out.MinSize))
		default:
			report.OutputsGenerated = append(report.OutputsGenerated, out.Path)
		}
	}

	if len(report.OutputsMissing) > 0 {
		return LayerReport{
			Result:  ResultFailed,
			Reason:  "missing outputs: " + joinDetails(report.OutputsMissing),
			Details: report.OutputsMissing,
		}
	}
	return LayerReport{
		Result: ResultPassed,
		Reason: fmt.Sprintf("%d/%d outputs present", len(report.OutputsGenerated), len(def.ExpectedOutputs)),
	}
}

func (v *Validator) quality(def *task.Definition, bundle task.Bundle, report *Report) LayerReport {
	var (
		problems   []string
		passed     int
		totalBytes int64
	)
	for _, out := range def.ExpectedOutputs {
		size, err := v.checkOutput(def, out)
		totalBytes += size
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", out.Path, err))
			continue
		}
		passed++
	}

	rate := float64(passed) / float64(len(def.ExpectedOutputs))
	required := v.cfg.formatRate(def.Domain)
	if rate+1e-9 < required {
		return LayerReport{
			Result: ResultFailed,
			Reason: fmt.Sprintf("format checks: %d/%d outputs passed (%.2f < %.2f required): %s",
				passed, len(def.ExpectedOutputs), rate, required, strings.Join(problems, "; ")),
			Details: problems,
		}
	}

	measured := map[string]float64{
		MetricFormatPassRate:   rate,
		MetricOutputsGenerated: float64(len(report.OutputsGenerated)),
		MetricOutputBytes:      float64(totalBytes),
	}
	for name, value := range bundle.Metrics {
		measured[name] = value
	}
	report.Measured = measured

	for _, name := range def.CriteriaNames() {
		criterion := def.SuccessCriteria[name]
		value, ok := measured[name]
		if !ok {
			return LayerReport{
				Result:  ResultFailed,
				Reason:  fmt.Sprintf("%s: not measured (target %s)", name, criterion),
				Details: problems,
			}
		}
		if !criterion.Satisfied(value) {
			return LayerReport{
				Result:  ResultFailed,
				Reason:  fmt.Sprintf("%s: measured %s does not satisfy %s", name, formatMeasured(value, criterion.Unit), opTarget(criterion)),
				Details: problems,
			}
		}
	}

	reason := fmt.Sprintf("%d/%d outputs passed format checks; %d criteria satisfied", passed, len(def.ExpectedOutputs), len(def.SuccessCriteria))
	return LayerReport{Result: ResultPassed, Reason: reason, Details: problems}
}

// checkOutput runs the format, schema and named checks for one output and
// returns its size.
func (v *Validator) checkOutput(def *task.Definition, out task.OutputSpec) (int64, error) {
	path := def.ResolvePath(out.Path)
	info, err := v.fs.Stat(path)
	if err != nil {
		return 0, err
	}
	size := info.Size()

	if isBinaryFormat(out.Format) {
		f, err := v.fs.Open(path)
		if err != nil {
			return size, err
		}
		defer f.Close()
		if err := checkBinary(out.Format, f); err != nil {
			return size, err
		}
		if out.Schema != nil && len(out.Schema.RequiredKeys) > 0 {
			return size, fmt.Errorf("schema keys cannot be checked for binary format %s", out.Format)
		}
		if len(out.QualityChecks) > 0 {
			return size, fmt.Errorf("quality checks %v need a text format", out.QualityChecks)
		}
		return size, nil
	}

	checker, ok := textFormats[normalizeFormat(out.Format)]
	if !ok {
		return size, fmt.Errorf("no checker for format %q", out.Format)
	}
	if size > maxTextBytes {
		return size, fmt.Errorf("%d bytes exceeds the %d byte limit for text checks", size, maxTextBytes)
	}
	data, err := afero.ReadFile(v.fs, path)
	if err != nil {
		return size, err
	}

	keys, err := checker(data)
	if err != nil {
		return size, err
	}
	if out.Schema != nil {
		if missing := missingKeys(out.Schema.RequiredKeys, keys); len(missing) > 0 {
			return size, fmt.Errorf("missing required keys: %s", strings.Join(missing, ", "))
		}
	}
	for _, name := range out.QualityChecks {
		check, ok := namedChecks[name]
		if !ok {
			return size, fmt.Errorf("unknown quality check %q", name)
		}
		if err := check(data); err != nil {
			return size, fmt.Errorf("%s: %w", name, err)
		}
	}
	return size, nil
}

func (v *Validator) functional(ctx context.Context, def *task.Definition, bundle task.Bundle) LayerReport {
	if v.harness == nil {
		return LayerReport{Result: ResultBlocked, Reason: "no test harness configured"}
	}
	oracle := def.TestOracle
	res, err := v.harness.Evaluate(ctx, def, bundle)
	if err != nil {
		return LayerReport{
			Result: ResultBlocked,
			Reason: fmt.Sprintf("oracle %s could not run: %v", oracle.Name, err),
		}
	}
	if !res.Passed {
		reason := fmt.Sprintf("oracle %s failed", oracle.Name)
		if res.Expected != "" || res.Observed != "" {
			reason = fmt.Sprintf("oracle %s: expected %q, observed %q", oracle.Name, res.Expected, res.Observed)
		}
		if len(res.Details) > 0 {
			reason += ": " + strings.Join(res.Details, "; ")
		}
		return LayerReport{Result: ResultFailed, Reason: reason, Details: res.Details}
	}
	return LayerReport{
		Result:  ResultPassed,
		Reason:  fmt.Sprintf("oracle %s confirmed %s", oracle.Name, oracle.ExpectedBehavior),
		Details: res.Details,
	}
}

func formatMeasured(value float64, unit string) string {
	s := fmt.Sprintf("%g", value)
	if unit != "" {
		s += " (" + unit + ")"
	}
	return s
}

func opTarget(m task.QuantitativeMeasure) string {
	return fmt.Sprintf("%s %g", m.Op, m.Target)
}
