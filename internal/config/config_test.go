package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/resource"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644))
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, resource.Limits{MaxTempC: 80, MaxMemGB: 14}, cfg.Limits)
	assert.Equal(t, 30*time.Second, cfg.Wait.PollInterval)
	assert.Equal(t, 5, cfg.MaxDeferrals)
	assert.Equal(t, 1.0, cfg.Quality.FormatPassRate)
	assert.Equal(t, 0.6, cfg.Quality.POCSampleSuccessRate)
	assert.Equal(t, 4*time.Hour, cfg.Delegate.Timeout)
	assert.Equal(t, "0 23 * * *", cfg.Schedule.Cron)
	assert.Equal(t, filepath.Join(dir, "metrics", "j5a.prom"), cfg.Metrics.Textfile)
	assert.Equal(t, filepath.Join(dir, "rules.yaml"), cfg.RulesFile)
	assert.NotEmpty(t, cfg.IDGenerator()())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
limits:
  max_temp_c: 75
  max_load: 4
wait:
  poll_interval: 10s
  max_wait: 20m
max_deferrals: 2
quality:
  poc_sample_success_rate: 0.8
  domains:
    audio_processing:
      format_pass_rate: 0.9
      poc_sample_success_rate: 0.5
domains:
  audio_processing:
    requires_poc: true
    protected: true
  research:
    protected: true
protected_windows:
  - name: backups
    start: "02:00"
    end: "03:00"
  - name: office
    domains: [document_processing]
    days: [mon, tue]
    start: "09:00"
    end: "17:00"
delegates:
  default: [./bin/run-task]
  audio_processing: [python3, -m, transcribe]
ids:
  strategy: uuidv7
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, resource.Limits{MaxTempC: 75, MaxLoad: 4, MaxMemGB: 14}, cfg.Limits)
	ec := cfg.ExecutorConfig()
	assert.Equal(t, resource.WaitPolicy{PollInterval: 10 * time.Second, MaxWait: 20 * time.Minute}, ec.Wait)
	assert.Equal(t, 2, ec.MaxDeferrals)

	p := cfg.Policy()
	assert.True(t, p.POCDomains["audio_processing"])
	assert.Equal(t, 0.8, p.POCSuccessRate)
	assert.Equal(t, 0.5, p.DomainPOCRates["audio_processing"])
	require.Len(t, p.Windows, 2)
	assert.Equal(t, []string{"audio_processing", "research"}, p.Windows[0].Domains)
	assert.Equal(t, []string{"document_processing"}, p.Windows[1].Domains)

	vc := cfg.ValidationConfig()
	assert.Equal(t, 1.0, vc.FormatPassRate)
	assert.Equal(t, 0.9, vc.DomainFormatRates["audio_processing"])

	assert.Equal(t, []string{"./bin/run-task"}, cfg.Delegates["default"])
	assert.Equal(t, []string{"python3", "-m", "transcribe"}, cfg.Delegates["audio_processing"])
	assert.Len(t, cfg.IDGenerator()(), 36)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "limits:\n  max_temp_c: 75\n")
	t.Setenv("J5A_LIMITS_MAX_TEMP_C", "70")
	t.Setenv("J5A_LOGGING_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 70.0, cfg.Limits.MaxTempC)
	assert.Equal(t, "debug", cfg.LoggerConfig().Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"negative limit", "limits:\n  max_temp_c: -1\n", "max_temp_c must not be negative"},
		{"rate above one", "quality:\n  format_pass_rate: 1.5\n", "quality.format_pass_rate must be greater than 0 and at most 1"},
		{"zero rate", "quality:\n  format_pass_rate: 0\n", "quality.format_pass_rate must be greater than 0"},
		{"zero domain rate", "quality:\n  domains:\n    audio:\n      format_pass_rate: 0\n", "quality.domains.audio.format_pass_rate must be greater than 0"},
		{"bad window", "protected_windows:\n  - name: w\n    start: \"25:00\"\n    end: \"01:00\"\n", "window w: start"},
		{"empty delegate", "delegates:\n  default: []\n", "delegates.default"},
		{"bad strategy", "ids:\n  strategy: snowflake\n", "ids.strategy"},
		{"bad cron", "schedule:\n  cron: \"every night\"\n", "schedule.cron"},
		{"negative deferrals", "max_deferrals: -1\n", "max_deferrals"},
		{"malformed yaml", "limits: [\n", "failed to read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.body)
			_, err := Load(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), path)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 80.0, cfg.Limits.MaxTempC)
	assert.Equal(t, 30*time.Second, cfg.Wait.PollInterval)

	// an edited file survives a second init
	writeConfig(t, dir, "max_deferrals: 9\n")
	_, err = WriteDefault(dir)
	require.NoError(t, err)
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxDeferrals)
}

func TestPolicy_NoProtectedDomains(t *testing.T) {
	cfg := &Config{ProtectedWindows: []gate.Window{{Name: "w", Start: "01:00", End: "02:00"}}}
	p := cfg.Policy()
	require.Len(t, p.Windows, 1)
	assert.Empty(t, p.Windows[0].Domains)
}
