// Package config loads j5a settings from .j5a/config.yaml and J5A_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/j5a-ops/j5a/internal/delegate"
	"github.com/j5a-ops/j5a/internal/executor"
	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/ids"
	"github.com/j5a-ops/j5a/internal/logging"
	"github.com/j5a-ops/j5a/internal/resource"
	"github.com/j5a-ops/j5a/internal/validation"
)

// FileName is the config file inside the workspace.
const FileName = "config.yaml"

// EnvPrefix prefixes every environment override, e.g. J5A_LIMITS_MAX_TEMP_C.
const EnvPrefix = "J5A"

// Config is the full set of tunables.
type Config struct {
	Limits           resource.Limits         `mapstructure:"limits"`
	Wait             WaitConfig              `mapstructure:"wait"`
	MaxDeferrals     int                     `mapstructure:"max_deferrals"`
	Quality          QualityConfig           `mapstructure:"quality"`
	Domains          map[string]DomainConfig `mapstructure:"domains"`
	ProtectedWindows []gate.Window           `mapstructure:"protected_windows"`
	Delegates        map[string][]string     `mapstructure:"delegates"`
	Delegate         TimeoutConfig           `mapstructure:"delegate"`
	Oracle           TimeoutConfig           `mapstructure:"oracle"`
	Regression       TimeoutConfig           `mapstructure:"regression"`
	Sensor           SensorConfig            `mapstructure:"sensor"`
	Logging          LoggingConfig           `mapstructure:"logging"`
	Metrics          MetricsConfig           `mapstructure:"metrics"`
	Schedule         ScheduleConfig          `mapstructure:"schedule"`
	IDs              IDsConfig               `mapstructure:"ids"`
	RulesFile        string                  `mapstructure:"rules_file"`
}

// WaitConfig bounds waiting for resources before a task starts.
type WaitConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
}

// QualityConfig holds pass-rate thresholds. Every rate must lie in (0, 1].
type QualityConfig struct {
	FormatPassRate       float64                        `mapstructure:"format_pass_rate"`
	POCSampleSuccessRate float64                        `mapstructure:"poc_sample_success_rate"`
	Domains              map[string]DomainQualityConfig `mapstructure:"domains"`
}

// DomainQualityConfig overrides the global thresholds for one domain. An
// omitted rate falls back to the global one.
type DomainQualityConfig struct {
	FormatPassRate       *float64 `mapstructure:"format_pass_rate"`
	POCSampleSuccessRate *float64 `mapstructure:"poc_sample_success_rate"`
}

// DomainConfig holds per-domain switches. Protected domains are added to
// every protected window that lists no domains of its own.
type DomainConfig struct {
	RequiresPOC bool `mapstructure:"requires_poc"`
	Protected   bool `mapstructure:"protected"`
}

// TimeoutConfig is a single timeout.
type TimeoutConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SensorConfig points the resource sensor at its mount points.
type SensorConfig struct {
	ProcPath    string `mapstructure:"proc_path"`
	SysPath     string `mapstructure:"sys_path"`
	ThermalZone string `mapstructure:"thermal_zone"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig locates the node-exporter textfile. Empty disables it.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// ScheduleConfig is the nightly run schedule.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// IDsConfig selects the run id strategy.
type IDsConfig struct {
	Strategy string `mapstructure:"strategy"`
}

func setDefaults(v *viper.Viper, workspace string) {
	v.SetDefault("limits.max_temp_c", 80.0)
	v.SetDefault("limits.max_load", 0.0)
	v.SetDefault("limits.max_mem_gb", 14.0)
	v.SetDefault("wait.poll_interval", 30*time.Second)
	v.SetDefault("wait.max_wait", time.Duration(0))
	v.SetDefault("max_deferrals", executor.DefaultMaxDeferrals)
	v.SetDefault("quality.format_pass_rate", validation.DefaultFormatPassRate)
	v.SetDefault("quality.poc_sample_success_rate", gate.DefaultPOCSuccessRate)
	v.SetDefault("delegate.timeout", delegate.DefaultTimeout)
	v.SetDefault("oracle.timeout", delegate.DefaultTestTimeout)
	v.SetDefault("regression.timeout", delegate.DefaultTestTimeout)
	v.SetDefault("sensor.proc_path", "/proc")
	v.SetDefault("sensor.sys_path", "/sys")
	v.SetDefault("sensor.thermal_zone", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("metrics.textfile", filepath.Join(workspace, "metrics", "j5a.prom"))
	v.SetDefault("schedule.cron", "0 23 * * *")
	v.SetDefault("ids.strategy", string(ids.StrategyKSUID))
	v.SetDefault("rules_file", filepath.Join(workspace, "rules.yaml"))
}

func newViper(workspace string) *viper.Viper {
	v := viper.New()
	setDefaults(v, workspace)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads workspace/config.yaml when present, applies environment
// overrides and validates the result.
func Load(workspace string) (*Config, error) {
	v := newViper(workspace)

	path := filepath.Join(workspace, FileName)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteDefault writes the default settings to workspace/config.yaml. An
// existing file is left alone.
func WriteDefault(workspace string) (string, error) {
	path := filepath.Join(workspace, FileName)
	v := viper.New()
	setDefaults(v, workspace)
	if err := v.SafeWriteConfigAs(path); err != nil {
		var exists viper.ConfigFileAlreadyExistsError
		if errors.As(err, &exists) {
			return path, nil
		}
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if c.MaxDeferrals < 0 {
		return fmt.Errorf("max_deferrals must not be negative (got %d)", c.MaxDeferrals)
	}
	if c.Wait.PollInterval < 0 || c.Wait.MaxWait < 0 {
		return errors.New("wait: durations must not be negative")
	}
	if err := checkRate("quality.format_pass_rate", c.Quality.FormatPassRate); err != nil {
		return err
	}
	if err := checkRate("quality.poc_sample_success_rate", c.Quality.POCSampleSuccessRate); err != nil {
		return err
	}
	for domain, q := range c.Quality.Domains {
		if q.FormatPassRate != nil {
			if err := checkRate("quality.domains."+domain+".format_pass_rate", *q.FormatPassRate); err != nil {
				return err
			}
		}
		if q.POCSampleSuccessRate != nil {
			if err := checkRate("quality.domains."+domain+".poc_sample_success_rate", *q.POCSampleSuccessRate); err != nil {
				return err
			}
		}
	}
	for _, w := range c.ProtectedWindows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("protected_windows: %w", err)
		}
	}
	for key, argv := range c.Delegates {
		if len(argv) == 0 {
			return fmt.Errorf("delegates.%s: command must not be empty", key)
		}
	}
	if _, err := ids.ParseStrategy(c.IDs.Strategy); err != nil {
		return fmt.Errorf("ids.strategy: %w", err)
	}
	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule.cron: %w", err)
		}
	}
	return nil
}

// checkRate requires 0 < rate <= 1. The validators read 0 as unset.
func checkRate(key string, rate float64) error {
	if rate <= 0 || rate > 1 {
		return fmt.Errorf("%s must be greater than 0 and at most 1 (got %g)", key, rate)
	}
	return nil
}

// Policy builds the gate policy.
func (c *Config) Policy() gate.Policy {
	p := gate.Policy{
		Limits:         c.Limits,
		POCDomains:     make(map[string]bool),
		POCSuccessRate: c.Quality.POCSampleSuccessRate,
		DomainPOCRates: make(map[string]float64),
	}
	var protected []string
	for domain, d := range c.Domains {
		if d.RequiresPOC {
			p.POCDomains[domain] = true
		}
		if d.Protected {
			protected = append(protected, domain)
		}
	}
	sort.Strings(protected)

	for domain, q := range c.Quality.Domains {
		if q.POCSampleSuccessRate != nil {
			p.DomainPOCRates[domain] = *q.POCSampleSuccessRate
		}
	}
	for _, w := range c.ProtectedWindows {
		if len(w.Domains) == 0 {
			w.Domains = protected
		}
		p.Windows = append(p.Windows, w)
	}
	return p
}

// ValidationConfig builds the outcome validator thresholds.
func (c *Config) ValidationConfig() validation.Config {
	vc := validation.Config{
		FormatPassRate:    c.Quality.FormatPassRate,
		DomainFormatRates: make(map[string]float64),
	}
	for domain, q := range c.Quality.Domains {
		if q.FormatPassRate != nil {
			vc.DomainFormatRates[domain] = *q.FormatPassRate
		}
	}
	return vc
}

// ExecutorConfig builds the executor settings.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		Limits:       c.Limits,
		Wait:         resource.WaitPolicy{PollInterval: c.Wait.PollInterval, MaxWait: c.Wait.MaxWait},
		MaxDeferrals: c.MaxDeferrals,
	}
}

// ProcSensorConfig builds the procfs sensor settings.
func (c *Config) ProcSensorConfig() resource.ProcSensorConfig {
	return resource.ProcSensorConfig{
		ProcPath:    c.Sensor.ProcPath,
		SysPath:     c.Sensor.SysPath,
		ThermalZone: c.Sensor.ThermalZone,
	}
}

// LoggerConfig builds the logger settings.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}

// IDGenerator returns the run id generator.
func (c *Config) IDGenerator() func() string {
	s, _ := ids.ParseStrategy(c.IDs.Strategy)
	return ids.Generator(s)
}
