// Package resource reads live machine resource usage and decides whether it is
// safe to admit more work. Readings are never cached: every check takes a fresh
// Snapshot because temperature moves while a task runs.
package resource

import (
	"fmt"
	"time"
)

// Snapshot is a single point-in-time reading of machine resources.
type Snapshot struct {
	CPUTempCelsius float64   `json:"cpu_temp_celsius"`
	LoadAverage    float64   `json:"load_average"`
	MemoryUsedGB   float64   `json:"memory_used_gb"`
	MemoryTotalGB  float64   `json:"memory_total_gb"`
	Timestamp      time.Time `json:"timestamp"`
}

// String renders the snapshot for human-readable reasons and logs.
func (s Snapshot) String() string {
	return fmt.Sprintf("temp=%.1f°C load=%.2f mem=%.1f/%.1fGB",
		s.CPUTempCelsius, s.LoadAverage, s.MemoryUsedGB, s.MemoryTotalGB)
}

// Limits are the resource ceilings a snapshot is checked against.
// A zero value for any field disables that ceiling.
type Limits struct {
	MaxTempC float64 `json:"max_temp_c,omitempty" mapstructure:"max_temp_c"`
	MaxLoad  float64 `json:"max_load,omitempty" mapstructure:"max_load"`
	MaxMemGB float64 `json:"max_mem_gb,omitempty" mapstructure:"max_mem_gb"`
}

// Merge returns l with every non-zero field of override applied on top.
func (l Limits) Merge(override *Limits) Limits {
	if override == nil {
		return l
	}
	merged := l
	if override.MaxTempC > 0 {
		merged.MaxTempC = override.MaxTempC
	}
	if override.MaxLoad > 0 {
		merged.MaxLoad = override.MaxLoad
	}
	if override.MaxMemGB > 0 {
		merged.MaxMemGB = override.MaxMemGB
	}
	return merged
}

// Validate rejects negative ceilings.
func (l Limits) Validate() error {
	if l.MaxTempC < 0 {
		return fmt.Errorf("max_temp_c must not be negative (got %.1f)", l.MaxTempC)
	}
	if l.MaxLoad < 0 {
		return fmt.Errorf("max_load must not be negative (got %.2f)", l.MaxLoad)
	}
	if l.MaxMemGB < 0 {
		return fmt.Errorf("max_mem_gb must not be negative (got %.1f)", l.MaxMemGB)
	}
	return nil
}

// Peak tracks the highest readings seen across several snapshots.
type Peak struct {
	CPUTempCelsius float64 `json:"cpu_temp_celsius"`
	LoadAverage    float64 `json:"load_average"`
	MemoryUsedGB   float64 `json:"memory_used_gb"`
	Samples        int     `json:"samples"`
}

// Observe folds a snapshot into the peak readings.
func (p *Peak) Observe(s Snapshot) {
	if p.Samples == 0 || s.CPUTempCelsius > p.CPUTempCelsius {
		p.CPUTempCelsius = s.CPUTempCelsius
	}
	if p.Samples == 0 || s.LoadAverage > p.LoadAverage {
		p.LoadAverage = s.LoadAverage
	}
	if p.Samples == 0 || s.MemoryUsedGB > p.MemoryUsedGB {
		p.MemoryUsedGB = s.MemoryUsedGB
	}
	p.Samples++
}
