package resource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"
)

const kibPerGiB = 1024 * 1024

// ProcSensor reads load, memory and thermal zones from Linux procfs/sysfs.
type ProcSensor struct {
	proc        procfs.FS
	sys         sysfs.FS
	thermalType string
	now         func() time.Time
}

// ProcSensorConfig points the sensor at its mount points.
type ProcSensorConfig struct {
	ProcPath string
	SysPath  string
	// ThermalZone restricts temperature readings to zones of this type
	// (e.g. "x86_pkg_temp"). Empty means the hottest zone of any type.
	ThermalZone string
}

// NewProcSensor opens the procfs and sysfs mount points.
func NewProcSensor(cfg ProcSensorConfig) (*ProcSensor, error) {
	procPath := cfg.ProcPath
	if procPath == "" {
		procPath = procfs.DefaultMountPoint
	}
	sysPath := cfg.SysPath
	if sysPath == "" {
		sysPath = sysfs.DefaultMountPoint
	}

	proc, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open procfs %s: %v", ErrSensorUnavailable, procPath, err)
	}
	sys, err := sysfs.NewFS(sysPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open sysfs %s: %v", ErrSensorUnavailable, sysPath, err)
	}

	return &ProcSensor{
		proc:        proc,
		sys:         sys,
		thermalType: strings.TrimSpace(cfg.ThermalZone),
		now:         time.Now,
	}, nil
}

// Read takes one reading of every resource. Any failed read fails the whole
// reading so callers never act on partial data.
func (s *ProcSensor) Read(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	load, err := s.proc.LoadAvg()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read loadavg: %v", ErrSensorUnavailable, err)
	}

	mem, err := s.proc.Meminfo()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read meminfo: %v", ErrSensorUnavailable, err)
	}
	if mem.MemTotal == nil || mem.MemAvailable == nil {
		return Snapshot{}, fmt.Errorf("%w: meminfo lacks MemTotal/MemAvailable", ErrSensorUnavailable)
	}

	temp, err := s.readTemperature()
	if err != nil {
		return Snapshot{}, err
	}

	total := float64(*mem.MemTotal) / kibPerGiB
	used := float64(*mem.MemTotal-min(*mem.MemAvailable, *mem.MemTotal)) / kibPerGiB

	return Snapshot{
		CPUTempCelsius: temp,
		LoadAverage:    load.Load1,
		MemoryUsedGB:   used,
		MemoryTotalGB:  total,
		Timestamp:      s.now(),
	}, nil
}

func (s *ProcSensor) readTemperature() (float64, error) {
	zones, err := s.sys.ClassThermalZoneStats()
	if err != nil {
		return 0, fmt.Errorf("%w: read thermal zones: %v", ErrSensorUnavailable, err)
	}

	found := false
	var hottest int64
	for _, zone := range zones {
		if s.thermalType != "" && zone.Type != s.thermalType {
			continue
		}
		if !found || zone.Temp > hottest {
			hottest = zone.Temp
			found = true
		}
	}
	if !found {
		if s.thermalType != "" {
			return 0, fmt.Errorf("%w: no thermal zone of type %q", ErrSensorUnavailable, s.thermalType)
		}
		return 0, fmt.Errorf("%w: no thermal zones found", ErrSensorUnavailable)
	}

	// sysfs reports millidegrees Celsius.
	return float64(hottest) / 1000.0, nil
}
