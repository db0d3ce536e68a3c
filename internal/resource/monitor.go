package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/j5a-ops/j5a/internal/logging"
)

// ErrSensorUnavailable is wrapped by every sensor read failure.
var ErrSensorUnavailable = errors.New("sensor unavailable")

// Sensor is a pull-based source of resource readings.
type Sensor interface {
	Read(ctx context.Context) (Snapshot, error)
}

// Check is the outcome of one admission check.
type Check struct {
	Snapshot Snapshot
	Safe     bool
	Reason   string
	Err      error
}

// WaitPolicy bounds how long the monitor polls for safe conditions.
type WaitPolicy struct {
	PollInterval time.Duration
	MaxWait      time.Duration
}

// Monitor turns sensor readings into admission decisions.
type Monitor struct {
	sensor Sensor
	now    func() time.Time
	logger *logging.Logger
}

// NewMonitor creates a Monitor reading from sensor.
func NewMonitor(sensor Sensor, logger *logging.Logger) *Monitor {
	return &Monitor{
		sensor: sensor,
		now:    time.Now,
		logger: logging.OrNop(logger).Component("resource"),
	}
}

// Snapshot reads the sensor. Every call performs a fresh read.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	if m.sensor == nil {
		return Snapshot{}, fmt.Errorf("%w: no sensor configured", ErrSensorUnavailable)
	}
	snap, err := m.sensor.Read(ctx)
	if err != nil {
		if !errors.Is(err, ErrSensorUnavailable) {
			err = fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
		}
		return Snapshot{}, err
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = m.now()
	}
	return snap, nil
}

// IsSafe compares a snapshot with limits. Over-limit readings are an expected
// state and are reported through the reason, never as an error.
func (m *Monitor) IsSafe(snap Snapshot, limits Limits) (bool, string) {
	return IsSafe(snap, limits)
}

// IsSafe compares a snapshot with limits.
func IsSafe(snap Snapshot, limits Limits) (bool, string) {
	if limits.MaxTempC > 0 && snap.CPUTempCelsius > limits.MaxTempC {
		return false, fmt.Sprintf("CPU temperature %.1f°C exceeds limit %.1f°C", snap.CPUTempCelsius, limits.MaxTempC)
	}
	if limits.MaxMemGB > 0 && snap.MemoryUsedGB > limits.MaxMemGB {
		return false, fmt.Sprintf("memory usage %.1fGB exceeds limit %.1fGB", snap.MemoryUsedGB, limits.MaxMemGB)
	}
	if limits.MaxLoad > 0 && snap.LoadAverage > limits.MaxLoad {
		return false, fmt.Sprintf("load average %.2f exceeds limit %.2f", snap.LoadAverage, limits.MaxLoad)
	}
	return true, fmt.Sprintf("within limits (%s)", snap)
}

// Check reads the sensor and evaluates the reading. A sensor failure is
// reported as unsafe regardless of limits.
func (m *Monitor) Check(ctx context.Context, limits Limits) Check {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("resource read failed; treating as unsafe", "class", "infrastructure", "error", err)
		return Check{Safe: false, Reason: err.Error(), Err: err}
	}
	safe, reason := IsSafe(snap, limits)
	return Check{Snapshot: snap, Safe: safe, Reason: reason}
}

// errStillUnsafe marks a poll that should be retried.
var errStillUnsafe = errors.New("resources still over limit")

// WaitUntilSafe polls the sensor until the limits are satisfied, MaxWait
// elapses or ctx is cancelled. It always returns the last check performed.
// A zero MaxWait performs exactly one check.
func (m *Monitor) WaitUntilSafe(ctx context.Context, limits Limits, policy WaitPolicy) Check {
	last := m.Check(ctx, limits)
	if last.Safe || policy.MaxWait <= 0 {
		return last
	}

	interval := policy.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.logger.Info("waiting for resources", "reason", last.Reason, "max_wait", policy.MaxWait.String())

	operation := func() (Check, error) {
		check := m.Check(ctx, limits)
		last = check
		if check.Safe {
			return check, nil
		}
		return check, errStillUnsafe
	}

	_, _ = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(policy.MaxWait),
	)
	return last
}
