package resource

import (
	"context"
	"sync"
)

// FakeReading is one scripted sensor response.
type FakeReading struct {
	Snapshot Snapshot
	Err      error
}

// FakeSensor returns scripted readings in order. Once the script is exhausted
// the last reading repeats. It is safe for concurrent use.
type FakeSensor struct {
	mu       sync.Mutex
	readings []FakeReading
	calls    int
}

// NewFakeSensor scripts the given snapshots.
func NewFakeSensor(snaps ...Snapshot) *FakeSensor {
	f := &FakeSensor{}
	for _, s := range snaps {
		f.readings = append(f.readings, FakeReading{Snapshot: s})
	}
	return f
}

// FailingSensor returns a sensor whose every read fails with err.
func FailingSensor(err error) *FakeSensor {
	return &FakeSensor{readings: []FakeReading{{Err: err}}}
}

// Push appends readings to the script.
func (f *FakeSensor) Push(readings ...FakeReading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, readings...)
}

// Set replaces the script with a single repeating snapshot.
func (f *FakeSensor) Set(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = []FakeReading{{Snapshot: s}}
	f.calls = 0
}

// Fail replaces the script with a single repeating error.
func (f *FakeSensor) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = []FakeReading{{Err: err}}
	f.calls = 0
}

// Read implements Sensor.
func (f *FakeSensor) Read(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	f.calls++
	if len(f.readings) == 0 {
		return Snapshot{}, ErrSensorUnavailable
	}
	if idx >= len(f.readings) {
		idx = len(f.readings) - 1
	}
	r := f.readings[idx]
	return r.Snapshot, r.Err
}

// Calls returns how many reads were performed.
func (f *FakeSensor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
