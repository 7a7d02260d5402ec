package telemetry

import (
	"math/rand"
	"sync"
	"time"
)

// SimulatedSource produces deterministic, seeded-random device readings.
// It is used on hosts with no physical device and as the telemetry seam in
// unit tests. Successive samples perform a small bounded random walk around
// the configured baselines so that rule evaluation and forecasting have
// something non-constant to chew on.
type SimulatedSource struct {
	mu sync.Mutex

	rng *rand.Rand

	totalMemoryGB float64

	// Baselines for the random walk.
	temperature float64
	utilization float64
	powerDraw   float64
	usedMemGB   float64

	// now is overridable so tests can control snapshot timestamps.
	now func() time.Time
}

// NewSimulatedSource creates a SimulatedSource for a device with the given
// total memory, seeded with the given seed. The same seed always produces
// the same sequence of samples.
func NewSimulatedSource(totalMemoryGB float64, seed int64) *SimulatedSource {
	return &SimulatedSource{
		rng:           rand.New(rand.NewSource(seed)),
		totalMemoryGB: totalMemoryGB,
		temperature:   55.0,
		utilization:   40.0,
		powerDraw:     180.0,
		usedMemGB:     totalMemoryGB * 0.25,
		now:           time.Now,
	}
}

// WithClock overrides the clock used to timestamp snapshots. Intended for tests.
func (s *SimulatedSource) WithClock(now func() time.Time) *SimulatedSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
	return s
}

// SetBaselines overrides the values around which subsequent samples walk.
// Tests use this to drive the engine into alerting/unhealthy territory.
func (s *SimulatedSource) SetBaselines(temperature, utilization, powerDraw, usedMemGB float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.temperature = temperature
	s.utilization = utilization
	s.powerDraw = powerDraw
	s.usedMemGB = usedMemGB
}

// Sample produces the next simulated snapshot for the given device.
// It never fails.
func (s *SimulatedSource) Sample(deviceId string) (DeviceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.temperature = clamp(s.temperature+s.step(1.5), 30.0, 105.0)
	s.utilization = clamp(s.utilization+s.step(5.0), 0.0, 100.0)
	s.powerDraw = clamp(s.powerDraw+s.step(10.0), 50.0, 450.0)
	s.usedMemGB = clamp(s.usedMemGB+s.step(0.5), 0.0, s.totalMemoryGB)

	snapshot := DeviceSnapshot{
		DeviceId:          deviceId,
		TotalMemoryGB:     s.totalMemoryGB,
		AvailableMemoryGB: s.totalMemoryGB - s.usedMemGB,
		Temperature:       s.temperature,
		Utilization:       s.utilization,
		PowerDraw:         s.powerDraw,
		Timestamp:         s.now(),
	}

	return snapshot, nil
}

// Close is a no-op for the simulated source.
func (s *SimulatedSource) Close() error {
	return nil
}

func (s *SimulatedSource) step(magnitude float64) float64 {
	return (s.rng.Float64()*2.0 - 1.0) * magnitude
}

func clamp(val, low, high float64) float64 {
	if val < low {
		return low
	}
	if val > high {
		return high
	}
	return val
}
