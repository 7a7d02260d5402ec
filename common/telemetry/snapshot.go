package telemetry

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// DeviceSnapshot is a single point-in-time reading of a device's vitals.
// DeviceSnapshot structs are immutable once created; they are passed by value
// between the sampling loop, the monitoring store, and the scheduler.
type DeviceSnapshot struct {
	// DeviceId is the ID of the device from which the snapshot was collected.
	DeviceId string `json:"device_id"`

	// TotalMemoryGB is the total device memory in gigabytes.
	TotalMemoryGB float64 `json:"total_memory_gb"`

	// AvailableMemoryGB is the device memory not currently in use, in gigabytes.
	AvailableMemoryGB float64 `json:"available_memory_gb"`

	// Temperature is the device temperature in degrees Celsius.
	Temperature float64 `json:"temperature"`

	// Utilization is the device utilization as a percentage in [0, 100].
	Utilization float64 `json:"utilization"`

	// PowerDraw is the instantaneous power draw in watts.
	PowerDraw float64 `json:"power_draw"`

	// Timestamp is the time at which the snapshot was collected.
	Timestamp time.Time `json:"timestamp"`
}

// MemoryUsedGB returns the amount of device memory currently in use, in gigabytes.
func (s DeviceSnapshot) MemoryUsedGB() float64 {
	return s.TotalMemoryGB - s.AvailableMemoryGB
}

// MemoryUsagePercent returns the fraction of device memory in use as a percentage in [0, 100].
func (s DeviceSnapshot) MemoryUsagePercent() float64 {
	if s.TotalMemoryGB <= 0 {
		return 0
	}
	return (s.MemoryUsedGB() / s.TotalMemoryGB) * 100.0
}

// String returns a string representation of the DeviceSnapshot suitable for logging.
func (s DeviceSnapshot) String() string {
	m, err := json.Marshal(&s)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// Source supplies point-in-time device readings. The engine treats the Source
// as an injected collaborator so that the NVML-backed implementation can be
// swapped for a simulated one in tests (or on hosts with no physical device).
type Source interface {
	// Sample collects a snapshot from the specified device.
	Sample(deviceId string) (DeviceSnapshot, error)

	// Close releases any resources held by the source.
	Close() error
}

// ErrTelemetryCollection indicates that the telemetry provider failed to produce a sample.
// Collection errors are counted and logged by the sampling loop, which then continues
// with the previous snapshot; they are never fatal.
var ErrTelemetryCollection = fmt.Errorf("failed to collect telemetry sample")
