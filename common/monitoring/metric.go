package monitoring

import (
	"time"

	"github.com/goccy/go-json"
)

// MetricType identifies which dimension of a device a Metric measures.
type MetricType string

const (
	MetricTemperature MetricType = "temperature"
	MetricMemoryUsed  MetricType = "memory_used"
	MetricMemoryTotal MetricType = "memory_total"
	MetricUtilization MetricType = "utilization"
	MetricPower       MetricType = "power"
)

func (t MetricType) String() string {
	return string(t)
}

// Metric is a single, append-only telemetry measurement. Metrics are retained
// in the store's in-memory ring for the configured retention window and
// persisted through the storage provider.
type Metric struct {
	// DeviceId is the ID of the device from which the measurement was taken.
	DeviceId string `json:"device_id"`

	// Type identifies the measured dimension.
	Type MetricType `json:"metric_type"`

	// Value is the measured value in Unit units.
	Value float64 `json:"value"`

	// Unit is the unit of measurement, e.g. "celsius", "gb", "percent", "watts".
	Unit string `json:"unit"`

	// Timestamp is the time at which the measurement was taken.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries optional, free-form annotations.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// String returns a string representation of the Metric suitable for logging.
func (m Metric) String() string {
	o, err := json.Marshal(&m)
	if err != nil {
		panic(err)
	}

	return string(o)
}
