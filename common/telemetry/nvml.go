package telemetry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
)

const bytesPerGB = 1024.0 * 1024.0 * 1024.0

// NvmlSource collects real device readings using the
// [Go Bindings for the NVIDIA Management Library].
//
// The device ID passed to Sample is interpreted as the NVML device index
// ("0", "1", ...). NvmlSource must be closed when no longer needed so that
// NVML can be shut down.
//
// [Go Bindings for the NVIDIA Management Library]: https://github.com/NVIDIA/go-nvml?tab=readme-ov-file#quick-start
type NvmlSource struct {
	log logger.Logger
}

// NewNvmlSource initializes NVML and returns a new NvmlSource.
// An error is returned if nvml.Init() fails, such as when there is no NVIDIA
// driver present on the host. In that case, callers typically fall back to a
// SimulatedSource.
func NewNvmlSource() (*NvmlSource, error) {
	ret := nvml.Init()
	if ret != nvml.SUCCESS { // Official docs for nvml go module do not use errors.Is or errors.As here
		return nil, fmt.Errorf("unable to initialize NVML: %v", nvml.ErrorString(ret))
	}

	source := &NvmlSource{}
	config.InitLogger(&source.log, source)

	return source, nil
}

// Sample collects a snapshot from the device with the given NVML index.
func (s *NvmlSource) Sample(deviceId string) (DeviceSnapshot, error) {
	index, err := strconv.Atoi(deviceId)
	if err != nil {
		return DeviceSnapshot{}, fmt.Errorf("%w: invalid NVML device index %q", ErrTelemetryCollection, deviceId)
	}

	device, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return DeviceSnapshot{}, fmt.Errorf("%w: unable to get device at index %d: %v",
			ErrTelemetryCollection, index, nvml.ErrorString(ret))
	}

	memory, ret := device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return DeviceSnapshot{}, fmt.Errorf("%w: unable to get memory info for device %d: %v",
			ErrTelemetryCollection, index, nvml.ErrorString(ret))
	}

	temperature, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return DeviceSnapshot{}, fmt.Errorf("%w: unable to get temperature for device %d: %v",
			ErrTelemetryCollection, index, nvml.ErrorString(ret))
	}

	utilization, ret := device.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return DeviceSnapshot{}, fmt.Errorf("%w: unable to get utilization for device %d: %v",
			ErrTelemetryCollection, index, nvml.ErrorString(ret))
	}

	// Power usage is reported in milliwatts.
	power, ret := device.GetPowerUsage()
	if ret != nvml.SUCCESS {
		return DeviceSnapshot{}, fmt.Errorf("%w: unable to get power usage for device %d: %v",
			ErrTelemetryCollection, index, nvml.ErrorString(ret))
	}

	snapshot := DeviceSnapshot{
		DeviceId:          deviceId,
		TotalMemoryGB:     float64(memory.Total) / bytesPerGB,
		AvailableMemoryGB: float64(memory.Free) / bytesPerGB,
		Temperature:       float64(temperature),
		Utilization:       float64(utilization.Gpu),
		PowerDraw:         float64(power) / 1000.0,
		Timestamp:         time.Now(),
	}

	return snapshot, nil
}

// Close shuts NVML down.
func (s *NvmlSource) Close() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS { // Official docs for nvml go module do not use errors.Is or errors.As here
		return fmt.Errorf("unable to shutdown NVML: %v", nvml.ErrorString(ret))
	}

	return nil
}

// NumDevices attempts to use NVML to retrieve the number of real/actual
// devices available on the host.
func NumDevices() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS { // Official docs for nvml go module do not use errors.Is or errors.As here
		return -1, fmt.Errorf("unable to get device count: %v", nvml.ErrorString(ret))
	}

	return count, nil
}
