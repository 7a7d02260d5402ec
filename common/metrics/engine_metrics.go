package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ErrEnginePrometheusManagerAlreadyRunning = errors.New("EnginePrometheusManager is already running")
	ErrEnginePrometheusManagerNotRunning     = errors.New("EnginePrometheusManager is not running")
	ErrMetricsNotInitialized                 = errors.New("metrics have not been initialized yet")
)

// EnginePrometheusManager is responsible for registering the engine's metrics with
// Prometheus and serving them via HTTP. There is one EnginePrometheusManager per
// engine daemon process.
type EnginePrometheusManager struct {
	log logger.Logger

	prometheusHandler http.Handler
	engine            *gin.Engine
	httpServer        *http.Server

	// Resource ledger gauges. Cached returns of the corresponding
	// GaugeVec.With(<label for this device>).
	SpecMemoryGauge      prometheus.Gauge
	ReservedMemoryGauge  prometheus.Gauge
	IdleMemoryGauge      prometheus.Gauge
	CommittedMemoryGauge prometheus.Gauge

	// Telemetry gauges.
	TemperatureGauge prometheus.Gauge
	UtilizationGauge prometheus.Gauge
	PowerDrawGauge   prometheus.Gauge
	MemoryUsedGauge  prometheus.Gauge

	// Scheduler gauges.
	QueuedTasksGauge  prometheus.Gauge
	RunningTasksGauge prometheus.Gauge

	// Counters.
	TasksAdmittedCounter   prometheus.Counter
	TasksRequeuedCounter   prometheus.Counter
	TasksCompletedCounter  prometheus.Counter
	TasksTimedOutCounter   prometheus.Counter
	TasksFailedCounter     prometheus.Counter
	ReclaimAttemptsCounter prometheus.Counter
	TelemetryErrorsCounter prometheus.Counter

	// AlertsFiredCounterVec counts fired alerts, labeled by severity.
	AlertsFiredCounterVec *prometheus.CounterVec

	specMemoryGaugeVec      *prometheus.GaugeVec
	reservedMemoryGaugeVec  *prometheus.GaugeVec
	idleMemoryGaugeVec      *prometheus.GaugeVec
	committedMemoryGaugeVec *prometheus.GaugeVec
	temperatureGaugeVec     *prometheus.GaugeVec
	utilizationGaugeVec     *prometheus.GaugeVec
	powerDrawGaugeVec       *prometheus.GaugeVec
	memoryUsedGaugeVec      *prometheus.GaugeVec
	queuedTasksGaugeVec     *prometheus.GaugeVec
	runningTasksGaugeVec    *prometheus.GaugeVec
	taskEventsCounterVec    *prometheus.CounterVec
	reclaimCounterVec       *prometheus.CounterVec
	telemetryErrCounterVec  *prometheus.CounterVec

	deviceId string
	port     int
	mu       sync.Mutex

	// serving indicates whether the manager has been started and is serving requests.
	serving            bool
	metricsInitialized bool
}

// NewEnginePrometheusManager creates a new EnginePrometheusManager struct and returns a pointer to it.
func NewEnginePrometheusManager(port int, deviceId string) *EnginePrometheusManager {
	manager := &EnginePrometheusManager{
		port:              port,
		prometheusHandler: promhttp.Handler(),
		deviceId:          deviceId,
		serving:           false,
	}
	config.InitLogger(&manager.log, manager)

	// Register the collectors immediately so the gauges are usable before the
	// HTTP server starts serving.
	if err := manager.initMetrics(); err != nil {
		manager.log.Error("Failed to initialize prometheus metrics for device %s: %v", deviceId, err)
	}

	return manager
}

// MetricsInitialized returns true if the collectors registered successfully.
// Gauge and counter fields must not be used when this returns false.
func (m *EnginePrometheusManager) MetricsInitialized() bool {
	return m.metricsInitialized
}

// DeviceId returns the device ID associated with the metrics manager.
func (m *EnginePrometheusManager) DeviceId() string {
	return m.deviceId
}

// IsRunning returns true if the EnginePrometheusManager has been started and is serving metrics.
func (m *EnginePrometheusManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.serving
}

// Start registers metrics with Prometheus and begins serving the metrics via an HTTP endpoint.
func (m *EnginePrometheusManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		m.log.Warn("EnginePrometheusManager for device %s is already running.", m.deviceId)
		return ErrEnginePrometheusManagerAlreadyRunning
	}

	m.serving = true
	if !m.metricsInitialized {
		if err := m.initMetrics(); err != nil {
			return err
		}
	}
	m.initializeHttpServer()

	return nil
}

// Stop instructs the EnginePrometheusManager to shut down its HTTP server.
func (m *EnginePrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.serving {
		m.log.Warn("EnginePrometheusManager for device %s is not running.", m.deviceId)
		return ErrEnginePrometheusManagerNotRunning
	}

	m.serving = false
	if m.httpServer == nil {
		return nil
	}

	if err := m.httpServer.Shutdown(context.Background()); err != nil {
		m.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
		return err
	}

	return nil
}

// HandleRequest handles Prometheus HTTP requests (when Prometheus is scraping for metrics).
func (m *EnginePrometheusManager) HandleRequest(c *gin.Context) {
	m.prometheusHandler.ServeHTTP(c.Writer, c.Request)
}

func (m *EnginePrometheusManager) initializeHttpServer() {
	if m.port <= 0 {
		m.log.Debug("Prometheus port is set to %d. Not serving HTTP server.", m.port)
		return
	}

	m.engine = gin.New()
	m.engine.Use(gin.Recovery())

	m.engine.GET("/metrics", m.HandleRequest)

	address := fmt.Sprintf("0.0.0.0:%d", m.port)
	m.httpServer = &http.Server{
		Addr:    address,
		Handler: m.engine,
	}

	go func() {
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("HTTP server failed to serve metrics: %v", err)
		}
	}()

	m.log.Debug("Serving Prometheus metrics at %s/metrics.", address)
}

func (m *EnginePrometheusManager) initMetrics() error {
	deviceLabels := []string{"device_id"}

	m.specMemoryGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_dispatch",
		Name:      "spec_memory_gb",
		Help:      "Total device memory budget in gigabytes.",
	}, deviceLabels)
	m.reservedMemoryGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_dispatch",
		Name:      "reserved_memory_gb",
		Help:      "Device memory held back for the system in gigabytes.",
	}, deviceLabels)
	m.idleMemoryGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_dispatch",
		Name:      "idle_memory_gb",
		Help:      "Device memory available for new allocations in gigabytes.",
	}, deviceLabels)
	m.committedMemoryGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_dispatch",
		Name:      "committed_memory_gb",
		Help:      "Device memory committed to active allocations in gigabytes.",
	}, deviceLabels)

	m.temperatureGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_dispatch",
		Name:      "temperature_celsius",
		Help:      "Most recently sampled device temperature in degrees Celsius.",
	}, deviceLabels)
	m.utilizationGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_dispatch",
		Name:      "utilization_percent",
		Help:      "Most recently sampled device utilization percentage.",
	}, deviceLabels)
	m.powerDrawGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_dispatch",
		Name:      "power_draw_watts",
		Help:      "Most recently sampled device power draw in watts.",
	}, deviceLabels)
	m.memoryUsedGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_dispatch",
		Name:      "memory_used_gb",
		Help:      "Most recently sampled device memory usage in gigabytes.",
	}, deviceLabels)

	m.queuedTasksGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_dispatch",
		Name:      "queued_tasks",
		Help:      "Number of tasks waiting for admission.",
	}, deviceLabels)
	m.runningTasksGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_dispatch",
		Name:      "running_tasks",
		Help:      "Number of tasks currently admitted and running.",
	}, deviceLabels)

	m.taskEventsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpu_dispatch",
		Name:      "task_events_total",
		Help:      "Task lifecycle events, labeled by event type.",
	}, []string{"device_id", "event"})
	m.reclaimCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpu_dispatch",
		Name:      "memory_reclaim_attempts_total",
		Help:      "Number of times the OOM-prevention path asked the reclaimer to free device memory.",
	}, deviceLabels)
	m.telemetryErrCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpu_dispatch",
		Name:      "telemetry_errors_total",
		Help:      "Number of failed telemetry collection attempts.",
	}, deviceLabels)
	m.AlertsFiredCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpu_dispatch",
		Name:      "alerts_fired_total",
		Help:      "Number of alerts fired, labeled by severity.",
	}, []string{"device_id", "severity"})

	collectors := []prometheus.Collector{
		m.specMemoryGaugeVec, m.reservedMemoryGaugeVec, m.idleMemoryGaugeVec, m.committedMemoryGaugeVec,
		m.temperatureGaugeVec, m.utilizationGaugeVec, m.powerDrawGaugeVec, m.memoryUsedGaugeVec,
		m.queuedTasksGaugeVec, m.runningTasksGaugeVec,
		m.taskEventsCounterVec, m.reclaimCounterVec, m.telemetryErrCounterVec, m.AlertsFiredCounterVec,
	}
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			m.log.Error("Failed to register metric because: %v", err)
			return err
		}
	}

	// We'll be publishing these metrics with the same label every single time on this device.
	// So, we can just cache the Gauge returned when calling <GaugeVec>.With(...).
	labels := prometheus.Labels{"device_id": m.deviceId}
	m.SpecMemoryGauge = m.specMemoryGaugeVec.With(labels)
	m.ReservedMemoryGauge = m.reservedMemoryGaugeVec.With(labels)
	m.IdleMemoryGauge = m.idleMemoryGaugeVec.With(labels)
	m.CommittedMemoryGauge = m.committedMemoryGaugeVec.With(labels)

	m.TemperatureGauge = m.temperatureGaugeVec.With(labels)
	m.UtilizationGauge = m.utilizationGaugeVec.With(labels)
	m.PowerDrawGauge = m.powerDrawGaugeVec.With(labels)
	m.MemoryUsedGauge = m.memoryUsedGaugeVec.With(labels)

	m.QueuedTasksGauge = m.queuedTasksGaugeVec.With(labels)
	m.RunningTasksGauge = m.runningTasksGaugeVec.With(labels)

	m.TasksAdmittedCounter = m.taskEventsCounterVec.With(prometheus.Labels{"device_id": m.deviceId, "event": "admitted"})
	m.TasksRequeuedCounter = m.taskEventsCounterVec.With(prometheus.Labels{"device_id": m.deviceId, "event": "requeued"})
	m.TasksCompletedCounter = m.taskEventsCounterVec.With(prometheus.Labels{"device_id": m.deviceId, "event": "completed"})
	m.TasksTimedOutCounter = m.taskEventsCounterVec.With(prometheus.Labels{"device_id": m.deviceId, "event": "timed_out"})
	m.TasksFailedCounter = m.taskEventsCounterVec.With(prometheus.Labels{"device_id": m.deviceId, "event": "failed"})

	m.ReclaimAttemptsCounter = m.reclaimCounterVec.With(labels)
	m.TelemetryErrorsCounter = m.telemetryErrCounterVec.With(labels)

	m.metricsInitialized = true
	return nil
}

// ObserveSnapshot publishes the telemetry gauges for the given sample values.
//
// If the EnginePrometheusManager has not yet initialized its metrics, then an
// ErrMetricsNotInitialized error is returned.
func (m *EnginePrometheusManager) ObserveSnapshot(temperature, utilization, powerDraw, memoryUsedGB float64) error {
	if !m.metricsInitialized {
		return ErrMetricsNotInitialized
	}

	m.TemperatureGauge.Set(temperature)
	m.UtilizationGauge.Set(utilization)
	m.PowerDrawGauge.Set(powerDraw)
	m.MemoryUsedGauge.Set(memoryUsedGB)

	return nil
}
