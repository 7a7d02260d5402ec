package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/gpu-dispatch/common/configuration"
	"github.com/scusemua/gpu-dispatch/common/metrics"
	"github.com/scusemua/gpu-dispatch/common/monitoring"
	"github.com/scusemua/gpu-dispatch/common/scheduling"
	"github.com/scusemua/gpu-dispatch/common/telemetry"
	"github.com/scusemua/gpu-dispatch/common/types"
	"github.com/scusemua/gpu-dispatch/storage"
)

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
)

var (
	// ErrUnknownStorageBackend indicates that the configured storage backend is not supported.
	ErrUnknownStorageBackend = errors.New("unknown storage backend")

	// ErrEngineAlreadyStarted indicates that Start was called more than once.
	ErrEngineAlreadyStarted = errors.New("engine has already been started")
)

// SystemStatus is the point-in-time view of one device returned by GetSystemStatus.
type SystemStatus struct {
	DeviceId string `json:"device_id"`

	TotalMemoryGB     float64 `json:"total_memory_gb"`
	ReservedMemoryGB  float64 `json:"reserved_memory_gb"`
	CommittedMemoryGB float64 `json:"committed_memory_gb"`
	IdleMemoryGB      float64 `json:"idle_memory_gb"`

	QueuedTasks  int `json:"queued_tasks"`
	RunningTasks int `json:"running_tasks"`

	Healthy      bool   `json:"healthy"`
	HealthDetail string `json:"health_detail,omitempty"`

	ActiveAlerts    int      `json:"active_alerts"`
	Recommendations []string `json:"recommendations,omitempty"`

	TelemetryErrors int `json:"telemetry_errors"`

	LatestSnapshot *telemetry.DeviceSnapshot `json:"latest_snapshot,omitempty"`
}

// Engine owns everything the engine does for one device: the resource ledger,
// the monitoring store, the scheduler, the telemetry source, the persistence
// provider, and the prometheus manager. There are no package-level singletons;
// devices scale by constructing one Engine each.
type Engine struct {
	log logger.Logger

	opts         *configuration.EngineOptions
	configHolder *configuration.ConfigHolder

	ledger    *scheduling.Ledger
	store     *monitoring.Store
	scheduler *scheduling.Scheduler

	source    telemetry.Source
	reclaimer scheduling.MemoryReclaimer

	provider      monitoring.Provider
	redisNotifier *storage.RedisNotifier

	metricsManager *metrics.EnginePrometheusManager

	mu      sync.Mutex
	started bool

	// telemetryErrors counts failed samples over the engine's lifetime.
	telemetryErrors types.StatInt32

	done      chan struct{}
	closeOnce sync.Once

	// latestSnapshot caches the most recent successful sample for GetSystemStatus.
	latestSnapshot *telemetry.DeviceSnapshot
}

// NewEngine constructs an Engine from validated options. The telemetry source
// and the reclaimer are injected; pass a nil source to have the engine choose
// between NVML and the simulator based on the options, and a nil reclaimer to
// disable memory reclamation.
func NewEngine(opts *configuration.EngineOptions, source telemetry.Source, reclaimer scheduling.MemoryReclaimer) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	engine := &Engine{
		opts:      opts,
		reclaimer: reclaimer,
		done:      make(chan struct{}),
	}
	config.InitLogger(&engine.log, engine)

	if source == nil {
		source = newTelemetrySource(opts, engine.log)
	}
	engine.source = source

	provider, err := newStorageProvider(opts)
	if err != nil {
		return nil, err
	}
	engine.provider = provider

	if !opts.DisablePrometheus {
		engine.metricsManager = metrics.NewEnginePrometheusManager(opts.PrometheusPort, opts.DeviceId)
	}

	engine.configHolder = configuration.NewConfigHolder(configuration.OptimizationConfigFromOptions(opts))

	engine.store = monitoring.NewStore(opts.DeviceId, opts.Retention(), DefaultAlertRules(opts), provider)
	engine.store.Subscribe(newLogNotifier(engine.log, engine.metricsManager))

	if opts.RedisAddr != "" {
		notifier := storage.NewRedisNotifier(opts.RedisAddr, opts.RedisPassword, opts.RedisDatabase)
		if err = notifier.Connect(); err != nil {
			engine.log.Warn("Alert publishing to Redis is disabled: %v", err)
		} else {
			engine.redisNotifier = notifier
			engine.store.Subscribe(notifier)
		}
	}

	engine.ledger = scheduling.NewLedger(opts.DeviceId, opts.TotalMemoryGB, opts.ReservedMemoryGB,
		engine.configHolder, engine.metricsManager)

	engine.scheduler = scheduling.NewScheduler(opts.DeviceId, engine.ledger, engine.store,
		engine.configHolder, reclaimer, engine.metricsManager, opts.ControlInterval())

	return engine, nil
}

// newTelemetrySource selects NVML when available, falling back to the seeded
// simulator. The fallback lives here, at construction, rather than being
// scattered through the sampling path.
func newTelemetrySource(opts *configuration.EngineOptions, log logger.Logger) telemetry.Source {
	if !opts.SimulateTelemetry {
		source, err := telemetry.NewNvmlSource()
		if err == nil {
			return source
		}

		log.Warn("NVML is unavailable (%v); falling back to simulated telemetry.", err)
	}

	return telemetry.NewSimulatedSource(opts.TotalMemoryGB, opts.TelemetrySeed)
}

func newStorageProvider(opts *configuration.EngineOptions) (monitoring.Provider, error) {
	switch opts.StorageBackend {
	case backendMemory, "":
		return storage.NewMemoryProvider(), nil
	case backendPostgres:
		provider := storage.NewPostgresProvider(opts.PostgresDSN)
		if err := provider.Connect(); err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownStorageBackend, opts.StorageBackend)
	}
}

// ConfigHolder exposes the engine's optimization config for hot reloading.
func (e *Engine) ConfigHolder() *configuration.ConfigHolder {
	return e.configHolder
}

// MetricsManager returns the engine's prometheus manager, or nil when disabled.
func (e *Engine) MetricsManager() *metrics.EnginePrometheusManager {
	return e.metricsManager
}

// Scheduler exposes the engine's scheduler. Primarily for tests that drive the
// control loop synchronously.
func (e *Engine) Scheduler() *scheduling.Scheduler {
	return e.scheduler
}

// Start launches the sampling loop and the scheduler's control loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrEngineAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	if e.metricsManager != nil {
		if err := e.metricsManager.Start(); err != nil {
			return err
		}
	}

	e.scheduler.Start(ctx)
	go e.samplingLoop(ctx)

	e.log.Info("Engine started for device %s (budget %.1f GB, reserve %.1f GB).",
		e.opts.DeviceId, e.opts.TotalMemoryGB, e.opts.ReservedMemoryGB)

	return nil
}

// samplingLoop polls the telemetry source at the collection interval, feeding
// the monitoring store and the prometheus gauges. Collection errors are
// counted and logged; they never stop the loop.
func (e *Engine) samplingLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.CollectionInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			e.SampleOnce()
		}
	}
}

// SampleOnce performs one telemetry sample and ingest. Exported so tests can
// drive the sampling loop synchronously.
func (e *Engine) SampleOnce() {
	snapshot, err := e.source.Sample(e.opts.DeviceId)
	if err != nil {
		e.telemetryErrors.Incr()
		e.log.Warn("Telemetry collection failed for device %s: %v", e.opts.DeviceId, err)

		if e.metricsManager != nil {
			e.metricsManager.TelemetryErrorsCounter.Inc()
		}
		return
	}

	e.mu.Lock()
	e.latestSnapshot = &snapshot
	e.mu.Unlock()

	e.store.Ingest(snapshot)

	if e.metricsManager != nil {
		_ = e.metricsManager.ObserveSnapshot(snapshot.Temperature, snapshot.Utilization,
			snapshot.PowerDraw, snapshot.MemoryUsedGB())
	}
}

// SubmitTask validates and enqueues a task, returning its ID. The task will be
// considered for admission on subsequent control-loop ticks.
func (e *Engine) SubmitTask(name string, priority scheduling.Priority, requirement *scheduling.ResourceRequirement) (string, error) {
	if requirement != nil && requirement.MaxDuration == 0 {
		// Fall back to the configured default timeout.
		requirement.MaxDuration = e.opts.TaskTimeout()
	}

	return e.scheduler.Submit(name, priority, requirement)
}

// GetTaskStatus returns the task with the given ID.
func (e *Engine) GetTaskStatus(taskId string) (*scheduling.Task, error) {
	return e.scheduler.Task(taskId)
}

// Release returns the allocation's memory to the ledger and marks its task Completed.
func (e *Engine) Release(allocationId string) error {
	return e.scheduler.Release(allocationId)
}

// GetSystemStatus returns a point-in-time view of the device.
func (e *Engine) GetSystemStatus() *SystemStatus {
	status := &SystemStatus{
		DeviceId:          e.opts.DeviceId,
		TotalMemoryGB:     e.ledger.SpecMemoryGB(),
		ReservedMemoryGB:  e.ledger.ReservedMemoryGB(),
		CommittedMemoryGB: e.ledger.CommittedMemoryGB(),
		IdleMemoryGB:      e.ledger.IdleMemoryGB(),
		QueuedTasks:       e.scheduler.NumPending(),
		RunningTasks:      e.scheduler.NumRunning(),
		ActiveAlerts:      len(e.store.ActiveAlerts()),
		Recommendations:   e.scheduler.Recommendations(),
		TelemetryErrors:   e.telemetryErrors.LoadInt(),
		Healthy:           true,
	}

	e.mu.Lock()
	snapshot := e.latestSnapshot
	e.mu.Unlock()

	if snapshot != nil {
		copied := *snapshot
		status.LatestSnapshot = &copied

		if err := e.ledger.Health(copied); err != nil {
			status.Healthy = false
			status.HealthDetail = err.Error()
		}
	}

	return status
}

// GetActiveAlerts returns the device's active (unresolved) alerts.
func (e *Engine) GetActiveAlerts() []*monitoring.Alert {
	return e.store.ActiveAlerts()
}

// AcknowledgeAlert marks the alert as acknowledged.
func (e *Engine) AcknowledgeAlert(alertId string) error {
	return e.store.Acknowledge(alertId)
}

// ResolveAlert marks the alert as resolved.
func (e *Engine) ResolveAlert(alertId string) error {
	return e.store.Resolve(alertId)
}

// Predict extrapolates the given metric horizonHours into the future from the
// retained history.
func (e *Engine) Predict(metricType monitoring.MetricType, horizonHours int) []float64 {
	return e.scheduler.Predict(metricType, horizonHours)
}

// Close stops the loops and releases every resource the engine owns.
func (e *Engine) Close() error {
	var err error

	e.closeOnce.Do(func() {
		close(e.done)
		e.scheduler.Close()

		if e.source != nil {
			if closeErr := e.source.Close(); closeErr != nil {
				e.log.Warn("Error while closing the telemetry source: %v", closeErr)
				err = closeErr
			}
		}

		if e.redisNotifier != nil {
			if closeErr := e.redisNotifier.Close(); closeErr != nil {
				e.log.Warn("Error while closing the Redis notifier: %v", closeErr)
				err = closeErr
			}
		}

		if closeErr := e.provider.Close(); closeErr != nil {
			e.log.Warn("Error while closing the storage provider: %v", closeErr)
			err = closeErr
		}

		if e.metricsManager != nil && e.metricsManager.IsRunning() {
			if closeErr := e.metricsManager.Stop(); closeErr != nil {
				e.log.Warn("Error while stopping the prometheus manager: %v", closeErr)
				err = closeErr
			}
		}

		e.log.Info("Engine for device %s has shut down.", e.opts.DeviceId)
	})

	return err
}
