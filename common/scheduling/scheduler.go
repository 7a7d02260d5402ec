package scheduling

import (
	"container/heap"
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
	"github.com/scusemua/gpu-dispatch/common/telemetry"
	"github.com/scusemua/gpu-dispatch/common/types"
	"github.com/scusemua/gpu-dispatch/common/utils/hashmap"
)

const (
	// oomRiskFactor is the fraction of idle memory above which a request is
	// treated as an OOM risk, triggering reclamation before admission.
	oomRiskFactor = 0.9
)

// MemoryReclaimer frees device memory on a best-effort basis, e.g. by emptying
// a framework's cache. Failures are logged, never fatal.
type MemoryReclaimer interface {
	Reclaim(deviceId string) error
}

// TaskStartedCallback is invoked (outside the scheduler's lock) whenever a
// pending task is admitted.
type TaskStartedCallback func(task *Task)

// Scheduler owns the pending-task queue of one device and runs the periodic
// control loop: expiry sweep, admission in priority-score order, OOM
// prevention, optimization advisories, and short-horizon forecasting.
//
// The scheduler and the ledger share no lock; admission serializes on the
// ledger's mutex, while the scheduler's own mutex guards the queue and the
// task table.
type Scheduler struct {
	mu sync.Mutex

	log logger.Logger

	deviceId string

	ledger       *Ledger
	store        *monitoring.Store
	configHolder *configuration.ConfigHolder
	reclaimer    MemoryReclaimer

	// metricsManager is optional; a nil manager disables counter updates.
	metricsManager *metrics.EnginePrometheusManager

	// pending is the score-ordered heap of Pending tasks.
	pending *types.Heap

	// tasks holds every task ever submitted, keyed by task ID. Backed by the
	// lock-free map so that status lookups never contend with the control loop.
	tasks hashmap.HashMap[string, *Task]

	// running maps allocation ID -> the Running task holding it.
	running map[string]*Task

	// nextSequence is the submission sequence counter used for FIFO tie-breaking.
	nextSequence uint64

	onTaskStarted TaskStartedCallback

	// recommendations holds the advisory strings emitted by the last
	// optimization pass.
	recommendations []string

	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once

	// now is overridable so tests can drive wait-time scoring and deadlines.
	now func() time.Time
}

// NewScheduler creates a Scheduler for one device. The reclaimer may be nil,
// in which case OOM prevention skips the reclamation step.
func NewScheduler(deviceId string, ledger *Ledger, store *monitoring.Store,
	configHolder *configuration.ConfigHolder, reclaimer MemoryReclaimer,
	metricsManager *metrics.EnginePrometheusManager, interval time.Duration) *Scheduler {

	scheduler := &Scheduler{
		deviceId:       deviceId,
		ledger:         ledger,
		store:          store,
		configHolder:   configHolder,
		reclaimer:      reclaimer,
		metricsManager: metricsManager,
		pending:        types.NewHeap(),
		tasks:          hashmap.NewCornelkMap[string, *Task](32),
		running:        make(map[string]*Task),
		interval:       interval,
		done:           make(chan struct{}),
		now:            time.Now,
	}
	config.InitLogger(&scheduler.log, scheduler)

	return scheduler
}

// WithClock overrides the scheduler's clock. Intended for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
	return s
}

// SetTaskStartedCallback registers the admission callback.
func (s *Scheduler) SetTaskStartedCallback(callback TaskStartedCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onTaskStarted = callback
}

// Submit validates and enqueues a new task, returning its ID.
// Invalid submissions are rejected immediately and never enqueued.
func (s *Scheduler) Submit(name string, priority Priority, requirement *ResourceRequirement) (string, error) {
	task := NewTask(name, priority, requirement, s.now())
	if err := task.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task.sequence = s.nextSequence
	s.nextSequence += 1

	task.UpdateScore(s.now())
	heap.Push(s.pending, task)
	s.tasks.Store(task.TaskId, task)

	s.log.Debug("Enqueued task \"%s\" (%s, priority %s, %s GB). Queue depth: %d.",
		task.Name, task.TaskId, task.Priority, task.Requirement.MemoryGB.StringFixed(3), s.pending.Len())

	s.updateGauges()

	return task.TaskId, nil
}

// Task returns the task with the given ID.
func (s *Scheduler) Task(taskId string) (*Task, error) {
	task, ok := s.tasks.Load(taskId)
	if !ok {
		return nil, fmt.Errorf("%w: \"%s\"", ErrTaskNotFound, taskId)
	}

	return task, nil
}

// Release marks the task backed by the given allocation as Completed and
// returns its memory to the ledger. Unknown allocation IDs return
// ErrAllocationNotFound.
func (s *Scheduler) Release(allocationId string) error {
	if err := s.ledger.Release(allocationId); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.running[allocationId]
	if !ok {
		// The allocation was granted outside the scheduler (direct ledger use).
		return nil
	}

	delete(s.running, allocationId)
	task.Status = TaskCompleted
	task.CompletedAt = s.now()

	s.log.Debug("Task \"%s\" (%s) completed after %v.", task.Name, task.TaskId, task.CompletedAt.Sub(task.StartedAt))

	if s.metricsManager != nil && s.metricsManager.MetricsInitialized() {
		s.metricsManager.TasksCompletedCounter.Inc()
	}
	s.updateGauges()

	return nil
}

// NumPending returns the current queue depth.
func (s *Scheduler) NumPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.Len()
}

// NumRunning returns the number of tasks currently holding allocations.
func (s *Scheduler) NumRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.running)
}

// RunningTasks returns the tasks currently holding allocations.
func (s *Scheduler) RunningTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*Task, 0, len(s.running))
	for _, task := range s.running {
		tasks = append(tasks, task)
	}

	return tasks
}

// Recommendations returns the advisory strings emitted by the most recent
// optimization pass.
func (s *Scheduler) Recommendations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.recommendations))
	copy(out, s.recommendations)
	return out
}

// Predict fits a line through the retained history of the given metric type
// and extrapolates horizonHours future points, clamped to be non-negative.
func (s *Scheduler) Predict(metricType monitoring.MetricType, horizonHours int) []float64 {
	cfg := s.configHolder.Load()

	window := time.Duration(cfg.PredictionWindowHours) * time.Hour
	history := s.store.History(metricType, window)

	samples := make([]float64, len(history))
	for i, metric := range history {
		samples[i] = metric.Value
	}

	return LinearForecast(samples, horizonHours)
}

// Start launches the control loop in a background goroutine. The loop runs
// until the context is cancelled or Close is called.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("Control loop started for device %s (interval %v).", s.deviceId, s.interval)

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.RunTick()
			}
		}
	}()
}

// Close stops the control loop.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// RunTick executes one control-loop iteration: sweep, deadline enforcement,
// admission, and the optimization pass. Panics are recovered so that one
// failed iteration never kills the loop. Exported so tests (and the engine)
// can drive the loop synchronously.
func (s *Scheduler) RunTick() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered from panic in control loop for device %s: %v", s.deviceId, r)
		}
	}()

	s.sweepExpired()
	s.failOverduePending()
	s.admitNext()
	s.runOptimizationPass()
}

// sweepExpired force-releases expired allocations and transitions their tasks
// to TimedOut.
func (s *Scheduler) sweepExpired() {
	expired := s.ledger.Sweep()
	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allocation := range expired {
		task, ok := s.running[allocation.AllocationId]
		if !ok {
			continue
		}

		delete(s.running, allocation.AllocationId)
		task.Status = TaskTimedOut
		task.CompletedAt = s.now()

		s.log.Warn("Task \"%s\" (%s) timed out; its allocation %s was force-released.",
			task.Name, task.TaskId, allocation.AllocationId)

		if s.metricsManager != nil && s.metricsManager.MetricsInitialized() {
			s.metricsManager.TasksTimedOutCounter.Inc()
		}
	}

	s.updateGauges()
}

// failOverduePending fails tasks that have been waiting in the queue longer
// than their own max duration. The deadline bounds the re-queue retry loop.
func (s *Scheduler) failOverduePending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	kept := make([]types.HeapElement, 0, s.pending.Len())
	failed := 0
	for _, element := range s.pending.Elements {
		task := element.(*Task)
		if now.Sub(task.CreatedAt) > task.Requirement.MaxDuration {
			task.Status = TaskFailed
			task.CompletedAt = now
			failed += 1

			s.log.Warn("Task \"%s\" (%s) exceeded its max duration (%v) while still pending; marking as failed.",
				task.Name, task.TaskId, task.Requirement.MaxDuration)

			if s.metricsManager != nil && s.metricsManager.MetricsInitialized() {
				s.metricsManager.TasksFailedCounter.Inc()
			}
			continue
		}

		kept = append(kept, task)
	}

	if failed > 0 {
		s.pending.Elements = kept
		s.unsafeReorderPending(now)
		s.updateGauges()
	}
}

// admitNext attempts to admit the lowest-score pending task. On capacity
// failure the task is re-enqueued unchanged and the cycle stops, so the loop
// never thrashes through the whole queue against a full device.
func (s *Scheduler) admitNext() {
	cfg := s.configHolder.Load()

	s.mu.Lock()

	if len(s.running) >= cfg.MaxConcurrentTasks {
		s.log.Debug("Skipping admission: %d task(s) running (max %d).", len(s.running), cfg.MaxConcurrentTasks)
		s.mu.Unlock()
		return
	}

	if s.pending.Len() == 0 {
		s.mu.Unlock()
		return
	}

	now := s.now()

	if snapshot, ok := s.latestSnapshot(); ok {
		if err := s.ledger.Health(snapshot); err != nil {
			s.log.Warn("Device %s is unhealthy; admitting nothing this tick: %v", s.deviceId, err)
			s.mu.Unlock()
			return
		}
	}

	s.unsafeReorderPending(now)
	task := heap.Pop(s.pending).(*Task)
	s.mu.Unlock()

	allocation, err := s.allocateWithOomPrevention(task, cfg)

	s.mu.Lock()

	if err != nil {
		if errors.Is(err, ErrInsufficientResources) || errors.Is(err, ErrDeviceOverheated) || errors.Is(err, ErrDeviceOverloaded) {
			// Recoverable; re-queue unchanged and try again next tick.
			heap.Push(s.pending, task)
			s.log.Debug("Re-queued task \"%s\" (%s): %v", task.Name, task.TaskId, err)

			if s.metricsManager != nil && s.metricsManager.MetricsInitialized() {
				s.metricsManager.TasksRequeuedCounter.Inc()
			}
			s.updateGauges()
			s.mu.Unlock()
			return
		}

		task.Status = TaskFailed
		task.CompletedAt = now

		s.log.Error("Task \"%s\" (%s) failed with an unrecoverable allocation error: %v", task.Name, task.TaskId, err)

		if s.metricsManager != nil && s.metricsManager.MetricsInitialized() {
			s.metricsManager.TasksFailedCounter.Inc()
		}
		s.updateGauges()
		s.mu.Unlock()
		return
	}

	task.Status = TaskRunning
	task.StartedAt = now
	task.AllocationId = allocation.AllocationId
	s.running[allocation.AllocationId] = task

	s.log.Info("Admitted task \"%s\" (%s): %s GB allocated (%s). %d running, %d pending.",
		task.Name, task.TaskId, allocation.MemoryGB.StringFixed(3), allocation.AllocationId,
		len(s.running), s.pending.Len())

	if s.metricsManager != nil && s.metricsManager.MetricsInitialized() {
		s.metricsManager.TasksAdmittedCounter.Inc()
	}
	s.updateGauges()

	callback := s.onTaskStarted
	s.mu.Unlock()

	if callback != nil {
		callback(task)
	}
}

// allocateWithOomPrevention performs the actual ledger grant. When the request
// approaches the idle memory, it first triggers best-effort reclamation and
// pauses Low/Background tasks, then retries once. Called without the
// scheduler's mutex held.
func (s *Scheduler) allocateWithOomPrevention(task *Task, cfg *configuration.OptimizationConfig) (*Allocation, error) {
	requested := task.Requirement.MemoryGB.InexactFloat64()
	idle := s.ledger.IdleMemoryGB()

	safetyMargin := cfg.SafetyMargin
	if safetyMargin <= 0 {
		safetyMargin = oomRiskFactor
	}

	if requested <= idle*safetyMargin {
		return s.ledger.Allocate(task.Requirement)
	}

	s.log.Warn("Task \"%s\" requests %.3f GB against %.3f GB idle (risk threshold %.3f GB); attempting reclamation.",
		task.Name, requested, idle, idle*safetyMargin)

	if s.reclaimer != nil {
		if s.metricsManager != nil && s.metricsManager.MetricsInitialized() {
			s.metricsManager.ReclaimAttemptsCounter.Inc()
		}

		if err := s.reclaimer.Reclaim(s.deviceId); err != nil {
			s.log.Warn("Memory reclamation on device %s failed: %v", s.deviceId, err)
		}
	}

	allocation, err := s.ledger.Allocate(task.Requirement)
	if err == nil {
		return allocation, nil
	}

	if !errors.Is(err, ErrInsufficientResources) {
		return nil, err
	}

	// Still short on memory. Pause Low/Background tasks to make room, then
	// retry exactly once.
	s.pauseLowPriorityTasks()

	return s.ledger.Allocate(task.Requirement)
}

// pauseLowPriorityTasks releases the allocations of running Low/Background
// tasks and re-queues them as Pending with their original submission sequence,
// so they resume in their old FIFO position once memory frees up. The ledger
// calls happen with the scheduler's mutex released; each candidate is
// re-checked against the running table before being re-queued, since it may
// have completed or timed out in the interim.
func (s *Scheduler) pauseLowPriorityTasks() {
	s.mu.Lock()
	candidates := make([]*Task, 0, len(s.running))
	for _, task := range s.running {
		if task.Priority == PriorityLow || task.Priority == PriorityBackground {
			candidates = append(candidates, task)
		}
	}
	s.mu.Unlock()

	for _, task := range candidates {
		allocationId := task.AllocationId

		if err := s.ledger.Release(allocationId); err != nil {
			s.log.Warn("Could not pause task \"%s\" (%s): %v", task.Name, task.TaskId, err)
			continue
		}

		s.mu.Lock()

		if current, stillRunning := s.running[allocationId]; !stillRunning || current != task {
			s.mu.Unlock()
			continue
		}

		delete(s.running, allocationId)
		task.Status = TaskPending
		task.AllocationId = ""
		task.StartedAt = time.Time{}
		heap.Push(s.pending, task)

		s.log.Warn("Paused %s-priority task \"%s\" (%s) to relieve memory pressure.",
			task.Priority, task.Name, task.TaskId)

		if s.metricsManager != nil && s.metricsManager.MetricsInitialized() {
			s.metricsManager.TasksRequeuedCounter.Inc()
		}
		s.updateGauges()

		s.mu.Unlock()
	}
}

// runOptimizationPass compares the latest snapshot against the configured
// targets (not the maxima) and records advisory recommendations. Breaches of
// the hard maxima escalate through the alerting path instead.
func (s *Scheduler) runOptimizationPass() {
	cfg := s.configHolder.Load()

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.latestSnapshot()
	if !ok {
		return
	}

	var recommendations []string

	if snapshot.Temperature > cfg.TemperatureTarget && snapshot.Temperature < cfg.TemperatureMax {
		recommendations = append(recommendations, fmt.Sprintf(
			"temperature %.1f°C above target %.1f°C: consider raising the fan curve or lowering the clock",
			snapshot.Temperature, cfg.TemperatureTarget))
	}

	if snapshot.PowerDraw > cfg.PowerTarget && snapshot.PowerDraw < cfg.PowerMax {
		recommendations = append(recommendations, fmt.Sprintf(
			"power draw %.1fW above target %.1fW: consider reducing the power limit",
			snapshot.PowerDraw, cfg.PowerTarget))
	}

	if snapshot.MemoryUsagePercent() > cfg.MemoryMaxPercent*oomRiskFactor {
		recommendations = append(recommendations, fmt.Sprintf(
			"memory usage %.1f%% approaching the %.1f%% limit: consider deferring new submissions",
			snapshot.MemoryUsagePercent(), cfg.MemoryMaxPercent))
	}

	for _, recommendation := range recommendations {
		s.log.Info("Optimization advisory for device %s: %s", s.deviceId, recommendation)
	}

	s.recommendations = recommendations
}

// latestSnapshot reconstructs the most recent DeviceSnapshot from the
// monitoring store's retained metrics. Returns false before the first sample.
func (s *Scheduler) latestSnapshot() (telemetry.DeviceSnapshot, bool) {
	temperature, ok := s.store.Latest(monitoring.MetricTemperature)
	if !ok {
		return telemetry.DeviceSnapshot{}, false
	}

	memoryUsed, _ := s.store.Latest(monitoring.MetricMemoryUsed)
	memoryTotal, _ := s.store.Latest(monitoring.MetricMemoryTotal)
	utilization, _ := s.store.Latest(monitoring.MetricUtilization)
	power, _ := s.store.Latest(monitoring.MetricPower)

	return telemetry.DeviceSnapshot{
		DeviceId:          s.deviceId,
		TotalMemoryGB:     memoryTotal.Value,
		AvailableMemoryGB: memoryTotal.Value - memoryUsed.Value,
		Temperature:       temperature.Value,
		Utilization:       utilization.Value,
		PowerDraw:         power.Value,
		Timestamp:         temperature.Timestamp,
	}, true
}

// unsafeReorderPending refreshes every pending task's cached score and
// re-establishes the heap ordering. Must be called with the scheduler's mutex
// held.
func (s *Scheduler) unsafeReorderPending(now time.Time) {
	for _, element := range s.pending.Elements {
		element.(*Task).UpdateScore(now)
	}

	heap.Init(s.pending)
}

// updateGauges pushes queue depths to prometheus. Must be called with the
// scheduler's mutex held.
func (s *Scheduler) updateGauges() {
	if s.metricsManager == nil || !s.metricsManager.MetricsInitialized() {
		return
	}

	s.metricsManager.QueuedTasksGauge.Set(float64(s.pending.Len()))
	s.metricsManager.RunningTasksGauge.Set(float64(len(s.running)))
}
