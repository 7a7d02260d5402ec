package scheduling

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/shopspring/decimal"

	"github.com/scusemua/gpu-dispatch/common/configuration"
	"github.com/scusemua/gpu-dispatch/common/metrics"
	"github.com/scusemua/gpu-dispatch/common/telemetry"
	"github.com/scusemua/gpu-dispatch/common/utils/hashmap"
)

const (
	// memoryOverloadedPercent is the memory usage percentage at which the device
	// is considered overloaded regardless of ledger capacity.
	memoryOverloadedPercent = 95.0
)

var (
	// ErrInsufficientResources indicates that an allocation request exceeded the idle
	// memory of the device, or that an exclusivity conflict prevented the grant.
	// Recoverable; the scheduler re-queues the task.
	ErrInsufficientResources = errors.New("insufficient device memory available")

	// ErrAllocationNotFound indicates that no allocation exists with the requested ID.
	ErrAllocationNotFound = errors.New("could not find the requested allocation")

	// ErrInvalidResourceRequest indicates that a resource requirement failed validation.
	ErrInvalidResourceRequest = errors.New("invalid resource request")

	// ErrDeviceOverheated indicates that the device temperature is at or above the
	// configured maximum. Blocks new admissions only.
	ErrDeviceOverheated = errors.New("device is overheated")

	// ErrDeviceOverloaded indicates that device memory usage or utilization is at or
	// above the configured maximum. Blocks new admissions only.
	ErrDeviceOverloaded = errors.New("device is overloaded")

	// ErrInconsistentLedger indicates that the ledger's internal counters disagree
	// with the set of active allocations.
	ErrInconsistentLedger = errors.New("ledger resource counters are inconsistent")
)

// Ledger tracks the fixed VRAM budget of a single device and the allocations
// granted against it.
//
// The ledger maintains three decimal counters: the spec memory (the device's
// total budget), the reserved memory (the system reserve, never allocatable),
// and the committed memory (the sum over all active allocations). The idle
// memory is always recomputed as spec - reserved - committed, never drifted
// independently.
//
// All mutation happens under the ledger's mutex. Callers and the scheduler's
// control loop share the same mutex, so admission is serialized and can never
// double-book.
type Ledger struct {
	mu sync.Mutex

	log logger.Logger

	deviceId string

	specMemory      decimal.Decimal
	reservedMemory  decimal.Decimal
	committedMemory decimal.Decimal

	// allocations holds every allocation ever granted, keyed by allocation ID.
	// Released and expired allocations remain for status queries.
	allocations hashmap.HashMap[string, *Allocation]

	// numActive counts allocations in the Allocated state.
	numActive int

	configHolder *configuration.ConfigHolder

	// metricsManager is optional; a nil manager disables gauge updates.
	metricsManager *metrics.EnginePrometheusManager

	// now is overridable so tests can drive expiry.
	now func() time.Time
}

// NewLedger creates a Ledger for one device with the given total budget and
// system reserve, both in gigabytes.
func NewLedger(deviceId string, totalMemoryGB float64, reservedMemoryGB float64,
	configHolder *configuration.ConfigHolder, metricsManager *metrics.EnginePrometheusManager) *Ledger {

	ledger := &Ledger{
		deviceId:        deviceId,
		specMemory:      decimal.NewFromFloat(totalMemoryGB),
		reservedMemory:  decimal.NewFromFloat(reservedMemoryGB),
		committedMemory: decimal.Zero,
		allocations:     hashmap.NewConcurrentMap[*Allocation](32),
		configHolder:    configHolder,
		metricsManager:  metricsManager,
		now:             time.Now,
	}
	config.InitLogger(&ledger.log, ledger)

	ledger.updateGauges()

	return ledger
}

// WithClock overrides the ledger's clock. Intended for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.now = now
	return l
}

// DeviceId returns the ID of the device whose budget the ledger tracks.
func (l *Ledger) DeviceId() string {
	return l.deviceId
}

// SpecMemoryGB returns the device's total memory budget in gigabytes.
func (l *Ledger) SpecMemoryGB() float64 {
	return l.specMemory.InexactFloat64()
}

// ReservedMemoryGB returns the system reserve in gigabytes.
func (l *Ledger) ReservedMemoryGB() float64 {
	return l.reservedMemory.InexactFloat64()
}

// CommittedMemoryGB returns the memory committed to active allocations, in gigabytes.
func (l *Ledger) CommittedMemoryGB() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.committedMemory.InexactFloat64()
}

// IdleMemoryGB returns the memory currently available for new allocations, in gigabytes.
func (l *Ledger) IdleMemoryGB() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.unsafeIdleMemory().InexactFloat64()
}

// NumActiveAllocations returns the number of allocations in the Allocated state.
func (l *Ledger) NumActiveAllocations() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.numActive
}

// unsafeIdleMemory recomputes the idle memory from the spec, reserved, and
// committed counters. Must be called with the ledger's mutex held.
func (l *Ledger) unsafeIdleMemory() decimal.Decimal {
	return l.specMemory.Sub(l.reservedMemory).Sub(l.committedMemory)
}

// Allocate grants the requested memory, or returns ErrInsufficientResources
// when the request exceeds the idle memory or conflicts with exclusivity.
// On success the returned allocation carries a deadline of now + MaxDuration.
func (l *Ledger) Allocate(req *ResourceRequirement) (*Allocation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idle := l.unsafeIdleMemory()

	if req.MemoryGB.GreaterThan(idle) {
		return nil, fmt.Errorf("%w: requested %s GB, idle %s GB",
			ErrInsufficientResources, req.MemoryGB.StringFixed(3), idle.StringFixed(3))
	}

	if req.RequiresExclusive && l.numActive > 0 {
		return nil, fmt.Errorf("%w: exclusive request denied, %d allocation(s) active",
			ErrInsufficientResources, l.numActive)
	}

	if l.unsafeHasExclusiveAllocation() {
		return nil, fmt.Errorf("%w: device is held exclusively", ErrInsufficientResources)
	}

	now := l.now()
	allocation := NewAllocationBuilder().
		WithDeviceId(l.deviceId).
		WithMemoryGB(req.MemoryGB).
		WithCategory(req.Category).
		WithExclusive(req.RequiresExclusive).
		WithTuning(TuningConfig{
			MemoryFraction: req.MemoryGB.Div(l.specMemory).InexactFloat64(),
			MixedPrecision: req.Category == CategoryTraining || req.Category == CategoryFineTune,
		}).
		WithLifetime(now, req.MaxDuration).
		Build()

	l.committedMemory = l.committedMemory.Add(allocation.MemoryGB)
	l.allocations.Store(allocation.AllocationId, allocation)
	l.numActive += 1

	if err := l.unsafePerformConsistencyCheck(); err != nil {
		// Roll back; the grant never happened.
		l.committedMemory = l.committedMemory.Sub(allocation.MemoryGB)
		l.allocations.Delete(allocation.AllocationId)
		l.numActive -= 1
		return nil, err
	}

	l.log.Debug("Allocated %s GB (%s) on device %s. Idle memory: %s GB.",
		allocation.MemoryGB.StringFixed(3), allocation.Category, l.deviceId,
		l.unsafeIdleMemory().StringFixed(3))

	l.updateGauges()

	return allocation, nil
}

// Release restores the allocation's memory to the idle pool and marks it Released.
// Unknown IDs return ErrAllocationNotFound. Releasing an allocation that is no
// longer active is a no-op.
func (l *Ledger) Release(allocationId string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	allocation, ok := l.allocations.Load(allocationId)
	if !ok {
		return fmt.Errorf("%w: \"%s\"", ErrAllocationNotFound, allocationId)
	}

	if !allocation.IsActive() {
		l.log.Debug("Allocation %s is already %s; nothing to release.", allocationId, allocation.Status)
		return nil
	}

	l.unsafeRelease(allocation, StatusReleased)

	return l.unsafePerformConsistencyCheck()
}

// unsafeRelease returns the allocation's memory to the idle pool and records
// the terminal status. Must be called with the ledger's mutex held.
func (l *Ledger) unsafeRelease(allocation *Allocation, status AllocationStatus) {
	l.committedMemory = l.committedMemory.Sub(allocation.MemoryGB)
	allocation.Status = status
	l.numActive -= 1

	l.log.Debug("Released %s GB on device %s (%s). Idle memory: %s GB.",
		allocation.MemoryGB.StringFixed(3), l.deviceId, status, l.unsafeIdleMemory().StringFixed(3))

	l.updateGauges()
}

// Sweep force-releases every active allocation whose deadline has passed,
// marking it Expired, and returns the expired allocations so the caller can
// drive its task-timeout path. Expiry is never silent.
func (l *Ledger) Sweep() []*Allocation {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	var expired []*Allocation
	l.allocations.Range(func(_ string, allocation *Allocation) bool {
		if allocation.IsActive() && allocation.IsExpired(now) {
			expired = append(expired, allocation)
		}
		return true
	})

	for _, allocation := range expired {
		l.log.Warn("Allocation %s (%s GB) on device %s expired at %v; force-releasing.",
			allocation.AllocationId, allocation.MemoryGB.StringFixed(3), l.deviceId, allocation.ExpiresAt)
		l.unsafeRelease(allocation, StatusExpired)
	}

	if err := l.unsafePerformConsistencyCheck(); err != nil {
		l.log.Error("Consistency check failed after sweep: %v", err)
	}

	return expired
}

// Allocation returns the allocation with the given ID.
func (l *Ledger) Allocation(allocationId string) (*Allocation, bool) {
	return l.allocations.Load(allocationId)
}

// Health inspects the given telemetry snapshot and returns nil when the device
// may accept new admissions. An overheated or overloaded device blocks new
// admissions only; already-running allocations are unaffected.
func (l *Ledger) Health(snapshot telemetry.DeviceSnapshot) error {
	cfg := l.configHolder.Load()

	if snapshot.Temperature >= cfg.TemperatureMax {
		return fmt.Errorf("%w: temperature %.1f°C at or above maximum %.1f°C",
			ErrDeviceOverheated, snapshot.Temperature, cfg.TemperatureMax)
	}

	if snapshot.MemoryUsagePercent() >= memoryOverloadedPercent {
		return fmt.Errorf("%w: memory usage at %.1f%%", ErrDeviceOverloaded, snapshot.MemoryUsagePercent())
	}

	if snapshot.Utilization >= cfg.UtilizationMax {
		return fmt.Errorf("%w: utilization %.1f%% at or above maximum %.1f%%",
			ErrDeviceOverloaded, snapshot.Utilization, cfg.UtilizationMax)
	}

	return nil
}

// unsafeHasExclusiveAllocation reports whether any active allocation holds the
// device exclusively. Must be called with the ledger's mutex held.
func (l *Ledger) unsafeHasExclusiveAllocation() bool {
	exclusive := false
	l.allocations.Range(func(_ string, allocation *Allocation) bool {
		if allocation.IsActive() && allocation.Exclusive {
			exclusive = true
			return false
		}
		return true
	})

	return exclusive
}

// unsafePerformConsistencyCheck validates that the ledger's counters agree with
// the set of active allocations: no counter is negative, the committed memory
// equals the sum over active allocations, and reserved + committed never
// exceeds the spec.
//
// Important: unsafePerformConsistencyCheck does not acquire the ledger's mutex
// and must be called from a context in which the mutex has already been acquired.
func (l *Ledger) unsafePerformConsistencyCheck() error {
	if l.committedMemory.IsNegative() {
		return fmt.Errorf("%w: committed memory is negative (%s)",
			ErrInconsistentLedger, l.committedMemory.StringFixed(3))
	}

	if l.unsafeIdleMemory().IsNegative() {
		return fmt.Errorf("%w: idle memory is negative (%s)",
			ErrInconsistentLedger, l.unsafeIdleMemory().StringFixed(3))
	}

	activeSum := decimal.Zero
	numActive := 0
	l.allocations.Range(func(_ string, allocation *Allocation) bool {
		if allocation.IsActive() {
			activeSum = activeSum.Add(allocation.MemoryGB)
			numActive += 1
		}
		return true
	})

	if !activeSum.Equal(l.committedMemory) {
		return fmt.Errorf("%w: committed memory (%s) does not equal the sum over active allocations (%s)",
			ErrInconsistentLedger, l.committedMemory.StringFixed(3), activeSum.StringFixed(3))
	}

	if numActive != l.numActive {
		return fmt.Errorf("%w: active allocation count (%d) does not equal the tracked count (%d)",
			ErrInconsistentLedger, numActive, l.numActive)
	}

	if l.reservedMemory.Add(activeSum).GreaterThan(l.specMemory) {
		return fmt.Errorf("%w: reserved (%s) + active (%s) exceeds spec (%s)",
			ErrInconsistentLedger, l.reservedMemory.StringFixed(3), activeSum.StringFixed(3),
			l.specMemory.StringFixed(3))
	}

	return nil
}

// updateGauges pushes the ledger's counters to prometheus. Must be called with
// the ledger's mutex held (or from the constructor, before the ledger escapes).
func (l *Ledger) updateGauges() {
	if l.metricsManager == nil || !l.metricsManager.MetricsInitialized() {
		return
	}

	l.metricsManager.SpecMemoryGauge.Set(l.specMemory.InexactFloat64())
	l.metricsManager.ReservedMemoryGauge.Set(l.reservedMemory.InexactFloat64())
	l.metricsManager.IdleMemoryGauge.Set(l.unsafeIdleMemory().InexactFloat64())
	l.metricsManager.CommittedMemoryGauge.Set(l.committedMemory.InexactFloat64())
}
