package scheduling

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AllocationStatus is the lifecycle state of an Allocation.
type AllocationStatus string

const (
	// StatusAllocated indicates that the allocation is live and counted against the device budget.
	StatusAllocated AllocationStatus = "Allocated"

	// StatusReleased indicates that the allocation was released by its owner.
	StatusReleased AllocationStatus = "Released"

	// StatusExpired indicates that the allocation outlived its max duration and was
	// force-released by the ledger's sweep.
	StatusExpired AllocationStatus = "Expired"
)

func (s AllocationStatus) String() string {
	return string(s)
}

// Category classifies what kind of workload an allocation backs.
type Category string

const (
	CategoryTraining      Category = "training"
	CategoryInference     Category = "inference"
	CategoryFineTune      Category = "fine-tune"
	CategorySystemReserve Category = "system-reserve"
)

func (c Category) String() string {
	return string(c)
}

// TuningConfig carries device-specific tuning hints attached to an Allocation.
type TuningConfig struct {
	// MemoryFraction is the fraction of the device budget granted to the allocation.
	MemoryFraction float64 `json:"memory_fraction"`

	// MixedPrecision indicates whether the workload should run with mixed precision enabled.
	MixedPrecision bool `json:"mixed_precision"`
}

// Allocation encapsulates a grant of device memory to a task.
// Allocations are owned exclusively by the Ledger and are mutated only through
// Allocate, Release, and the expiry sweep.
type Allocation struct {
	// AllocationId uniquely identifies the allocation.
	AllocationId string `json:"allocation_id"`

	// DeviceId is the ID of the device whose memory backs the allocation.
	DeviceId string `json:"device_id"`

	// MemoryGB is the amount of device memory granted, in gigabytes.
	MemoryGB decimal.Decimal `json:"memory_gb"`

	// Category classifies the workload backed by the allocation.
	Category Category `json:"category"`

	// Exclusive indicates that the allocation demanded the whole device to itself.
	Exclusive bool `json:"exclusive"`

	// Tuning carries device-specific tuning hints.
	Tuning TuningConfig `json:"tuning"`

	// CreatedAt is the time at which the allocation was granted.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the time after which the sweep will force-release the allocation.
	ExpiresAt time.Time `json:"expires_at"`

	// Status is the allocation's lifecycle state.
	Status AllocationStatus `json:"status"`
}

// IsActive returns true if the allocation is live and counted against the device budget.
func (a *Allocation) IsActive() bool {
	return a.Status == StatusAllocated
}

// IsExpired returns true if the allocation's deadline has passed as of the given time.
func (a *Allocation) IsExpired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// String returns a string representation of the Allocation suitable for logging.
func (a *Allocation) String() string {
	o, err := json.Marshal(a)
	if err != nil {
		panic(err)
	}

	return string(o)
}

// AllocationBuilder constructs Allocation structs.
type AllocationBuilder struct {
	deviceId  string
	memoryGB  decimal.Decimal
	category  Category
	exclusive bool
	tuning    TuningConfig
	createdAt time.Time
	expiresAt time.Time
}

// NewAllocationBuilder creates a new AllocationBuilder.
func NewAllocationBuilder() *AllocationBuilder {
	return &AllocationBuilder{
		category: CategoryInference,
	}
}

// WithDeviceId sets the ID of the device backing the allocation.
func (b *AllocationBuilder) WithDeviceId(deviceId string) *AllocationBuilder {
	b.deviceId = deviceId
	return b
}

// WithMemoryGB sets the granted memory in gigabytes.
func (b *AllocationBuilder) WithMemoryGB(memoryGB decimal.Decimal) *AllocationBuilder {
	b.memoryGB = memoryGB.Copy()
	return b
}

// WithCategory sets the workload category.
func (b *AllocationBuilder) WithCategory(category Category) *AllocationBuilder {
	b.category = category
	return b
}

// WithExclusive marks the allocation as demanding the whole device.
func (b *AllocationBuilder) WithExclusive(exclusive bool) *AllocationBuilder {
	b.exclusive = exclusive
	return b
}

// WithTuning attaches device-specific tuning hints.
func (b *AllocationBuilder) WithTuning(tuning TuningConfig) *AllocationBuilder {
	b.tuning = tuning
	return b
}

// WithLifetime sets the creation time and deadline of the allocation.
func (b *AllocationBuilder) WithLifetime(createdAt time.Time, maxDuration time.Duration) *AllocationBuilder {
	b.createdAt = createdAt
	b.expiresAt = createdAt.Add(maxDuration)
	return b
}

// Build creates the Allocation, assigning it a fresh unique ID.
func (b *AllocationBuilder) Build() *Allocation {
	return &Allocation{
		AllocationId: uuid.NewString(),
		DeviceId:     b.deviceId,
		MemoryGB:     b.memoryGB,
		Category:     b.category,
		Exclusive:    b.exclusive,
		Tuning:       b.tuning,
		CreatedAt:    b.createdAt,
		ExpiresAt:    b.expiresAt,
		Status:       StatusAllocated,
	}
}
