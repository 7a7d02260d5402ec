package scheduling

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// waitHourWeight converts hours of queue wait into score credit.
	waitHourWeight = 0.1

	// maxWaitCredit caps the score credit earned by waiting.
	maxWaitCredit = 1.0

	// referenceMemoryGB is the request size at which the efficiency credit reaches zero.
	referenceMemoryGB = 12.0
)

var (
	// ErrTaskNotFound indicates that no task exists with the requested ID.
	ErrTaskNotFound = errors.New("could not find the requested task")
)

// Priority is the caller-assigned priority class of a task. Lower is more urgent.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "Critical"
	case PriorityHigh:
		return "High"
	case PriorityNormal:
		return "Normal"
	case PriorityLow:
		return "Low"
	case PriorityBackground:
		return "Background"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid returns true if the priority is one of the five defined classes.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	// TaskPending indicates that the task is queued, awaiting admission.
	TaskPending TaskStatus = "Pending"

	// TaskRunning indicates that the task holds an allocation and is executing externally.
	TaskRunning TaskStatus = "Running"

	// TaskCompleted indicates that the task released its allocation normally.
	TaskCompleted TaskStatus = "Completed"

	// TaskFailed indicates an unrecoverable error (validation or exhausted pending deadline).
	TaskFailed TaskStatus = "Failed"

	// TaskTimedOut indicates that the task's allocation expired and was force-released.
	TaskTimedOut TaskStatus = "TimedOut"
)

func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status is one of the three terminal states.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskTimedOut
}

// ResourceRequirement describes what a task needs from the device.
// Input only; never mutated after submission.
type ResourceRequirement struct {
	// MemoryGB is the requested device memory in gigabytes. Must be positive.
	MemoryGB decimal.Decimal `json:"memory_gb"`

	// Category classifies the workload.
	Category Category `json:"category"`

	// MaxDuration bounds how long the allocation may be held. Must be positive.
	MaxDuration time.Duration `json:"max_duration"`

	// RequiresExclusive demands the whole device; conflicts with any active allocation.
	RequiresExclusive bool `json:"requires_exclusive"`
}

// Validate returns ErrInvalidResourceRequest if the requirement is malformed.
func (r *ResourceRequirement) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: requirement is nil", ErrInvalidResourceRequest)
	}

	if !r.MemoryGB.IsPositive() {
		return fmt.Errorf("%w: requested memory must be positive (got %s GB)",
			ErrInvalidResourceRequest, r.MemoryGB.StringFixed(3))
	}

	if r.MaxDuration <= 0 {
		return fmt.Errorf("%w: max duration must be positive (got %v)",
			ErrInvalidResourceRequest, r.MaxDuration)
	}

	return nil
}

// Task is a unit of external work contending for device memory.
// Tasks are owned by the Scheduler; status transitions happen only under the
// scheduler's lock.
type Task struct {
	// TaskId uniquely identifies the task.
	TaskId string `json:"task_id"`

	// Name is the caller-assigned, human-readable name. Must be non-empty.
	Name string `json:"name"`

	// Priority is the caller-assigned priority class.
	Priority Priority `json:"priority"`

	// Requirement describes the resources the task needs.
	Requirement *ResourceRequirement `json:"requirement"`

	// CreatedAt is the submission time.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is set when the task is admitted.
	StartedAt time.Time `json:"started_at,omitempty"`

	// CompletedAt is set when the task reaches a terminal state.
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Status is the task's lifecycle state.
	Status TaskStatus `json:"status"`

	// AllocationId is the ID of the allocation backing the task while Running.
	AllocationId string `json:"allocation_id,omitempty"`

	// sequence is the submission sequence number, used to break score ties FIFO.
	sequence uint64

	// cachedScore is the priority score as of the last UpdateScore call.
	cachedScore float64

	// idx is the task's index within the scheduler's pending heap.
	idx int
}

// NewTask creates a Pending task from a submission.
func NewTask(name string, priority Priority, requirement *ResourceRequirement, createdAt time.Time) *Task {
	return &Task{
		TaskId:      uuid.NewString(),
		Name:        name,
		Priority:    priority,
		Requirement: requirement,
		CreatedAt:   createdAt,
		Status:      TaskPending,
	}
}

// Validate returns ErrInvalidResourceRequest if the task cannot be enqueued.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: task name must be non-empty", ErrInvalidResourceRequest)
	}

	if !t.Priority.Valid() {
		return fmt.Errorf("%w: priority must be in [%d, %d] (got %d)",
			ErrInvalidResourceRequest, PriorityCritical, PriorityBackground, t.Priority)
	}

	return t.Requirement.Validate()
}

// Score computes the priority score of the task as of the given time.
// Lower scores are scheduled sooner. Waiting earns up to one full point of
// credit; small requests (relative to the reference budget) earn up to one
// more. This is a greedy heuristic, not globally optimal.
func (t *Task) Score(now time.Time) float64 {
	waitHours := now.Sub(t.CreatedAt).Hours()

	timeFactor := waitHours * waitHourWeight
	if timeFactor > maxWaitCredit {
		timeFactor = maxWaitCredit
	}

	efficiencyFactor := 1.0 - t.Requirement.MemoryGB.InexactFloat64()/referenceMemoryGB
	if efficiencyFactor < 0 {
		efficiencyFactor = 0
	}

	return float64(t.Priority) - timeFactor - efficiencyFactor
}

// UpdateScore recomputes and caches the task's score. The scheduler refreshes
// every pending task's score at the start of each control-loop tick, then
// re-establishes the heap ordering.
func (t *Task) UpdateScore(now time.Time) {
	t.cachedScore = t.Score(now)
}

// Compare orders tasks by cached score, breaking ties FIFO by submission sequence.
func (t *Task) Compare(other interface{}) float64 {
	o := other.(*Task)

	if t.cachedScore != o.cachedScore {
		return t.cachedScore - o.cachedScore
	}

	return float64(t.sequence) - float64(o.sequence)
}

func (t *Task) SetIdx(idx int) {
	t.idx = idx
}

func (t *Task) GetIdx() int {
	return t.idx
}

// String returns a string representation of the Task suitable for logging.
func (t *Task) String() string {
	o, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}

	return string(o)
}
