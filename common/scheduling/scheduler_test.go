package scheduling_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/gpu-dispatch/common/configuration"
	"github.com/scusemua/gpu-dispatch/common/monitoring"
	"github.com/scusemua/gpu-dispatch/common/scheduling"
	"github.com/scusemua/gpu-dispatch/common/telemetry"
	"github.com/scusemua/gpu-dispatch/storage"
)

// countingReclaimer records Reclaim invocations.
type countingReclaimer struct {
	numCalls int
}

func (r *countingReclaimer) Reclaim(_ string) error {
	r.numCalls += 1
	return nil
}

var _ = Describe("Scheduler Standard Tests", func() {
	var (
		configHolder *configuration.ConfigHolder
		ledger       *scheduling.Ledger
		store        *monitoring.Store
		scheduler    *scheduling.Scheduler
		reclaimer    *countingReclaimer
		currentTime  time.Time
	)

	clock := func() time.Time { return currentTime }

	newScheduler := func(totalGB, reservedGB float64) {
		ledger = scheduling.NewLedger("0", totalGB, reservedGB, configHolder, nil).WithClock(clock)
		store = monitoring.NewStore("0", 7*24*time.Hour, nil, storage.NewMemoryProvider()).WithClock(clock)
		scheduler = scheduling.NewScheduler("0", ledger, store, configHolder, reclaimer, nil, 30*time.Second).
			WithClock(clock)
	}

	BeforeEach(func() {
		currentTime = time.Now()
		configHolder = newTestConfigHolder()
		reclaimer = &countingReclaimer{}
		newScheduler(12, 1)
	})

	It("Will validate submissions and reject malformed tasks", func() {
		_, err := scheduler.Submit("", scheduling.PriorityNormal, requirement(4, time.Hour))
		Expect(err).To(MatchError(scheduling.ErrInvalidResourceRequest))

		_, err = scheduler.Submit("bad-priority", scheduling.Priority(9), requirement(4, time.Hour))
		Expect(err).To(MatchError(scheduling.ErrInvalidResourceRequest))

		_, err = scheduler.Submit("bad-memory", scheduling.PriorityNormal, requirement(-1, time.Hour))
		Expect(err).To(MatchError(scheduling.ErrInvalidResourceRequest))

		Expect(scheduler.NumPending()).To(Equal(0))
	})

	It("Will admit one task per tick in score order", func() {
		taskId, err := scheduler.Submit("train-resnet", scheduling.PriorityNormal, requirement(4, time.Hour))
		Expect(err).To(BeNil())

		scheduler.RunTick()

		task, err := scheduler.Task(taskId)
		Expect(err).To(BeNil())
		Expect(task.Status).To(Equal(scheduling.TaskRunning))
		Expect(task.StartedAt).To(Equal(currentTime))
		Expect(task.AllocationId).ToNot(BeEmpty())
		Expect(scheduler.NumRunning()).To(Equal(1))
	})

	It("Will never admit the same task twice", func() {
		taskId, err := scheduler.Submit("train-once", scheduling.PriorityNormal, requirement(4, time.Hour))
		Expect(err).To(BeNil())

		for i := 0; i < 5; i++ {
			scheduler.RunTick()
		}

		task, err := scheduler.Task(taskId)
		Expect(err).To(BeNil())
		Expect(task.Status).To(Equal(scheduling.TaskRunning))
		Expect(scheduler.NumRunning()).To(Equal(1))
		Expect(ledger.CommittedMemoryGB()).To(Equal(4.0))
	})

	It("Will break score ties in submission order", func() {
		firstId, err := scheduler.Submit("first", scheduling.PriorityNormal, requirement(2, time.Hour))
		Expect(err).To(BeNil())

		secondId, err := scheduler.Submit("second", scheduling.PriorityNormal, requirement(2, time.Hour))
		Expect(err).To(BeNil())

		scheduler.RunTick()

		first, _ := scheduler.Task(firstId)
		second, _ := scheduler.Task(secondId)

		Expect(first.Status).To(Equal(scheduling.TaskRunning))
		Expect(second.Status).To(Equal(scheduling.TaskPending))
	})

	It("Will admit, deny, and re-admit per the 12 GB budget scenario", func() {
		// 12 GB budget with a 1 GB reserve leaves 11 GB idle.
		taskAId, err := scheduler.Submit("task-a", scheduling.PriorityHigh, requirement(8, 24*time.Hour))
		Expect(err).To(BeNil())

		taskBId, err := scheduler.Submit("task-b", scheduling.PriorityCritical, requirement(5, 24*time.Hour))
		Expect(err).To(BeNil())

		// First tick: B has the lower score and fits (5 <= 11).
		scheduler.RunTick()

		taskA, _ := scheduler.Task(taskAId)
		taskB, _ := scheduler.Task(taskBId)
		Expect(taskB.Status).To(Equal(scheduling.TaskRunning))
		Expect(taskA.Status).To(Equal(scheduling.TaskPending))
		Expect(ledger.IdleMemoryGB()).To(Equal(6.0))

		// Second tick: A requests 8 > 6 idle and is re-queued.
		scheduler.RunTick()
		Expect(taskA.Status).To(Equal(scheduling.TaskPending))
		Expect(scheduler.NumPending()).To(Equal(1))

		// B releases; idle returns to 11.
		Expect(scheduler.Release(taskB.AllocationId)).To(BeNil())
		Expect(taskB.Status).To(Equal(scheduling.TaskCompleted))
		Expect(ledger.IdleMemoryGB()).To(Equal(11.0))

		// Next tick admits A (8 <= 11).
		scheduler.RunTick()
		Expect(taskA.Status).To(Equal(scheduling.TaskRunning))
		Expect(ledger.IdleMemoryGB()).To(Equal(3.0))
	})

	It("Will skip admission while the maximum number of tasks is running", func() {
		configHolder.Swap(&configuration.OptimizationConfig{
			SafetyMargin:          0.9,
			TemperatureTarget:     70,
			TemperatureMax:        90,
			PowerTarget:           250,
			PowerMax:              350,
			MemoryMaxPercent:      95,
			UtilizationMax:        98,
			MaxConcurrentTasks:    1,
			TaskTimeout:           4 * time.Hour,
			PredictionWindowHours: 24,
		})

		_, err := scheduler.Submit("first", scheduling.PriorityNormal, requirement(2, time.Hour))
		Expect(err).To(BeNil())
		_, err = scheduler.Submit("second", scheduling.PriorityNormal, requirement(2, time.Hour))
		Expect(err).To(BeNil())

		scheduler.RunTick()
		scheduler.RunTick()

		Expect(scheduler.NumRunning()).To(Equal(1))
		Expect(scheduler.NumPending()).To(Equal(1))
	})

	It("Will admit nothing while the device is unhealthy", func() {
		store.Ingest(telemetry.DeviceSnapshot{
			DeviceId:          "0",
			TotalMemoryGB:     12,
			AvailableMemoryGB: 8,
			Temperature:       92,
			Utilization:       50,
			PowerDraw:         200,
			Timestamp:         currentTime,
		})

		taskId, err := scheduler.Submit("blocked", scheduling.PriorityCritical, requirement(2, time.Hour))
		Expect(err).To(BeNil())

		scheduler.RunTick()

		task, _ := scheduler.Task(taskId)
		Expect(task.Status).To(Equal(scheduling.TaskPending))
		Expect(scheduler.NumRunning()).To(Equal(0))
	})

	It("Will transition tasks to TimedOut when their allocations expire", func() {
		taskId, err := scheduler.Submit("short-lived", scheduling.PriorityNormal, requirement(4, 2*time.Second))
		Expect(err).To(BeNil())

		scheduler.RunTick()

		task, _ := scheduler.Task(taskId)
		Expect(task.Status).To(Equal(scheduling.TaskRunning))

		currentTime = currentTime.Add(5 * time.Second)
		scheduler.RunTick()

		Expect(task.Status).To(Equal(scheduling.TaskTimedOut))
		Expect(scheduler.NumRunning()).To(Equal(0))
		Expect(ledger.IdleMemoryGB()).To(Equal(11.0))
	})

	It("Will fail tasks that out-wait their own max duration", func() {
		// Occupy the device so the small task can never be admitted.
		blockerId, err := scheduler.Submit("blocker", scheduling.PriorityCritical, requirement(11, 24*time.Hour))
		Expect(err).To(BeNil())
		scheduler.RunTick()

		blocker, _ := scheduler.Task(blockerId)
		Expect(blocker.Status).To(Equal(scheduling.TaskRunning))

		starvedId, err := scheduler.Submit("starved", scheduling.PriorityNormal, requirement(8, time.Minute))
		Expect(err).To(BeNil())

		scheduler.RunTick()
		starved, _ := scheduler.Task(starvedId)
		Expect(starved.Status).To(Equal(scheduling.TaskPending))

		currentTime = currentTime.Add(2 * time.Minute)
		scheduler.RunTick()

		Expect(starved.Status).To(Equal(scheduling.TaskFailed))
		Expect(scheduler.NumPending()).To(Equal(0))
	})

	Context("OOM prevention", func() {
		It("Will invoke the reclaimer when a request approaches the idle memory", func() {
			taskId, err := scheduler.Submit("big", scheduling.PriorityNormal, requirement(10.5, time.Hour))
			Expect(err).To(BeNil())

			// 10.5 > 11 * 0.9 = 9.9, so the OOM path runs; the grant still
			// succeeds because 10.5 <= 11.
			scheduler.RunTick()

			Expect(reclaimer.numCalls).To(Equal(1))

			task, _ := scheduler.Task(taskId)
			Expect(task.Status).To(Equal(scheduling.TaskRunning))
		})

		It("Will pause Background tasks to make room and re-queue them", func() {
			backgroundId, err := scheduler.Submit("background-sweep", scheduling.PriorityBackground,
				requirement(6, 24*time.Hour))
			Expect(err).To(BeNil())
			scheduler.RunTick()

			background, _ := scheduler.Task(backgroundId)
			Expect(background.Status).To(Equal(scheduling.TaskRunning))

			// 8 GB cannot fit alongside the 6 GB background task.
			criticalId, err := scheduler.Submit("critical-train", scheduling.PriorityCritical,
				requirement(8, 24*time.Hour))
			Expect(err).To(BeNil())
			scheduler.RunTick()

			critical, _ := scheduler.Task(criticalId)
			Expect(critical.Status).To(Equal(scheduling.TaskRunning))

			Expect(background.Status).To(Equal(scheduling.TaskPending))
			Expect(background.AllocationId).To(BeEmpty())
			Expect(scheduler.NumPending()).To(Equal(1))
			Expect(ledger.CommittedMemoryGB()).To(Equal(8.0))
		})
	})

	Context("Optimization pass", func() {
		It("Will emit advisories when targets (but not maxima) are exceeded", func() {
			store.Ingest(telemetry.DeviceSnapshot{
				DeviceId:          "0",
				TotalMemoryGB:     12,
				AvailableMemoryGB: 8,
				Temperature:       78,
				Utilization:       50,
				PowerDraw:         280,
				Timestamp:         currentTime,
			})

			scheduler.RunTick()

			recommendations := scheduler.Recommendations()
			Expect(len(recommendations)).To(Equal(2))
		})

		It("Will emit no advisories when the device is within targets", func() {
			store.Ingest(telemetry.DeviceSnapshot{
				DeviceId:          "0",
				TotalMemoryGB:     12,
				AvailableMemoryGB: 10,
				Temperature:       60,
				Utilization:       30,
				PowerDraw:         180,
				Timestamp:         currentTime,
			})

			scheduler.RunTick()

			Expect(scheduler.Recommendations()).To(BeEmpty())
		})
	})

	Context("Prediction", func() {
		It("Will extrapolate a rising series from retained history", func() {
			for i := 0; i < 10; i++ {
				store.Ingest(telemetry.DeviceSnapshot{
					DeviceId:          "0",
					TotalMemoryGB:     12,
					AvailableMemoryGB: 12 - float64(i),
					Temperature:       50 + float64(i),
					Utilization:       40,
					PowerDraw:         200,
					Timestamp:         currentTime,
				})
			}

			forecast := scheduler.Predict(monitoring.MetricTemperature, 3)
			Expect(forecast).To(HaveLen(3))

			// The series rises one degree per sample, so the forecast keeps climbing.
			Expect(forecast[0]).To(BeNumerically("~", 60, 0.001))
			Expect(forecast[1]).To(BeNumerically("~", 61, 0.001))
			Expect(forecast[2]).To(BeNumerically("~", 62, 0.001))
		})
	})

	It("Will recover from a panic in a control-loop iteration", func() {
		// A requirement mutated to nil after submission forces a panic inside
		// the tick; the loop must survive it.
		taskId, err := scheduler.Submit("poison", scheduling.PriorityNormal, requirement(2, time.Hour))
		Expect(err).To(BeNil())

		task, _ := scheduler.Task(taskId)
		task.Requirement = nil

		Expect(func() { scheduler.RunTick() }).ToNot(Panic())
	})

	It("Will report ErrTaskNotFound for unknown task IDs", func() {
		_, err := scheduler.Task("no-such-task")
		Expect(err).To(MatchError(scheduling.ErrTaskNotFound))
	})

	It("Will compute scores that reward waiting and small requests", func() {
		now := time.Now()

		small := scheduling.NewTask("small", scheduling.PriorityNormal, requirement(2, time.Hour), now)
		large := scheduling.NewTask("large", scheduling.PriorityNormal, requirement(12, time.Hour), now)

		// 2 GB earns 1 - 2/12 of efficiency credit; 12 GB earns none.
		Expect(small.Score(now)).To(BeNumerically("<", large.Score(now)))
		Expect(large.Score(now)).To(BeNumerically("~", 3.0, 0.001))

		// Waiting an hour earns 0.1 of credit, capped at 1.0.
		Expect(large.Score(now.Add(time.Hour))).To(BeNumerically("~", 2.9, 0.001))
		Expect(large.Score(now.Add(300 * time.Hour))).To(BeNumerically("~", 2.0, 0.001))
	})
})

var _ = Describe("LinearForecast", func() {
	It("Will fit a rising line exactly", func() {
		samples := []float64{1, 2, 3, 4, 5}

		forecast := scheduling.LinearForecast(samples, 3)
		Expect(forecast).To(HaveLen(3))
		Expect(forecast[0]).To(BeNumerically("~", 6, 1e-9))
		Expect(forecast[1]).To(BeNumerically("~", 7, 1e-9))
		Expect(forecast[2]).To(BeNumerically("~", 8, 1e-9))
	})

	It("Will clamp falling forecasts at zero", func() {
		samples := []float64{10, 8, 6, 4, 2}

		forecast := scheduling.LinearForecast(samples, 4)
		Expect(forecast[0]).To(BeNumerically("~", 0, 1e-9))
		Expect(forecast[3]).To(Equal(0.0))
	})

	It("Will hold a flat series constant", func() {
		samples := []float64{5, 5, 5, 5}

		forecast := scheduling.LinearForecast(samples, 2)
		Expect(forecast[0]).To(BeNumerically("~", 5, 1e-9))
		Expect(forecast[1]).To(BeNumerically("~", 5, 1e-9))
	})

	It("Will handle degenerate inputs", func() {
		Expect(scheduling.LinearForecast(nil, 0)).To(BeEmpty())
		Expect(scheduling.LinearForecast(nil, 3)).To(Equal([]float64{0, 0, 0}))
		Expect(scheduling.LinearForecast([]float64{7}, 2)).To(Equal([]float64{7, 7}))
	})
})
