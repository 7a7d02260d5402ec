package daemon_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/scusemua/gpu-dispatch/common/configuration"
	"github.com/scusemua/gpu-dispatch/common/monitoring"
	"github.com/scusemua/gpu-dispatch/common/scheduling"
	"github.com/scusemua/gpu-dispatch/common/telemetry"
	"github.com/scusemua/gpu-dispatch/daemon"
)

// scriptedSource replays a fixed sequence of snapshots, then repeats the last one.
type scriptedSource struct {
	snapshots []telemetry.DeviceSnapshot
	errs      []error
	next      int
}

func (s *scriptedSource) Sample(_ string) (telemetry.DeviceSnapshot, error) {
	idx := s.next
	if idx >= len(s.snapshots) {
		idx = len(s.snapshots) - 1
	}
	s.next += 1

	if idx < len(s.errs) && s.errs[idx] != nil {
		return telemetry.DeviceSnapshot{}, s.errs[idx]
	}

	return s.snapshots[idx], nil
}

func (s *scriptedSource) Close() error {
	return nil
}

func testOptions() *configuration.EngineOptions {
	return &configuration.EngineOptions{
		DeviceId:          "0",
		TotalMemoryGB:     12,
		ReservedMemoryGB:  1,
		SimulateTelemetry: true,
		DisablePrometheus: true,
	}
}

func snapshotAt(temperature float64, usedGB float64) telemetry.DeviceSnapshot {
	return telemetry.DeviceSnapshot{
		DeviceId:          "0",
		TotalMemoryGB:     12,
		AvailableMemoryGB: 12 - usedGB,
		Temperature:       temperature,
		Utilization:       40,
		PowerDraw:         200,
		Timestamp:         time.Now(),
	}
}

var _ = Describe("Engine Standard Tests", func() {
	var engine *daemon.Engine

	AfterEach(func() {
		if engine != nil {
			_ = engine.Close()
			engine = nil
		}
	})

	It("Will reject invalid configurations", func() {
		opts := testOptions()
		opts.ReservedMemoryGB = 20

		_, err := daemon.NewEngine(opts, nil, nil)
		Expect(err).ToNot(BeNil())
	})

	It("Will refuse an unknown storage backend", func() {
		opts := testOptions()
		opts.StorageBackend = "cassandra"

		_, err := daemon.NewEngine(opts, nil, nil)
		Expect(err).ToNot(BeNil())
	})

	It("Will run the submit, admit, and release lifecycle end to end", func() {
		source := &scriptedSource{snapshots: []telemetry.DeviceSnapshot{snapshotAt(55, 4)}}

		var err error
		engine, err = daemon.NewEngine(testOptions(), source, nil)
		Expect(err).To(BeNil())

		engine.SampleOnce()

		taskId, err := engine.SubmitTask("fine-tune-llm", scheduling.PriorityHigh, &scheduling.ResourceRequirement{
			MemoryGB:    decimal.NewFromFloat(6),
			Category:    scheduling.CategoryFineTune,
			MaxDuration: time.Hour,
		})
		Expect(err).To(BeNil())

		engine.Scheduler().RunTick()

		task, err := engine.GetTaskStatus(taskId)
		Expect(err).To(BeNil())
		Expect(task.Status).To(Equal(scheduling.TaskRunning))

		status := engine.GetSystemStatus()
		Expect(status.RunningTasks).To(Equal(1))
		Expect(status.QueuedTasks).To(Equal(0))
		Expect(status.IdleMemoryGB).To(Equal(5.0))
		Expect(status.Healthy).To(BeTrue())

		Expect(engine.Release(task.AllocationId)).To(BeNil())

		task, _ = engine.GetTaskStatus(taskId)
		Expect(task.Status).To(Equal(scheduling.TaskCompleted))
		Expect(engine.GetSystemStatus().IdleMemoryGB).To(Equal(11.0))
	})

	It("Will apply the default task timeout to submissions without one", func() {
		var err error
		engine, err = daemon.NewEngine(testOptions(), &scriptedSource{
			snapshots: []telemetry.DeviceSnapshot{snapshotAt(55, 4)},
		}, nil)
		Expect(err).To(BeNil())

		taskId, err := engine.SubmitTask("defaulted", scheduling.PriorityNormal, &scheduling.ResourceRequirement{
			MemoryGB: decimal.NewFromFloat(2),
			Category: scheduling.CategoryInference,
		})
		Expect(err).To(BeNil())

		task, err := engine.GetTaskStatus(taskId)
		Expect(err).To(BeNil())
		Expect(task.Requirement.MaxDuration).To(Equal(4 * time.Hour))
	})

	It("Will raise and manage alerts from ingested telemetry", func() {
		source := &scriptedSource{snapshots: []telemetry.DeviceSnapshot{snapshotAt(86, 4)}}

		var err error
		engine, err = daemon.NewEngine(testOptions(), source, nil)
		Expect(err).To(BeNil())

		engine.SampleOnce()

		alerts := engine.GetActiveAlerts()
		Expect(alerts).ToNot(BeEmpty())

		// 86°C breaches both the warning (75) and critical (83) default rules.
		ruleNames := make([]string, 0, len(alerts))
		for _, alert := range alerts {
			ruleNames = append(ruleNames, alert.RuleName)
		}
		Expect(ruleNames).To(ContainElement("temperature-warning"))
		Expect(ruleNames).To(ContainElement("temperature-critical"))

		Expect(engine.AcknowledgeAlert(alerts[0].Id)).To(BeNil())
		Expect(engine.ResolveAlert(alerts[0].Id)).To(BeNil())
		Expect(len(engine.GetActiveAlerts())).To(Equal(len(alerts) - 1))
	})

	It("Will count telemetry failures without stopping", func() {
		source := &scriptedSource{
			snapshots: []telemetry.DeviceSnapshot{snapshotAt(55, 4), snapshotAt(56, 4)},
			errs:      []error{errors.New("nvml fell over"), nil},
		}

		var err error
		engine, err = daemon.NewEngine(testOptions(), source, nil)
		Expect(err).To(BeNil())

		engine.SampleOnce()
		Expect(engine.GetSystemStatus().LatestSnapshot).To(BeNil())
		Expect(engine.GetSystemStatus().TelemetryErrors).To(Equal(1))

		engine.SampleOnce()
		Expect(engine.GetSystemStatus().LatestSnapshot).ToNot(BeNil())
		Expect(engine.GetSystemStatus().TelemetryErrors).To(Equal(1))
	})

	It("Will mark the system unhealthy when the device overheats", func() {
		source := &scriptedSource{snapshots: []telemetry.DeviceSnapshot{snapshotAt(95, 4)}}

		var err error
		engine, err = daemon.NewEngine(testOptions(), source, nil)
		Expect(err).To(BeNil())

		engine.SampleOnce()

		status := engine.GetSystemStatus()
		Expect(status.Healthy).To(BeFalse())
		Expect(status.HealthDetail).ToNot(BeEmpty())
	})

	It("Will produce forecasts from sampled history", func() {
		snapshots := make([]telemetry.DeviceSnapshot, 0, 10)
		for i := 0; i < 10; i++ {
			snapshots = append(snapshots, snapshotAt(50+float64(i), 4))
		}
		source := &scriptedSource{snapshots: snapshots}

		var err error
		engine, err = daemon.NewEngine(testOptions(), source, nil)
		Expect(err).To(BeNil())

		for i := 0; i < 10; i++ {
			engine.SampleOnce()
		}

		forecast := engine.Predict(monitoring.MetricTemperature, 2)
		Expect(forecast).To(HaveLen(2))
		Expect(forecast[0]).To(BeNumerically("~", 60, 0.001))
		Expect(forecast[1]).To(BeNumerically("~", 61, 0.001))
	})

	It("Will only start once", func() {
		var err error
		engine, err = daemon.NewEngine(testOptions(), &scriptedSource{
			snapshots: []telemetry.DeviceSnapshot{snapshotAt(55, 4)},
		}, nil)
		Expect(err).To(BeNil())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		Expect(engine.Start(ctx)).To(BeNil())
		Expect(engine.Start(ctx)).To(MatchError(daemon.ErrEngineAlreadyStarted))
	})
})
