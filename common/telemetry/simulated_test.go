package telemetry_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/gpu-dispatch/common/telemetry"
)

// snapshotClock returns a frozen clock for timestamp assertions.
func snapshotClock() func() time.Time {
	fixed := time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)
	return func() time.Time { return fixed }
}

var _ = Describe("SimulatedSource", func() {
	It("Will produce identical sequences from identical seeds", func() {
		first := telemetry.NewSimulatedSource(24, 42)
		second := telemetry.NewSimulatedSource(24, 42)

		for i := 0; i < 25; i++ {
			a, err := first.Sample("0")
			Expect(err).To(BeNil())

			b, err := second.Sample("0")
			Expect(err).To(BeNil())

			Expect(a.Temperature).To(Equal(b.Temperature))
			Expect(a.Utilization).To(Equal(b.Utilization))
			Expect(a.PowerDraw).To(Equal(b.PowerDraw))
			Expect(a.AvailableMemoryGB).To(Equal(b.AvailableMemoryGB))
		}
	})

	It("Will keep every reading within physical bounds", func() {
		source := telemetry.NewSimulatedSource(24, 7)

		for i := 0; i < 500; i++ {
			snapshot, err := source.Sample("0")
			Expect(err).To(BeNil())

			Expect(snapshot.Temperature).To(BeNumerically(">=", 30))
			Expect(snapshot.Temperature).To(BeNumerically("<=", 105))
			Expect(snapshot.Utilization).To(BeNumerically(">=", 0))
			Expect(snapshot.Utilization).To(BeNumerically("<=", 100))
			Expect(snapshot.PowerDraw).To(BeNumerically(">=", 50))
			Expect(snapshot.PowerDraw).To(BeNumerically("<=", 450))
			Expect(snapshot.MemoryUsedGB()).To(BeNumerically(">=", 0))
			Expect(snapshot.MemoryUsedGB()).To(BeNumerically("<=", 24))
		}
	})

	It("Will walk toward newly-set baselines", func() {
		source := telemetry.NewSimulatedSource(24, 1)

		source.SetBaselines(95, 99, 400, 23)

		snapshot, err := source.Sample("0")
		Expect(err).To(BeNil())

		// One step moves at most 1.5°C from the 95°C baseline.
		Expect(snapshot.Temperature).To(BeNumerically(">=", 93.5))
		Expect(snapshot.MemoryUsagePercent()).To(BeNumerically(">", 90))
	})

	It("Will stamp snapshots with the injected clock", func() {
		source := telemetry.NewSimulatedSource(24, 1)

		fixed := snapshotClock()
		source.WithClock(fixed)

		snapshot, _ := source.Sample("gpu-3")
		Expect(snapshot.DeviceId).To(Equal("gpu-3"))
		Expect(snapshot.Timestamp).To(Equal(fixed()))
	})
})
