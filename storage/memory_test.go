package storage_test

import (
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/gpu-dispatch/common/monitoring"
	"github.com/scusemua/gpu-dispatch/storage"
)

var _ = Describe("MemoryProvider Standard Tests", func() {
	var provider *storage.MemoryProvider

	BeforeEach(func() {
		provider = storage.NewMemoryProvider()
	})

	It("Will round-trip a metric without loss", func() {
		recorded := monitoring.Metric{
			DeviceId:  "0",
			Type:      monitoring.MetricTemperature,
			Value:     71.5,
			Unit:      "celsius",
			Timestamp: time.Now().Truncate(time.Microsecond),
			Metadata:  map[string]interface{}{"driver": "550.54"},
		}

		Expect(provider.InsertMetric(recorded)).To(BeNil())

		reloaded, err := provider.Metrics("0", monitoring.MetricTemperature, time.Time{})
		Expect(err).To(BeNil())
		Expect(reloaded).To(HaveLen(1))

		Expect(reloaded[0].DeviceId).To(Equal(recorded.DeviceId))
		Expect(reloaded[0].Type).To(Equal(recorded.Type))
		Expect(reloaded[0].Value).To(Equal(recorded.Value))
		Expect(reloaded[0].Unit).To(Equal(recorded.Unit))
		Expect(reloaded[0].Timestamp).To(Equal(recorded.Timestamp))
	})

	It("Will filter metrics by device, type, and time", func() {
		now := time.Now()

		metrics := []monitoring.Metric{
			{DeviceId: "0", Type: monitoring.MetricTemperature, Value: 60, Unit: "celsius", Timestamp: now.Add(-2 * time.Hour)},
			{DeviceId: "0", Type: monitoring.MetricTemperature, Value: 65, Unit: "celsius", Timestamp: now},
			{DeviceId: "0", Type: monitoring.MetricPower, Value: 200, Unit: "watts", Timestamp: now},
			{DeviceId: "1", Type: monitoring.MetricTemperature, Value: 70, Unit: "celsius", Timestamp: now},
		}
		for _, metric := range metrics {
			Expect(provider.InsertMetric(metric)).To(BeNil())
		}

		recent, err := provider.Metrics("0", monitoring.MetricTemperature, now.Add(-time.Hour))
		Expect(err).To(BeNil())
		Expect(recent).To(HaveLen(1))
		Expect(recent[0].Value).To(Equal(65.0))

		all, err := provider.Metrics("0", monitoring.MetricTemperature, time.Time{})
		Expect(err).To(BeNil())
		Expect(all).To(HaveLen(2))
	})

	It("Will prune metrics older than the cutoff", func() {
		now := time.Now()

		Expect(provider.InsertMetric(monitoring.Metric{
			DeviceId: "0", Type: monitoring.MetricTemperature, Value: 60, Unit: "celsius",
			Timestamp: now.Add(-48 * time.Hour),
		})).To(BeNil())
		Expect(provider.InsertMetric(monitoring.Metric{
			DeviceId: "0", Type: monitoring.MetricTemperature, Value: 65, Unit: "celsius",
			Timestamp: now,
		})).To(BeNil())

		Expect(provider.PruneMetrics(now.Add(-24 * time.Hour))).To(BeNil())

		remaining, err := provider.Metrics("0", monitoring.MetricTemperature, time.Time{})
		Expect(err).To(BeNil())
		Expect(remaining).To(HaveLen(1))
		Expect(remaining[0].Value).To(Equal(65.0))
	})

	It("Will persist alerts and update their flags", func() {
		alert := &monitoring.Alert{
			Id:           uuid.NewString(),
			RuleName:     "temperature-critical",
			MetricType:   monitoring.MetricTemperature,
			CurrentValue: 91,
			Threshold:    83,
			Severity:     monitoring.SeverityCritical,
			Message:      "temperature breached rule",
			CreatedAt:    time.Now(),
		}

		Expect(provider.InsertAlert(alert)).To(BeNil())

		// Duplicate IDs are rejected.
		Expect(provider.InsertAlert(alert)).ToNot(BeNil())

		Expect(provider.UpdateAlertFlags(alert.Id, true, true)).To(BeNil())
		Expect(provider.UpdateAlertFlags("no-such-alert", true, false)).
			To(MatchError(monitoring.ErrAlertNotFound))
	})
})
