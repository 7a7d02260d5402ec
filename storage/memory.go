package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/scusemua/gpu-dispatch/common/monitoring"
)

// MemoryProvider is the in-memory implementation of monitoring.Provider.
// It is the default backend and the one used by the test suites.
type MemoryProvider struct {
	mu sync.Mutex

	metrics []monitoring.Metric
	alerts  map[string]*monitoring.Alert
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		alerts: make(map[string]*monitoring.Alert),
	}
}

func (p *MemoryProvider) InsertMetric(metric monitoring.Metric) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics = append(p.metrics, metric)
	return nil
}

func (p *MemoryProvider) Metrics(deviceId string, metricType monitoring.MetricType, since time.Time) ([]monitoring.Metric, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []monitoring.Metric
	for _, metric := range p.metrics {
		if metric.DeviceId != deviceId || metric.Type != metricType {
			continue
		}

		if metric.Timestamp.Before(since) {
			continue
		}

		result = append(result, metric)
	}

	return result, nil
}

func (p *MemoryProvider) PruneMetrics(olderThan time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.metrics[:0]
	for _, metric := range p.metrics {
		if !metric.Timestamp.Before(olderThan) {
			kept = append(kept, metric)
		}
	}
	p.metrics = kept

	return nil
}

func (p *MemoryProvider) InsertAlert(alert *monitoring.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.alerts[alert.Id]; exists {
		return fmt.Errorf("alert \"%s\" already persisted", alert.Id)
	}

	copied := *alert
	p.alerts[alert.Id] = &copied

	return nil
}

func (p *MemoryProvider) UpdateAlertFlags(alertId string, acknowledged bool, resolved bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	alert, ok := p.alerts[alertId]
	if !ok {
		return fmt.Errorf("%w: %s", monitoring.ErrAlertNotFound, alertId)
	}

	alert.Acknowledged = acknowledged
	alert.Resolved = resolved

	return nil
}

func (p *MemoryProvider) Close() error {
	return nil
}
