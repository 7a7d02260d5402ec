package monitoring

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/gpu-dispatch/common/queue"
	"github.com/scusemua/gpu-dispatch/common/telemetry"
)

var (
	// ErrAlertNotFound indicates that no active alert exists with the requested ID.
	ErrAlertNotFound = errors.New("could not find the requested alert")
)

// Provider persists metrics and alerts durably. The in-memory ring buffer is
// authoritative for reads within the retention window; the provider exists for
// durability and offline analysis. Implementations live in the storage package.
type Provider interface {
	// InsertMetric appends one metric row.
	InsertMetric(metric Metric) error

	// Metrics returns the persisted metrics for one device and metric type,
	// in ascending timestamp order, restricted to timestamps >= since.
	Metrics(deviceId string, metricType MetricType, since time.Time) ([]Metric, error)

	// PruneMetrics deletes persisted metrics with timestamps < olderThan.
	PruneMetrics(olderThan time.Time) error

	// InsertAlert appends one alert row.
	InsertAlert(alert *Alert) error

	// UpdateAlertFlags updates the acknowledged/resolved flags of a persisted alert.
	UpdateAlertFlags(alertId string, acknowledged bool, resolved bool) error

	// Close releases the provider's resources.
	Close() error
}

// Store is the monitoring store: it ingests telemetry snapshots, maintains the
// retained metric history, evaluates alert rules with per-rule cooldown
// debounce, and owns the alert lifecycle.
//
// Alerting is level-triggered with debounce: while a rule's alert is active and
// unresolved, repeated breaches within the cooldown window are suppressed.
// Resolving an alert re-arms its rule immediately, so a condition that persists
// past an operator's resolution surfaces again on the next breach. Every ingest
// re-evaluates all rules independently of one another.
//
// All Store methods are safe for concurrent use; the sampling loop, the control
// loop, and external callers (acknowledge/resolve) share one Store per device.
type Store struct {
	mu sync.Mutex

	log logger.Logger

	deviceId  string
	retention time.Duration

	// history holds the retained metrics per metric type, in ingest order.
	// Samples are timestamped monotonically by the sampling loop, so ingest
	// order is also timestamp order.
	history map[MetricType][]Metric

	rules []*AlertRule

	// active maps rule name -> the most recent unresolved alert for that rule.
	active map[string]*Alert
	// alertsById indexes every alert ever raised (active and historical).
	alertsById map[string]*Alert
	// lastFired maps rule name -> the time that rule last created an alert.
	lastFired map[string]time.Time

	provider  Provider
	notifiers []Notifier

	// now is overridable so tests can drive the cooldown clock.
	now func() time.Time
}

// NewStore creates a monitoring Store for one device.
// The provider must be non-nil; use the storage package's in-memory provider
// when durability is not required.
func NewStore(deviceId string, retention time.Duration, rules []*AlertRule, provider Provider) *Store {
	store := &Store{
		deviceId:   deviceId,
		retention:  retention,
		history:    make(map[MetricType][]Metric),
		rules:      rules,
		active:     make(map[string]*Alert),
		alertsById: make(map[string]*Alert),
		lastFired:  make(map[string]time.Time),
		provider:   provider,
		now:        time.Now,
	}
	config.InitLogger(&store.log, store)

	return store
}

// WithClock overrides the store's clock. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
	return s
}

// Subscribe registers a Notifier to be invoked for every newly-created alert.
func (s *Store) Subscribe(notifier Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifiers = append(s.notifiers, notifier)
}

// Ingest records one telemetry snapshot: it appends one Metric per measured
// dimension, trims records older than the retention window, and evaluates
// every enabled rule whose metric type matches against the new value.
func (s *Store) Ingest(snapshot telemetry.DeviceSnapshot) {
	metrics := []Metric{
		{DeviceId: snapshot.DeviceId, Type: MetricTemperature, Value: snapshot.Temperature, Unit: "celsius", Timestamp: snapshot.Timestamp},
		{DeviceId: snapshot.DeviceId, Type: MetricMemoryUsed, Value: snapshot.MemoryUsedGB(), Unit: "gb", Timestamp: snapshot.Timestamp},
		{DeviceId: snapshot.DeviceId, Type: MetricMemoryTotal, Value: snapshot.TotalMemoryGB, Unit: "gb", Timestamp: snapshot.Timestamp},
		{DeviceId: snapshot.DeviceId, Type: MetricUtilization, Value: snapshot.Utilization, Unit: "percent", Timestamp: snapshot.Timestamp},
		{DeviceId: snapshot.DeviceId, Type: MetricPower, Value: snapshot.PowerDraw, Unit: "watts", Timestamp: snapshot.Timestamp},
	}

	s.mu.Lock()

	cutoff := s.now().Add(-s.retention)
	for _, metric := range metrics {
		s.history[metric.Type] = append(s.history[metric.Type], metric)
		s.unsafeTrim(metric.Type, cutoff)

		if err := s.provider.InsertMetric(metric); err != nil {
			s.log.Warn("Failed to persist %s metric for device %s: %v", metric.Type, metric.DeviceId, err)
		}
	}

	if err := s.provider.PruneMetrics(cutoff); err != nil {
		s.log.Warn("Failed to prune persisted metrics for device %s: %v", s.deviceId, err)
	}

	// Each rule is evaluated independently; there is no ordering dependency
	// between metric types. Fired alerts are queued and dispatched after the
	// lock is released, in firing order.
	fired := queue.NewFifo[*Alert](len(s.rules))
	for _, metric := range metrics {
		for _, rule := range s.rules {
			if !rule.Enabled || rule.MetricType != metric.Type {
				continue
			}

			if alert := s.unsafeEvaluateRule(rule, metric.Value); alert != nil {
				fired.Enqueue(alert)
			}
		}
	}

	notifiers := s.unsafeSnapshotNotifiers()
	s.mu.Unlock()

	s.dispatch(fired, notifiers)
}

// unsafeTrim drops retained metrics of the given type older than cutoff.
// Must be called with the store's mutex held.
func (s *Store) unsafeTrim(metricType MetricType, cutoff time.Time) {
	retained := s.history[metricType]
	firstKept := 0
	for firstKept < len(retained) && retained[firstKept].Timestamp.Before(cutoff) {
		firstKept++
	}

	if firstKept > 0 {
		s.history[metricType] = append([]Metric(nil), retained[firstKept:]...)
	}
}

// unsafeEvaluateRule applies one rule to one freshly-sampled value, creating
// and returning a new Alert when the rule triggers. Returns nil when the rule
// does not trigger or the breach is suppressed. The caller is responsible for
// notifying subscribers. Must be called with the store's mutex held.
func (s *Store) unsafeEvaluateRule(rule *AlertRule, value float64) *Alert {
	if !rule.Triggered(value) {
		return nil
	}

	now := s.now()

	// Debounce: suppress only while the alert from this rule's last firing is
	// still active and unresolved. A resolved alert re-arms the rule, so a
	// condition persisting past an operator's resolution fires again.
	if firedAt, fired := s.lastFired[rule.Name]; fired && now.Sub(firedAt) < rule.Cooldown {
		if active, ok := s.active[rule.Name]; ok && !active.Resolved {
			s.log.Debug("Suppressing alert for rule %q (last fired %s ago, cooldown %s).",
				rule.Name, now.Sub(firedAt), rule.Cooldown)
			return nil
		}
	}

	alert := newAlert(rule, value, now)
	s.lastFired[rule.Name] = now
	s.active[rule.Name] = alert
	s.alertsById[alert.Id] = alert

	s.log.Warn("[%s] %s", alert.Severity, alert.Message)

	if err := s.provider.InsertAlert(alert); err != nil {
		s.log.Warn("Failed to persist alert %s: %v", alert.Id, err)
	}

	return alert
}

// unsafeSnapshotNotifiers copies the notifier list so that alerts can be
// dispatched without holding the store's mutex. Must be called with the
// store's mutex held.
func (s *Store) unsafeSnapshotNotifiers() []Notifier {
	notifiers := make([]Notifier, len(s.notifiers))
	copy(notifiers, s.notifiers)
	return notifiers
}

// dispatch drains the fired-alert queue in order, invoking every notifier for
// each alert. Notifier failures are logged and never interrupt the drain.
func (s *Store) dispatch(fired *queue.Fifo[*Alert], notifiers []Notifier) {
	for alert, ok := fired.Dequeue(); ok; alert, ok = fired.Dequeue() {
		for _, notifier := range notifiers {
			if err := notifier.Notify(alert); err != nil {
				s.log.Warn("Alert notifier failed for alert %s: %v", alert.Id, err)
			}
		}
	}
}

// EvaluateRule applies one rule against an out-of-band value. Exposed so that
// callers with values not originating from the sampling loop (e.g. synthetic
// measurements) still flow through the cooldown machinery.
func (s *Store) EvaluateRule(rule *AlertRule, value float64) {
	s.mu.Lock()

	fired := queue.NewFifo[*Alert](1)
	if alert := s.unsafeEvaluateRule(rule, value); alert != nil {
		fired.Enqueue(alert)
	}

	notifiers := s.unsafeSnapshotNotifiers()
	s.mu.Unlock()

	s.dispatch(fired, notifiers)
}

// History returns a time-ordered copy of the retained metrics of the given
// type whose timestamps fall within the trailing window.
func (s *Store) History(metricType MetricType, window time.Duration) []Metric {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	retained := s.history[metricType]

	result := make([]Metric, 0, len(retained))
	for _, metric := range retained {
		if !metric.Timestamp.Before(cutoff) {
			result = append(result, metric)
		}
	}

	return result
}

// Latest returns the most recent retained metric of the given type.
func (s *Store) Latest(metricType MetricType) (Metric, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	retained := s.history[metricType]
	if len(retained) == 0 {
		return Metric{}, false
	}

	return retained[len(retained)-1], true
}

// ActiveAlerts returns a copy of the currently active (unresolved) alerts.
func (s *Store) ActiveAlerts() []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	alerts := make([]*Alert, 0, len(s.active))
	for _, alert := range s.active {
		copied := *alert
		alerts = append(alerts, &copied)
	}

	return alerts
}

// Acknowledge marks the alert with the given ID as acknowledged.
// Acknowledged alerts remain in the active set until resolved.
func (s *Store) Acknowledge(alertId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alertsById[alertId]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertId)
	}

	alert.Acknowledged = true
	if err := s.provider.UpdateAlertFlags(alert.Id, alert.Acknowledged, alert.Resolved); err != nil {
		s.log.Warn("Failed to persist acknowledgement of alert %s: %v", alert.Id, err)
	}

	return nil
}

// Resolve marks the alert with the given ID as resolved, removing it from the
// active set. The alert remains in history.
func (s *Store) Resolve(alertId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alertsById[alertId]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertId)
	}

	alert.Resolved = true
	if active, isActive := s.active[alert.RuleName]; isActive && active.Id == alert.Id {
		delete(s.active, alert.RuleName)
	}

	if err := s.provider.UpdateAlertFlags(alert.Id, alert.Acknowledged, alert.Resolved); err != nil {
		s.log.Warn("Failed to persist resolution of alert %s: %v", alert.Id, err)
	}

	return nil
}

// Rules returns the store's alert rules.
func (s *Store) Rules() []*AlertRule {
	return s.rules
}
