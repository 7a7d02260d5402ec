package daemon

import (
	"github.com/Scusemua/go-utils/logger"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/scusemua/gpu-dispatch/common/configuration"
	"github.com/scusemua/gpu-dispatch/common/metrics"
	"github.com/scusemua/gpu-dispatch/common/monitoring"
)

// DefaultAlertRules builds the engine's standard rule set from the configured
// thresholds. Memory rules are expressed in gigabytes against the device
// budget, since memory metrics are recorded in gigabytes.
func DefaultAlertRules(opts *configuration.EngineOptions) []*monitoring.AlertRule {
	cooldown := opts.AlertCooldown()

	memoryWarningGB := opts.TotalMemoryGB * opts.MemoryWarningPercent / 100.0
	memoryCriticalGB := opts.TotalMemoryGB * opts.MemoryCriticalPercent / 100.0

	return []*monitoring.AlertRule{
		{
			Name:       "temperature-warning",
			MetricType: monitoring.MetricTemperature,
			Operator:   monitoring.OpGreaterOrEqual,
			Threshold:  opts.TemperatureWarning,
			Severity:   monitoring.SeverityWarning,
			Enabled:    true,
			Cooldown:   cooldown,
		},
		{
			Name:       "temperature-critical",
			MetricType: monitoring.MetricTemperature,
			Operator:   monitoring.OpGreaterOrEqual,
			Threshold:  opts.TemperatureCritical,
			Severity:   monitoring.SeverityCritical,
			Enabled:    true,
			Cooldown:   cooldown,
		},
		{
			Name:       "memory-warning",
			MetricType: monitoring.MetricMemoryUsed,
			Operator:   monitoring.OpGreaterOrEqual,
			Threshold:  memoryWarningGB,
			Severity:   monitoring.SeverityWarning,
			Enabled:    true,
			Cooldown:   cooldown,
		},
		{
			Name:       "memory-critical",
			MetricType: monitoring.MetricMemoryUsed,
			Operator:   monitoring.OpGreaterOrEqual,
			Threshold:  memoryCriticalGB,
			Severity:   monitoring.SeverityCritical,
			Enabled:    true,
			Cooldown:   cooldown,
		},
		{
			Name:       "utilization-saturated",
			MetricType: monitoring.MetricUtilization,
			Operator:   monitoring.OpGreaterOrEqual,
			Threshold:  opts.UtilizationMax,
			Severity:   monitoring.SeverityWarning,
			Enabled:    true,
			Cooldown:   cooldown,
		},
		{
			Name:       "power-warning",
			MetricType: monitoring.MetricPower,
			Operator:   monitoring.OpGreaterOrEqual,
			Threshold:  opts.PowerWarning,
			Severity:   monitoring.SeverityWarning,
			Enabled:    true,
			Cooldown:   cooldown,
		},
		{
			Name:       "power-critical",
			MetricType: monitoring.MetricPower,
			Operator:   monitoring.OpGreaterOrEqual,
			Threshold:  opts.PowerMax,
			Severity:   monitoring.SeverityEmergency,
			Enabled:    true,
			Cooldown:   cooldown,
		},
	}
}

// logNotifier writes every fired alert to the engine's log and bumps the
// per-severity prometheus counter.
type logNotifier struct {
	log            logger.Logger
	metricsManager *metrics.EnginePrometheusManager
}

func newLogNotifier(log logger.Logger, metricsManager *metrics.EnginePrometheusManager) *logNotifier {
	return &logNotifier{
		log:            log,
		metricsManager: metricsManager,
	}
}

func (n *logNotifier) Notify(alert *monitoring.Alert) error {
	n.log.Warn("ALERT [%s] %s", alert.Severity, alert.Message)

	if n.metricsManager != nil && n.metricsManager.MetricsInitialized() {
		n.metricsManager.AlertsFiredCounterVec.
			With(prometheus.Labels{"device_id": n.metricsManager.DeviceId(), "severity": alert.Severity.String()}).
			Inc()
	}

	return nil
}
