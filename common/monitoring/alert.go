package monitoring

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Severity is the escalation level of an AlertRule and of the Alerts it creates.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

func (s Severity) String() string {
	return string(s)
}

// Operator is the comparison applied by an AlertRule to a sampled value.
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
)

// Apply evaluates `value <op> threshold`.
func (o Operator) Apply(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterOrEqual:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessOrEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	default:
		panic(fmt.Sprintf("unknown alert rule operator: %q", string(o)))
	}
}

// AlertRule is a static, rarely-mutated piece of configuration describing when
// an Alert should be raised for a metric type.
type AlertRule struct {
	// Name uniquely identifies the rule. There is at most one active,
	// unresolved Alert per rule name at any time.
	Name string `json:"name"`

	// MetricType selects which metric the rule applies to.
	MetricType MetricType `json:"metric_type"`

	// Operator is the comparison applied to each new sample.
	Operator Operator `json:"operator"`

	// Threshold is the value the sample is compared against.
	Threshold float64 `json:"threshold"`

	// Severity is carried onto every Alert the rule creates.
	Severity Severity `json:"severity"`

	// Enabled rules are evaluated on every matching ingest; disabled rules are skipped.
	Enabled bool `json:"enabled"`

	// Cooldown is the minimum time between repeated firings of this rule.
	Cooldown time.Duration `json:"cooldown"`
}

// Triggered returns true if the given sampled value breaches the rule.
func (r *AlertRule) Triggered(value float64) bool {
	return r.Operator.Apply(value, r.Threshold)
}

// Alert is created by rule evaluation when a threshold is breached outside the
// rule's cooldown window.
type Alert struct {
	// Id is the unique ID of the alert.
	Id string `json:"id"`

	// RuleName is the name of the AlertRule that created the alert.
	RuleName string `json:"rule_name"`

	// MetricType is the metric dimension that breached.
	MetricType MetricType `json:"metric_type"`

	// CurrentValue is the sampled value that triggered the alert.
	CurrentValue float64 `json:"current_value"`

	// Threshold is the rule threshold that was breached.
	Threshold float64 `json:"threshold"`

	// Severity is inherited from the rule.
	Severity Severity `json:"severity"`

	// Message is a human-readable description of the breach.
	Message string `json:"message"`

	// CreatedAt is the time at which the alert was raised.
	CreatedAt time.Time `json:"created_at"`

	// Acknowledged is set via Store.Acknowledge. Acknowledged alerts remain active.
	Acknowledged bool `json:"acknowledged"`

	// Resolved is set via Store.Resolve. Resolved alerts leave the active set
	// but remain in history.
	Resolved bool `json:"resolved"`
}

func newAlert(rule *AlertRule, value float64, at time.Time) *Alert {
	return &Alert{
		Id:           uuid.NewString(),
		RuleName:     rule.Name,
		MetricType:   rule.MetricType,
		CurrentValue: value,
		Threshold:    rule.Threshold,
		Severity:     rule.Severity,
		Message: fmt.Sprintf("%s breached rule %q: observed %.2f, threshold %.2f",
			rule.MetricType, rule.Name, value, rule.Threshold),
		CreatedAt: at,
	}
}

// String returns a string representation of the Alert suitable for logging.
func (a *Alert) String() string {
	o, err := json.Marshal(a)
	if err != nil {
		panic(err)
	}

	return string(o)
}

// Notifier is implemented by alert subscribers (log sinks, Redis publishers, ...).
// Notification failures are logged by the store and never propagate.
type Notifier interface {
	Notify(alert *Alert) error
}
