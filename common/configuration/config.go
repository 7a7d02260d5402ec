package configuration

import (
	"fmt"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
)

// EngineOptions includes every configuration parameter of the engine daemon.
// Values are populated from command-line flags and/or a YAML config file via
// config.ValidateOptions.
type EngineOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	DeviceId string `name:"device_id" json:"device_id" yaml:"device_id" description:"ID of the device managed by this engine instance. For the NVML telemetry source this is the NVML device index."`

	TotalMemoryGB    float64 `name:"total_memory_gb" json:"total_memory_gb" yaml:"total_memory_gb" description:"Total device memory budget in gigabytes."`
	ReservedMemoryGB float64 `name:"reserved_memory_gb" json:"reserved_memory_gb" yaml:"reserved_memory_gb" description:"Portion of the memory budget held back for the system and never allocated to tasks."`

	CollectionIntervalSeconds int `name:"collection_interval_seconds" json:"collection_interval_seconds" yaml:"collection_interval_seconds" description:"Cadence in seconds of the telemetry sampling loop."`
	ControlIntervalSeconds    int `name:"control_interval_seconds" json:"control_interval_seconds" yaml:"control_interval_seconds" description:"Cadence in seconds of the scheduler's admission/optimization/prediction loop."`
	RetentionDays             int `name:"retention_days" json:"retention_days" yaml:"retention_days" description:"Number of days of metric history to retain before purging."`

	MaxConcurrentTasks    int     `name:"max_concurrent_tasks" json:"max_concurrent_tasks" yaml:"max_concurrent_tasks" description:"Maximum number of tasks that may be running on the device at once."`
	TaskTimeoutHours      float64 `name:"task_timeout_hours" json:"task_timeout_hours" yaml:"task_timeout_hours" description:"Default maximum task duration in hours, used when a task does not specify one."`
	PredictionWindowHours int     `name:"prediction_window_hours" json:"prediction_window_hours" yaml:"prediction_window_hours" description:"Horizon in hours for resource-pressure forecasts."`

	TemperatureWarning  float64 `name:"temperature_warning" json:"temperature_warning" yaml:"temperature_warning" description:"Temperature in Celsius at which a warning alert fires."`
	TemperatureCritical float64 `name:"temperature_critical" json:"temperature_critical" yaml:"temperature_critical" description:"Temperature in Celsius at which a critical alert fires."`
	TemperatureTarget   float64 `name:"temperature_target" json:"temperature_target" yaml:"temperature_target" description:"Temperature in Celsius that the optimization pass tries to stay under."`
	TemperatureMax      float64 `name:"temperature_max" json:"temperature_max" yaml:"temperature_max" description:"Temperature in Celsius above which the device is considered unhealthy and no new tasks are admitted."`

	MemoryWarningPercent  float64 `name:"memory_warning_percent" json:"memory_warning_percent" yaml:"memory_warning_percent" description:"Device memory usage percentage at which a warning alert fires."`
	MemoryCriticalPercent float64 `name:"memory_critical_percent" json:"memory_critical_percent" yaml:"memory_critical_percent" description:"Device memory usage percentage at which a critical alert fires."`

	UtilizationMax float64 `name:"utilization_max" json:"utilization_max" yaml:"utilization_max" description:"Utilization percentage above which the device is considered unhealthy."`

	PowerWarning float64 `name:"power_warning" json:"power_warning" yaml:"power_warning" description:"Power draw in watts at which a warning alert fires."`
	PowerTarget  float64 `name:"power_target" json:"power_target" yaml:"power_target" description:"Power draw in watts that the optimization pass tries to stay under."`
	PowerMax     float64 `name:"power_max" json:"power_max" yaml:"power_max" description:"Power draw in watts at which a critical alert fires."`

	AlertCooldownSeconds int `name:"alert_cooldown_seconds" json:"alert_cooldown_seconds" yaml:"alert_cooldown_seconds" description:"Minimum number of seconds between repeated firings of the same alert rule."`

	SimulateTelemetry bool  `name:"simulate_telemetry" json:"simulate_telemetry" yaml:"simulate_telemetry" description:"Use the seeded-random simulated telemetry source instead of NVML. Automatically enabled when NVML cannot be initialized."`
	TelemetrySeed     int64 `name:"telemetry_seed" json:"telemetry_seed" yaml:"telemetry_seed" description:"Seed for the simulated telemetry source."`

	StorageBackend string `name:"storage_backend" json:"storage_backend" yaml:"storage_backend" description:"Metric/alert persistence backend. Options are 'memory' and 'postgres'."`
	PostgresDSN    string `name:"postgres_dsn" json:"postgres_dsn" yaml:"postgres_dsn" description:"Connection string for the postgres storage backend."`

	RedisAddr     string `name:"redis_addr" json:"redis_addr" yaml:"redis_addr" description:"Address of the Redis server used to publish alert notifications. Publishing is disabled when empty."`
	RedisPassword string `name:"redis_password" json:"redis_password" yaml:"redis_password" description:"Password to access Redis (only relevant if alert publishing is enabled)."`
	RedisDatabase int    `name:"redis_database" json:"redis_database" yaml:"redis_database" description:"Redis database number (only relevant if alert publishing is enabled)."`

	WatchConfigPath string `name:"watch_config_path" json:"watch_config_path" yaml:"watch_config_path" description:"Path to a YAML file watched for optimization-config changes. Hot reloading is disabled when empty."`

	PrometheusPort     int  `name:"prometheus_port" json:"prometheus_port" yaml:"prometheus_port" description:"The port on which the engine daemon serves Prometheus metrics."`
	DisablePrometheus  bool `name:"disable_prometheus" json:"disable_prometheus" yaml:"disable_prometheus" description:"If true, Prometheus metrics are neither registered nor served."`
	PrettyPrintOptions bool `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options" description:"Pretty-print the resolved options when the daemon first begins running."`
}

// Validate applies defaults and rejects impossible combinations.
// It satisfies the config.Options contract.
func (opts *EngineOptions) Validate() error {
	if err := opts.LoggerOptions.Validate(); err != nil {
		return err
	}

	if opts.DeviceId == "" {
		opts.DeviceId = "0"
	}

	if opts.TotalMemoryGB <= 0 {
		return fmt.Errorf("total_memory_gb must be positive (got %f)", opts.TotalMemoryGB)
	}

	if opts.ReservedMemoryGB < 0 || opts.ReservedMemoryGB >= opts.TotalMemoryGB {
		return fmt.Errorf("reserved_memory_gb must be in [0, total_memory_gb) (got %f of %f)",
			opts.ReservedMemoryGB, opts.TotalMemoryGB)
	}

	if opts.CollectionIntervalSeconds <= 0 {
		opts.CollectionIntervalSeconds = 30
	}

	if opts.ControlIntervalSeconds <= 0 {
		opts.ControlIntervalSeconds = 30
	}

	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 7
	}

	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 4
	}

	if opts.TaskTimeoutHours <= 0 {
		opts.TaskTimeoutHours = 4.0
	}

	if opts.PredictionWindowHours <= 0 {
		opts.PredictionWindowHours = 6
	}

	if opts.AlertCooldownSeconds <= 0 {
		opts.AlertCooldownSeconds = 300
	}

	applyThermalDefaults(opts)

	switch strings.ToLower(opts.StorageBackend) {
	case "":
		opts.StorageBackend = "memory"
	case "memory", "postgres":
		// Valid.
	default:
		return fmt.Errorf("unknown storage_backend %q (options are 'memory' and 'postgres')", opts.StorageBackend)
	}

	if opts.StorageBackend == "postgres" && opts.PostgresDSN == "" {
		return fmt.Errorf("postgres_dsn is required when storage_backend is 'postgres'")
	}

	if opts.PrometheusPort <= 0 {
		opts.PrometheusPort = 8089
	}

	return nil
}

func applyThermalDefaults(opts *EngineOptions) {
	if opts.TemperatureWarning <= 0 {
		opts.TemperatureWarning = 75.0
	}
	if opts.TemperatureCritical <= 0 {
		opts.TemperatureCritical = 83.0
	}
	if opts.TemperatureTarget <= 0 {
		opts.TemperatureTarget = 70.0
	}
	if opts.TemperatureMax <= 0 {
		opts.TemperatureMax = 90.0
	}
	if opts.MemoryWarningPercent <= 0 {
		opts.MemoryWarningPercent = 85.0
	}
	if opts.MemoryCriticalPercent <= 0 {
		opts.MemoryCriticalPercent = 95.0
	}
	if opts.UtilizationMax <= 0 {
		opts.UtilizationMax = 98.0
	}
	if opts.PowerWarning <= 0 {
		opts.PowerWarning = 300.0
	}
	if opts.PowerTarget <= 0 {
		opts.PowerTarget = 250.0
	}
	if opts.PowerMax <= 0 {
		opts.PowerMax = 350.0
	}
}

// CollectionInterval returns the sampling-loop cadence as a time.Duration.
func (opts *EngineOptions) CollectionInterval() time.Duration {
	return time.Duration(opts.CollectionIntervalSeconds) * time.Second
}

// ControlInterval returns the control-loop cadence as a time.Duration.
func (opts *EngineOptions) ControlInterval() time.Duration {
	return time.Duration(opts.ControlIntervalSeconds) * time.Second
}

// Retention returns the metric retention window as a time.Duration.
func (opts *EngineOptions) Retention() time.Duration {
	return time.Duration(opts.RetentionDays) * 24 * time.Hour
}

// AlertCooldown returns the per-rule alert cooldown as a time.Duration.
func (opts *EngineOptions) AlertCooldown() time.Duration {
	return time.Duration(opts.AlertCooldownSeconds) * time.Second
}

// TaskTimeout returns the default task timeout as a time.Duration.
func (opts *EngineOptions) TaskTimeout() time.Duration {
	return time.Duration(opts.TaskTimeoutHours * float64(time.Hour))
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *EngineOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *EngineOptions) Clone() *EngineOptions {
	clone := *opts
	return &clone
}

func (opts *EngineOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}
