package configuration

import (
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"os"
)

// OptimizationConfig is the subset of engine configuration consulted on every
// control-loop tick. It is process-wide, loaded once at startup, and may be
// hot-reloaded from the YAML config file while the engine is running.
//
// Readers obtain it through a ConfigHolder; the holder swaps the entire struct
// atomically so a control-loop iteration always sees a coherent set of values.
type OptimizationConfig struct {
	SafetyMargin float64 `yaml:"safety_margin" json:"safety_margin"`

	TemperatureTarget float64 `yaml:"temperature_target" json:"temperature_target"`
	TemperatureMax    float64 `yaml:"temperature_max" json:"temperature_max"`

	PowerTarget float64 `yaml:"power_target" json:"power_target"`
	PowerMax    float64 `yaml:"power_max" json:"power_max"`

	MemoryMaxPercent float64 `yaml:"memory_max_percent" json:"memory_max_percent"`
	UtilizationMax   float64 `yaml:"utilization_max" json:"utilization_max"`

	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `yaml:"task_timeout" json:"task_timeout"`

	PredictionWindowHours int `yaml:"prediction_window_hours" json:"prediction_window_hours"`
}

// OptimizationConfigFromOptions derives the initial OptimizationConfig from
// the fully-validated engine options.
func OptimizationConfigFromOptions(opts *EngineOptions) *OptimizationConfig {
	return &OptimizationConfig{
		SafetyMargin:          0.9,
		TemperatureTarget:     opts.TemperatureTarget,
		TemperatureMax:        opts.TemperatureMax,
		PowerTarget:           opts.PowerTarget,
		PowerMax:              opts.PowerMax,
		MemoryMaxPercent:      opts.MemoryCriticalPercent,
		UtilizationMax:        opts.UtilizationMax,
		MaxConcurrentTasks:    opts.MaxConcurrentTasks,
		TaskTimeout:           opts.TaskTimeout(),
		PredictionWindowHours: opts.PredictionWindowHours,
	}
}

// ConfigHolder provides lock-free reads of the current OptimizationConfig and
// atomic swaps when the config is hot-reloaded.
type ConfigHolder struct {
	current atomic.Pointer[OptimizationConfig]
}

func NewConfigHolder(initial *OptimizationConfig) *ConfigHolder {
	holder := &ConfigHolder{}
	holder.current.Store(initial)
	return holder
}

// Load returns the current OptimizationConfig. The returned struct must be
// treated as immutable.
func (h *ConfigHolder) Load() *OptimizationConfig {
	return h.current.Load()
}

// Swap replaces the current OptimizationConfig.
func (h *ConfigHolder) Swap(next *OptimizationConfig) {
	h.current.Store(next)
}

// Watcher hot-reloads the OptimizationConfig whenever the watched YAML file
// changes on disk. A parse failure leaves the previous config in place.
type Watcher struct {
	log     logger.Logger
	holder  *ConfigHolder
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a Watcher for the given file, updating the given holder.
// The caller must invoke Start to begin watching.
func NewWatcher(holder *ConfigHolder, path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = fsWatcher.Add(path); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	w := &Watcher{
		holder:  holder,
		path:    path,
		watcher: fsWatcher,
		done:    make(chan struct{}),
	}
	config.InitLogger(&w.log, w)

	return w, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.log.Warn("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("Could not re-read config file \"%s\": %v", w.path, err)
		return
	}

	// Start from a copy of the current config so fields absent from the file keep their values.
	next := *w.holder.Load()
	if err = yaml.Unmarshal(raw, &next); err != nil {
		w.log.Warn("Could not parse config file \"%s\"; keeping previous configuration: %v", w.path, err)
		return
	}

	w.holder.Swap(&next)
	w.log.Info("Hot-reloaded optimization config from \"%s\".", w.path)
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
