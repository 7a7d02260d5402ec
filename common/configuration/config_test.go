package configuration_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/gpu-dispatch/common/configuration"
)

var _ = Describe("EngineOptions", func() {
	newOptions := func() *configuration.EngineOptions {
		return &configuration.EngineOptions{
			DeviceId:         "0",
			TotalMemoryGB:    24,
			ReservedMemoryGB: 2,
		}
	}

	It("Will apply defaults for everything left unset", func() {
		opts := newOptions()
		Expect(opts.Validate()).To(BeNil())

		Expect(opts.CollectionInterval()).To(Equal(30 * time.Second))
		Expect(opts.ControlInterval()).To(Equal(30 * time.Second))
		Expect(opts.Retention()).To(Equal(7 * 24 * time.Hour))
		Expect(opts.AlertCooldown()).To(Equal(300 * time.Second))
		Expect(opts.TaskTimeout()).To(Equal(4 * time.Hour))
		Expect(opts.MaxConcurrentTasks).To(Equal(4))

		Expect(opts.TemperatureWarning).To(Equal(75.0))
		Expect(opts.TemperatureCritical).To(Equal(83.0))
		Expect(opts.TemperatureTarget).To(Equal(70.0))
		Expect(opts.TemperatureMax).To(Equal(90.0))

		Expect(opts.StorageBackend).To(Equal("memory"))
	})

	It("Will keep explicitly configured values", func() {
		opts := newOptions()
		opts.CollectionIntervalSeconds = 5
		opts.TemperatureMax = 85

		Expect(opts.Validate()).To(BeNil())
		Expect(opts.CollectionInterval()).To(Equal(5 * time.Second))
		Expect(opts.TemperatureMax).To(Equal(85.0))
	})

	It("Will reject a non-positive budget", func() {
		opts := newOptions()
		opts.TotalMemoryGB = 0
		Expect(opts.Validate()).ToNot(BeNil())
	})

	It("Will reject a reserve at or above the budget", func() {
		opts := newOptions()
		opts.ReservedMemoryGB = 24
		Expect(opts.Validate()).ToNot(BeNil())
	})

	It("Will reject an unknown storage backend", func() {
		opts := newOptions()
		opts.StorageBackend = "floppy"
		Expect(opts.Validate()).ToNot(BeNil())
	})

	It("Will require a DSN for the postgres backend", func() {
		opts := newOptions()
		opts.StorageBackend = "postgres"
		Expect(opts.Validate()).ToNot(BeNil())

		opts.PostgresDSN = "postgres://engine@localhost/gpu_dispatch"
		Expect(opts.Validate()).To(BeNil())
	})

	It("Will derive the optimization config from validated options", func() {
		opts := newOptions()
		Expect(opts.Validate()).To(BeNil())

		cfg := configuration.OptimizationConfigFromOptions(opts)
		Expect(cfg.SafetyMargin).To(Equal(0.9))
		Expect(cfg.TemperatureTarget).To(Equal(70.0))
		Expect(cfg.TemperatureMax).To(Equal(90.0))
		Expect(cfg.MemoryMaxPercent).To(Equal(95.0))
		Expect(cfg.MaxConcurrentTasks).To(Equal(4))
		Expect(cfg.TaskTimeout).To(Equal(4 * time.Hour))
	})
})

var _ = Describe("ConfigHolder", func() {
	It("Will swap configurations atomically", func() {
		first := &configuration.OptimizationConfig{MaxConcurrentTasks: 2}
		second := &configuration.OptimizationConfig{MaxConcurrentTasks: 8}

		holder := configuration.NewConfigHolder(first)
		Expect(holder.Load().MaxConcurrentTasks).To(Equal(2))

		holder.Swap(second)
		Expect(holder.Load().MaxConcurrentTasks).To(Equal(8))
	})
})

var _ = Describe("Watcher", func() {
	It("Will hot-reload the optimization config when the file changes", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "engine.yml")

		Expect(os.WriteFile(path, []byte("max_concurrent_tasks: 2\n"), 0o644)).To(BeNil())

		holder := configuration.NewConfigHolder(&configuration.OptimizationConfig{
			MaxConcurrentTasks: 2,
			TemperatureMax:     90,
		})

		watcher, err := configuration.NewWatcher(holder, path)
		Expect(err).To(BeNil())
		defer func() {
			_ = watcher.Close()
		}()

		watcher.Start()

		Expect(os.WriteFile(path, []byte("max_concurrent_tasks: 8\n"), 0o644)).To(BeNil())

		Eventually(func() int {
			return holder.Load().MaxConcurrentTasks
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(8))

		// Fields absent from the file keep their previous values.
		Expect(holder.Load().TemperatureMax).To(Equal(90.0))
	})

	It("Will keep the previous config when the file fails to parse", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "engine.yml")

		Expect(os.WriteFile(path, []byte("max_concurrent_tasks: 2\n"), 0o644)).To(BeNil())

		holder := configuration.NewConfigHolder(&configuration.OptimizationConfig{MaxConcurrentTasks: 2})

		watcher, err := configuration.NewWatcher(holder, path)
		Expect(err).To(BeNil())
		defer func() {
			_ = watcher.Close()
		}()

		watcher.Start()

		Expect(os.WriteFile(path, []byte("max_concurrent_tasks: [not a number\n"), 0o644)).To(BeNil())

		Consistently(func() int {
			return holder.Load().MaxConcurrentTasks
		}, 500*time.Millisecond, 50*time.Millisecond).Should(Equal(2))
	})
})
