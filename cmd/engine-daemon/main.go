package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Scusemua/go-utils/config"

	"github.com/scusemua/gpu-dispatch/common/configuration"
	"github.com/scusemua/gpu-dispatch/daemon"
)

var (
	options      = configuration.EngineOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	// Set default options.
	options.DeviceId = "0"
	options.TotalMemoryGB = 24
	options.ReservedMemoryGB = 1
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

func main() {
	// Ensure that the options/configuration is valid.
	ValidateOptions()

	if err := options.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the engine daemon with the following options:\n%s\n",
			options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the engine daemon.")
	}

	engine, err := daemon.NewEngine(&options, nil, nil)
	if err != nil {
		log.Fatalf("Failed to construct the engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err = engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start the engine: %v", err)
	}

	if options.WatchConfigPath != "" {
		watcher, watchErr := configuration.NewWatcher(engine.ConfigHolder(), options.WatchConfigPath)
		if watchErr != nil {
			globalLogger.Warn("Hot reloading of the optimization config is disabled: %v", watchErr)
		} else {
			watcher.Start()
			defer func() {
				_ = watcher.Close()
			}()

			globalLogger.Info("Watching \"%s\" for optimization config changes.", options.WatchConfigPath)
		}
	}

	received := <-sig
	globalLogger.Info("Received signal %v; shutting down.", received)

	if err = engine.Close(); err != nil {
		globalLogger.Warn("Error during shutdown: %v", err)
	}
}
