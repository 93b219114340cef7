package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/relaymesh/relay/internal/app"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/internal/util"
	"github.com/relaymesh/relay/internal/version"
	"github.com/relaymesh/relay/pkg/container"
	"github.com/relaymesh/relay/pkg/format"
	"github.com/relaymesh/relay/pkg/profiler"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	} else {
		version.PrintVersionInfo(false, vlog)
	}

	if util.GetEnvBoolOrDefault("RELAY_PROFILER", false) {
		profiler.InitialiseProfiler()
	}

	lcfg := buildLoggerConfig()
	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(lcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.SetDefault(logInstance)

	styledLogger.Info("Initialising", "version", version.Version, "pid", os.Getpid(),
		"containerised", container.IsContainerised())

	// setup: graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		styledLogger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	cfg, err := config.Load(func() {
		styledLogger.Warn("Configuration file changed on disk, restart to apply")
	})
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to load configuration", "error", err)
	}

	application, err := app.New(cfg, styledLogger)
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to create application", "error", err)
	}

	if err := application.Start(ctx); err != nil {
		logger.FatalWithLogger(logInstance, "Failed to start application", "error", err)
	}

	<-ctx.Done()

	if err := application.Stop(context.Background()); err != nil {
		styledLogger.Error("Error during shutdown", "error", err)
	}

	reportProcessStats(styledLogger, startTime)

	styledLogger.Info("Relay has shutdown")
}

func reportProcessStats(logger *logger.StyledLogger, startTime time.Time) {
	runtime.GC()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	logger.Info("Process Memory Stats",
		"heap_alloc", format.Bytes(mem.HeapAlloc),
		"heap_sys", format.Bytes(mem.HeapSys),
		"heap_inuse", format.Bytes(mem.HeapInuse),
		"heap_released", format.Bytes(mem.HeapReleased),
		"stack_inuse", format.Bytes(mem.StackInuse),
		"total_alloc", format.Bytes(mem.TotalAlloc),
	)

	logger.Info("Allocation Stats",
		"total_mallocs", mem.Mallocs,
		"total_frees", mem.Frees,
		"net_objects", int64(mem.Mallocs)-int64(mem.Frees),
	)

	if mem.NumGC > 0 {
		logger.Info("Garbage Collection Stats",
			"num_gc_cycles", mem.NumGC,
			"last_gc", time.Unix(0, int64(mem.LastGC)).Format(time.RFC3339),
			"total_gc_time", format.Duration(time.Duration(mem.PauseTotalNs)),
			"gc_cpu_fraction", fmt.Sprintf("%.4f%%", mem.GCCPUFraction*100),
		)
	}

	logger.Info("Runtime Stats",
		"uptime", format.Duration(time.Since(startTime)),
		"go_version", runtime.Version(),
		"num_goroutines", runtime.NumGoroutine(),
		"num_cpu", runtime.NumCPU(),
		"gomaxprocs", runtime.GOMAXPROCS(0),
	)
}

// buildLoggerConfig creates logger config from environment variables with defaults
func buildLoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      util.GetEnvOrDefault("RELAY_LOG_LEVEL", "info"),
		FileOutput: util.GetEnvBoolOrDefault("RELAY_FILE_OUTPUT", true),
		LogDir:     util.GetEnvOrDefault("RELAY_LOG_DIR", "./logs"),
		MaxSize:    util.GetEnvIntOrDefault("RELAY_MAX_SIZE", 100),
		MaxBackups: util.GetEnvIntOrDefault("RELAY_MAX_BACKUPS", 5),
		MaxAge:     util.GetEnvIntOrDefault("RELAY_MAX_AGE", 30),
		Theme:      util.GetEnvOrDefault("RELAY_THEME", "default"),
	}
}
