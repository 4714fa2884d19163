package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/core-tools/hsu-svcmgr/pkg/config"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/filewatch"
	"github.com/core-tools/hsu-svcmgr/pkg/keepalive"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/logsink"
	"github.com/core-tools/hsu-svcmgr/pkg/metrics"
	"github.com/core-tools/hsu-svcmgr/pkg/process"
	"github.com/core-tools/hsu-svcmgr/pkg/supervisor"
)

const shutdownTimeout = 5 * time.Second

// The main goroutine stays on the main thread so that process.SetTitle names it.
func init() {
	runtime.LockOSThread()
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	zapLogger := logging.NewZapLogger(logging.DefaultZapConfig())
	defer func() { _ = zapLogger.Sync() }()
	logger := logging.FromZap("svcmgr: ", zapLogger)

	cfg, err := config.Parse(argv)
	if err != nil {
		if config.IsHelp(err) {
			fmt.Println(err)
			return errors.ExitCodeOK
		}
		logger.Errorf("Command line flags parsing failed: %v", err)
		return errors.ExitCode(err)
	}

	sink, err := logsink.Open(cfg.Logs)
	if err != nil {
		logger.Errorf("Failed to open log files: %v", err)
		return errors.ExitCode(err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Errorf("Failed to close log files: %v", err)
		}
	}()

	// From here on supervisor messages go to the log files.
	logger = sink.Logger(cfg.Verbose)

	if err := process.SetTitle(cfg.Title); err != nil {
		logger.Debugf("Unable to set process title: %v", err)
	}

	keep, err := keepalive.Listen(cfg.KeepaliveAddr, cfg.Title, logger)
	if err != nil {
		logger.Errorf("%v", err)
		return errors.ExitCode(err)
	}
	defer keep.Release()

	var recorder *metrics.Recorder
	if cfg.MetricsAddr != "" {
		recorder = metrics.NewRecorder()
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if err := recorder.Register(registry); err != nil {
			logger.Errorf("Failed to register metrics: %v", err)
			return errors.ExitCodeInternal
		}
		server, err := metrics.Serve(cfg.MetricsAddr, registry, logger)
		if err != nil {
			logger.Errorf("%v", err)
			return errors.ExitCode(err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warnf("Metrics server shutdown failed: %v", err)
			}
		}()
	}

	var reloads <-chan string
	if cfg.Watch {
		watcher, err := filewatch.New([]string{cfg.Execution.ExecutablePath}, filewatch.DefaultDebounce, logger)
		if err != nil {
			logger.Errorf("%v", err)
			return errors.ExitCode(err)
		}
		defer func() { _ = watcher.Close() }()
		reloads = watcher.Changes()
	}

	signals, stopSignals := supervisor.NotifySignals()
	defer stopSignals()

	sup, err := supervisor.New(supervisor.Options{
		Title:       cfg.Title,
		Target:      cfg.Execution.ExecutablePath,
		Restart:     cfg.Restart,
		MinUptime:   cfg.MinUptime,
		GracePeriod: cfg.GracePeriod,
		Launcher:    process.NewStdLauncher(cfg.Execution, logger),
		Sink:        sink,
		Logger:      logger,
		Signals:     signals,
		Reloads:     reloads,
		KeepAlive:   keep,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Errorf("Failed to create supervisor: %v", err)
		return errors.ExitCode(err)
	}

	return errors.ExitCode(sup.Run(context.Background()))
}
