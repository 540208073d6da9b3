// Package main implements vsrouterd, the realtime routing daemon for
// distributed simulation actors. It hosts the namespace router, an
// optional NATS bridge for external collaborators and a Prometheus
// metrics endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/guerillacodester/vehicle-simulator-sub007/config"
	"github.com/guerillacodester/vehicle-simulator-sub007/metric"
	"github.com/guerillacodester/vehicle-simulator-sub007/natsbridge"
	"github.com/guerillacodester/vehicle-simulator-sub007/router"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "vsrouterd"
)

// Service status values reported through the service status gauge.
const (
	statusStopped  = 0
	statusRunning  = 2
	statusStopping = 3
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		logger.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("starting router daemon",
		"version", Version,
		"addr", cfg.HTTP.Addr,
		"namespaces", cfg.Namespaces,
		"nats_enabled", cfg.NATS.Enabled)

	var registry *metric.MetricsRegistry
	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		registry = metric.NewMetricsRegistry()
		metricsServer = metric.NewServer(cfg.Metrics.Addr, "/metrics", registry)
	}

	rt, err := router.New(router.Config{
		Service:    cfg.Service,
		Addr:       cfg.HTTP.Addr,
		Namespaces: cfg.Namespaces,
	}, registry, logger)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	if err := rt.Init(); err != nil {
		return fmt.Errorf("init router: %w", err)
	}

	var bridge *natsbridge.Bridge
	if cfg.NATS.Enabled {
		var coreMetrics *metric.Metrics
		if registry != nil {
			coreMetrics = registry.CoreMetrics()
		}
		bridge, err = natsbridge.New(natsbridge.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Name:          cfg.Service,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait.Std(),
		}, rt, coreMetrics, logger)
		if err != nil {
			_ = rt.Close()
			return fmt.Errorf("create bridge: %w", err)
		}
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	g, gCtx := errgroup.WithContext(signalCtx)

	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics endpoint up", "url", metricsServer.Address())
			return metricsServer.Start()
		})
	}

	if bridge != nil {
		if err := bridge.Start(gCtx); err != nil {
			_ = rt.Close()
			if metricsServer != nil {
				_ = metricsServer.Stop()
			}
			return fmt.Errorf("start bridge: %w", err)
		}
	}

	if registry != nil {
		registry.CoreMetrics().ServiceStatus.WithLabelValues(cfg.Service).Set(statusRunning)
	}
	logger.Info("router daemon ready", "addr", rt.Addr())

	<-gCtx.Done()
	logger.Info("shutdown signal received")
	if registry != nil {
		registry.CoreMetrics().ServiceStatus.WithLabelValues(cfg.Service).Set(statusStopping)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() {
		var firstErr error
		if bridge != nil {
			if err := bridge.Stop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := rt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		done <- firstErr
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn("shutdown finished with error", "error", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out", "timeout", cliCfg.ShutdownTimeout)
	}

	if metricsServer != nil {
		_ = metricsServer.Stop()
	}
	if registry != nil {
		registry.CoreMetrics().ServiceStatus.WithLabelValues(cfg.Service).Set(statusStopped)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("router daemon stopped")
	return nil
}
