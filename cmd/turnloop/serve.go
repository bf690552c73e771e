package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/turnloop/internal/api"
	"github.com/nugget/turnloop/internal/buildinfo"
	"github.com/nugget/turnloop/internal/events"
	"github.com/nugget/turnloop/internal/health"
	"github.com/nugget/turnloop/internal/mqtt"
)

const shutdownTimeout = 10 * time.Second

// runServe starts the API server and, when configured, the MQTT event
// publisher. It blocks until ctx is cancelled or a termination signal
// arrives, then shuts both down.
func runServe(ctx context.Context, stdout io.Writer, opts globalOptions) error {
	cfg, logger, err := loadConfig(opts.configPath, stdout)
	if err != nil {
		return err
	}
	logger.Info("starting turnloop", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, mqtt.ClientID(cfg.MQTT.ClientID, instanceID), mqtt.NewDailyTokens(nil), logger)
	}

	appOpts := appOptions{}
	if publisher != nil {
		appOpts.Sink = publisher
	}
	a, err := newApp(cfg, logger, appOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	if publisher != nil {
		publisher.OnCancel(a.runner.Cancel)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	var healthSink events.Sink = a.bus
	if publisher != nil {
		healthSink = events.Multi(a.bus, publisher)
	}
	monitor := health.NewMonitor(healthSink, logger)
	for _, name := range a.client.Providers() {
		// Anthropic is not polled: its only probe is a billed request.
		if name == "anthropic" {
			continue
		}
		client, _ := a.client.Provider(name)
		monitor.Watch(ctx, name, client.Ping, health.DefaultBackoff())
	}
	defer monitor.Stop()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.runner, logger)
	server.SetCheckpoints(a.checkpointer)
	server.SetUsage(a.usage)
	server.SetEventBus(a.bus)
	server.SetHealth(monitor)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown failed", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	logger.Info("turnloop stopped", "uptime", buildinfo.Uptime().Round(time.Second))
	return nil
}
