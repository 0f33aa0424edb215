// Package main implements the EnergySense entry point. EnergySense
// ingests multi-source facility telemetry, classifies each block's
// energy waste against an adaptive baseline, and serves the live
// dashboard, alerting, and demand-response workflows over HTTP.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/energysense/action"
	"github.com/c360/energysense/alert"
	"github.com/c360/energysense/baseline"
	"github.com/c360/energysense/classify"
	"github.com/c360/energysense/config"
	"github.com/c360/energysense/export"
	"github.com/c360/energysense/gateway"
	"github.com/c360/energysense/metric"
	"github.com/c360/energysense/pipeline"
	"github.com/c360/energysense/pkg/acme"
	"github.com/c360/energysense/predict"
	"github.com/c360/energysense/sidestream"
	"github.com/c360/energysense/snapshot"
	"github.com/c360/energysense/source"
)

// Build information constants.
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "energysense"
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
		slog.Error("Application failed", "error", err, "exit_code", 1)
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
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPaths...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid", "blocks", len(cfg.Blocks))
		return nil
	}

	slog.Info("Starting EnergySense",
		"version", Version,
		"build_time", BuildTime,
		"blocks", len(cfg.Blocks),
		"config_layers", cliCfg.ConfigPaths)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}

	return app.runUntilSignal(ctx, cancel, cliCfg.ShutdownTimeout)
}

// application holds every started component in shutdown order.
type application struct {
	logger    *slog.Logger
	gateway   *gateway.Server
	sources   *source.Manager
	pipeline  *pipeline.Engine
	publisher *snapshot.Publisher
	exports   *export.Service
	poller    *sidestream.Poller
	baselines *baseline.Tracker
	boltStore *baseline.Store
}

// buildApplication wires and starts everything in dependency order:
// side signals and baselines first, then aggregation and policy, then
// intake, then the outward surfaces.
func buildApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	registry := metric.NewRegistry()

	// Side-stream registry and its poller.
	signals := sidestream.NewRegistry(cfg.Signals.Staleness)
	poller := sidestream.NewPoller(sidestream.PollerDeps{
		Config:          cfg.Signals.Poller,
		Registry:        signals,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err := poller.Start(ctx); err != nil {
		return nil, fmt.Errorf("start side-signal poller: %w", err)
	}

	// Baseline tracker, optionally reseeded from bbolt.
	tracker, err := baseline.NewTracker(cfg.Baseline)
	if err != nil {
		return nil, fmt.Errorf("create baseline tracker: %w", err)
	}
	var boltStore *baseline.Store
	if cfg.Persist.Enabled() {
		boltStore, err = baseline.OpenStore(cfg.Persist.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open baseline store: %w", err)
		}
		stats, err := boltStore.Load()
		if err != nil {
			logger.Warn("Baseline reseed failed, starting cold", "error", err)
		} else if len(stats) > 0 {
			tracker.Seed(stats)
			logger.Info("Baselines reseeded from disk", "blocks", len(stats))
		}
		go boltStore.Run(ctx, tracker, cfg.Persist.FlushInterval)
	}

	// Classification, aggregation, publication.
	classifier, err := classify.NewEngine(cfg.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("create classification engine: %w", err)
	}
	store := snapshot.NewStore(cfg.Snapshot.Store)
	store.RegisterBlocks(cfg.Blocks)
	publisher := snapshot.NewPublisher(snapshot.PublisherDeps{
		Config:          cfg.Snapshot.Publisher,
		Store:           store,
		Signals:         signals,
		Forecaster:      predict.NewTrendForecaster(cfg.Predict),
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err := publisher.Start(ctx); err != nil {
		return nil, fmt.Errorf("start snapshot publisher: %w", err)
	}

	// Downstream policy engines.
	alerts, err := alert.NewEngine(alert.Deps{
		Config:          cfg.Alerts,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create alert engine: %w", err)
	}
	actions, err := action.NewManager(action.Deps{
		Config:          cfg.Actions,
		Records:         store,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create action manager: %w", err)
	}

	// Event intake.
	srcMetrics := source.NewMetrics(registry)
	push := source.NewPush(source.PushDeps{
		Config:  cfg.Stream.Push,
		Metrics: srcMetrics,
		Logger:  logger,
	})
	sources := buildSources(cfg, push, srcMetrics, logger)
	manager := source.NewManager(source.ManagerDeps{
		Config:  cfg.Stream.Manager,
		Sources: sources,
		Synthetic: source.NewGenerator(source.GeneratorDeps{
			Config:  cfg.Stream.Synthetic,
			Blocks:  cfg.Blocks,
			Metrics: srcMetrics,
			Logger:  logger,
		}),
		Metrics: srcMetrics,
		Logger:  logger,
	})
	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("start source manager: %w", err)
	}

	// The pipeline joins, classifies, and applies.
	engine, err := pipeline.NewEngine(pipeline.Deps{
		Blocks:          cfg.Blocks,
		Sources:         manager,
		Signals:         signals,
		Baselines:       tracker,
		Classifier:      classifier,
		Snapshots:       store,
		Alerts:          alerts,
		Actions:         actions,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}

	// Optional record exporters.
	exports, err := buildExports(ctx, cfg, publisher, registry, logger)
	if err != nil {
		return nil, err
	}

	// Outward HTTP surface.
	tlsCfg, err := buildTLS(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	reporters := []gateway.HealthReporter{manager, engine, publisher, poller}
	if exports != nil {
		reporters = append(reporters, exports)
	}
	gw, err := gateway.NewServer(gateway.Deps{
		Config:          cfg.Gateway.HTTP,
		Store:           store,
		Publisher:       publisher,
		Alerts:          alerts,
		Actions:         actions,
		Ingest:          push,
		Components:      reporters,
		TLS:             tlsCfg,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		return nil, fmt.Errorf("start gateway: %w", err)
	}

	return &application{
		logger:    logger,
		gateway:   gw,
		sources:   manager,
		pipeline:  engine,
		publisher: publisher,
		exports:   exports,
		poller:    poller,
		baselines: tracker,
		boltStore: boltStore,
	}, nil
}

// buildSources assembles the enabled live sources. The push source is
// always present so the ingest endpoint works in every deployment.
func buildSources(cfg *config.Config, push *source.Push, metrics *source.Metrics, logger *slog.Logger) []source.Source {
	sources := []source.Source{push}

	if cfg.Stream.FileEnabled() {
		sources = append(sources, source.NewFileTail(source.FileTailDeps{
			Config:  cfg.Stream.File,
			Metrics: metrics,
			Logger:  logger,
		}))
	}
	if cfg.Stream.MQTTEnabled() {
		sources = append(sources, source.NewMQTT(source.MQTTDeps{
			Config:  cfg.Stream.MQTT,
			Metrics: metrics,
			Logger:  logger,
		}))
	}
	if cfg.Stream.NATSEnabled() {
		sources = append(sources, source.NewNATS(source.NATSDeps{
			Config:  cfg.Stream.NATS,
			Metrics: metrics,
			Logger:  logger,
		}))
	}
	return sources
}

// buildExports starts the export service when at least one sink is
// enabled; a nil service means exporting is off.
func buildExports(ctx context.Context, cfg *config.Config, publisher *snapshot.Publisher,
	registry *metric.Registry, logger *slog.Logger) (*export.Service, error) {
	if !cfg.Exports.Enabled() {
		return nil, nil
	}

	svc, err := export.NewService(export.Deps{
		Config:          cfg.Exports,
		Publisher:       publisher,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create export service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("start export service: %w", err)
	}
	return svc, nil
}

// buildTLS resolves the gateway certificate source: static files win,
// then ACME, then plain HTTP.
func buildTLS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tls.Config, error) {
	switch {
	case cfg.Gateway.TLS.StaticEnabled():
		cert, err := tls.LoadX509KeyPair(cfg.Gateway.TLS.CertFile, cfg.Gateway.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}, nil
	case cfg.Gateway.TLS.ACMEEnabled():
		mgr, err := acme.NewManager(cfg.Gateway.TLS.ACME, logger)
		if err != nil {
			return nil, fmt.Errorf("create ACME manager: %w", err)
		}
		if err := mgr.Start(ctx); err != nil {
			return nil, fmt.Errorf("obtain ACME certificate: %w", err)
		}
		return mgr.TLSConfig(), nil
	default:
		return nil, nil
	}
}

// runUntilSignal blocks until SIGINT/SIGTERM, then shuts down in
// reverse dependency order: stop accepting work, drain what was
// accepted, publish the final snapshot, flush derived state.
func (a *application) runUntilSignal(ctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	deadline := time.Now().Add(timeout)
	remaining := func() time.Duration {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Second
	}

	if err := a.gateway.Stop(remaining()); err != nil {
		a.logger.Warn("Gateway stop failed", "error", err)
	}
	if err := a.sources.Stop(remaining()); err != nil {
		a.logger.Warn("Source manager stop failed", "error", err)
	}
	if err := a.pipeline.Stop(remaining()); err != nil {
		a.logger.Warn("Pipeline stop failed", "error", err)
	}
	if err := a.publisher.Stop(remaining()); err != nil {
		a.logger.Warn("Publisher stop failed", "error", err)
	}
	if a.exports != nil {
		if err := a.exports.Stop(remaining()); err != nil {
			a.logger.Warn("Export service stop failed", "error", err)
		}
	}
	if err := a.poller.Stop(remaining()); err != nil {
		a.logger.Warn("Side-signal poller stop failed", "error", err)
	}

	// Cancelling the root context stops the bolt flusher and the ACME
	// renewal loop; one final save pins the freshest baselines.
	cancel()
	if a.boltStore != nil {
		if err := a.boltStore.Save(a.baselines.All()); err != nil {
			a.logger.Warn("Final baseline flush failed", "error", err)
		}
		if err := a.boltStore.Close(); err != nil {
			a.logger.Warn("Baseline store close failed", "error", err)
		}
	}

	a.logger.Info("Shutdown complete")
	return nil
}
