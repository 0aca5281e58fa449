// Flowgate orchestrator server — provides the HTTP API, runs the built-in
// stage departments, and gates pipeline progression on human decisions.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowgate/flowgate/pkg/api"
	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/conductor"
	"github.com/flowgate/flowgate/pkg/config"
	"github.com/flowgate/flowgate/pkg/controlpoint"
	"github.com/flowgate/flowgate/pkg/department"
	"github.com/flowgate/flowgate/pkg/registry"
	"github.com/flowgate/flowgate/pkg/snapshot"
	"github.com/flowgate/flowgate/pkg/staging"
	"github.com/flowgate/flowgate/pkg/stream"
	"github.com/flowgate/flowgate/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configFile := flag.String("config",
		getEnv("FLOWGATE_CONFIG", ""),
		"Path to the YAML configuration file (optional)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting flowgate", "version", version.Full(), "config", *configFile)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configFile)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Component registry and broker
	reg := registry.Init()
	defer registry.Teardown()
	promReg := prometheus.NewRegistry()
	b := broker.New(reg, broker.Options{
		Workers:    cfg.Broker.Workers,
		QueueBound: cfg.Broker.QueueBound,
		Registerer: promReg,
	})

	// 3. Staging manager
	stagingMgr := staging.NewManager(b, staging.Options{
		DefaultRetention: cfg.Staging.Retention,
		CleanupInterval:  cfg.Staging.CleanupInterval,
	})
	if err := stagingMgr.Start(); err != nil {
		slog.Error("Failed to start staging manager", "error", err)
		os.Exit(1)
	}

	// 4. Control-point manager
	cpm := controlpoint.NewManager(b, controlpoint.Options{
		DefaultTimeout:  cfg.ControlPoints.DefaultTimeout,
		MaxRetries:      cfg.ControlPoints.MaxRetries,
		ReviewLoopLimit: cfg.ControlPoints.ReviewLoopLimit,
		MonitorInterval: cfg.ControlPoints.MonitorInterval,
		TerminalGrace:   cfg.ControlPoints.TerminalGrace,
	})
	if err := cpm.Start(); err != nil {
		slog.Error("Failed to start control-point manager", "error", err)
		os.Exit(1)
	}

	// 5. Built-in departments
	modules, err := department.StartBuiltins(b, stagingMgr)
	if err != nil {
		slog.Error("Failed to start departments", "error", err)
		os.Exit(1)
	}
	slog.Info("Departments started", "count", len(modules))

	// 6. Conductor
	svc := conductor.NewService(b, cpm, stagingMgr)
	if err := svc.Start(); err != nil {
		slog.Error("Failed to start conductor", "error", err)
		os.Exit(1)
	}

	// 7. Event stream: the bridge needs the manager to broadcast, the
	// manager needs the bridge for replay.
	connManager := stream.NewConnectionManager(nil, cfg.Server.WSWriteTimeout)
	bridge := stream.NewBridge(b, connManager)
	connManager.SetHistory(bridge)
	if err := bridge.Start(); err != nil {
		slog.Error("Failed to start event stream", "error", err)
		os.Exit(1)
	}

	// 8. Snapshot store and periodic snapshotter
	var store snapshot.Store
	switch cfg.Snapshot.Backend {
	case config.SnapshotPostgres:
		store, err = snapshot.NewPostgresStore(ctx, snapshot.PostgresConfig{
			Host:         cfg.Snapshot.Postgres.Host,
			Port:         cfg.Snapshot.Postgres.Port,
			User:         cfg.Snapshot.Postgres.User,
			Password:     cfg.Snapshot.Postgres.Password,
			Database:     cfg.Snapshot.Postgres.Database,
			SSLMode:      cfg.Snapshot.Postgres.SSLMode,
			MaxOpenConns: cfg.Snapshot.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Snapshot.Postgres.MaxIdleConns,
		})
		if err != nil {
			slog.Error("Failed to connect to snapshot database", "error", err)
			os.Exit(1)
		}
		slog.Info("Connected to PostgreSQL snapshot store")
	default:
		store = snapshot.NewMemoryStore()
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing snapshot store", "error", err)
		}
	}()

	snapshotter := snapshot.NewSnapshotter(store, cpm, cfg.Snapshot.Interval)
	snapshotter.Start()

	// 9. HTTP server (non-blocking)
	httpServer := api.NewServer(svc, connManager, api.Options{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Gatherer: promReg,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Flowgate started successfully",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"snapshot_backend", cfg.Snapshot.Backend)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown, reverse startup order. The snapshotter stops
	// first so its final flush captures pre-shutdown state.
	slog.Info("Shutting down", "order", reg.ShutdownOrder())
	snapshotter.Stop()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	for _, m := range modules {
		m.Stop()
	}
	cpm.Stop()
	stagingMgr.Stop()

	brokerCtx, brokerCancel := context.WithTimeout(ctx, 10*time.Second)
	defer brokerCancel()
	if err := b.Close(brokerCtx); err != nil {
		slog.Error("Broker close error", "error", err)
	}

	slog.Info("Shutdown complete")
}
