// cli-supervisor - Managed-process supervisor for long-running CLI agents
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/workspace/cli-supervisor/internal/cliregistry"
	"github.com/workspace/cli-supervisor/internal/config"
	"github.com/workspace/cli-supervisor/internal/logging"
	"github.com/workspace/cli-supervisor/internal/persistence"
	"github.com/workspace/cli-supervisor/internal/server"
	"github.com/workspace/cli-supervisor/internal/supervisor"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "cli-supervisor",
		Short: "Supervisor for long-running CLI agent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	logging.Setup()
	slog.Info("Starting cli-supervisor", "version", version)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	registry := cliregistry.NewStatic()
	if cfg.DefaultCLIType != "" {
		if err := registry.SetDefault(cfg.DefaultCLIType); err != nil {
			return fmt.Errorf("configure default CLI kind: %w", err)
		}
	}

	metrics := supervisor.NewPrometheusMetricsCollector("")

	sup, err := supervisor.New(supervisor.Options{
		Registry:       registry,
		PortBase:       cfg.PortBase,
		DefaultWorkDir: cfg.DefaultWorkDir,
		HealthCheck: supervisor.HealthCheckConfig{
			Enabled:     cfg.HealthEnabled,
			Interval:    cfg.HealthInterval,
			Timeout:     cfg.HealthTimeout,
			MaxFailures: cfg.HealthMaxFailures,
		},
		Recovery: supervisor.RecoveryConfig{
			Enabled:            cfg.RecoveryEnabled,
			MaxRestartAttempts: cfg.MaxRestartAttempts,
			RestartDelay:       cfg.RestartDelay,
			BackoffMultiplier:  cfg.BackoffMultiplier,
			MaxBackoff:         cfg.MaxBackoff,
		},
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	store := persistence.NewStore(persistence.Config{
		Enabled:           cfg.PersistEnabled,
		FilePath:          cfg.SnapshotPath,
		AutoSaveInterval:  cfg.AutoSaveInterval,
		AutoResumeOnStart: cfg.AutoResume,
	}, func() []persistence.Record {
		sessions := sup.Sessions()
		records := make([]persistence.Record, 0, len(sessions))
		for _, s := range sessions {
			records = append(records, persistence.RecordFromSession(s))
		}
		return records
	})

	if store.AutoResume() {
		if n, err := persistence.Resume(store, sup); err != nil {
			slog.Error("Resume from snapshot failed", "error", err)
		} else {
			slog.Info("Snapshot resume complete", "resumed", n)
		}
	}
	store.Start()

	srv := server.New(cfg, sup, metrics.Registry())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("observer server: %w", err)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Error("Observer server shutdown error", "error", err)
	}
	// Snapshot before stopping sessions so resume sees them as running.
	if err := store.Close(); err != nil {
		slog.Error("Final snapshot failed", "error", err)
	}
	if err := sup.Shutdown(ctx); err != nil {
		slog.Error("Supervisor shutdown error", "error", err)
	}

	slog.Info("cli-supervisor stopped")
	return nil
}
