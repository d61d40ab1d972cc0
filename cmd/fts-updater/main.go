// Command fts-updater keeps the full-text search columns of the messages
// table in sync with the fts_update_log change log.
//
// It runs until interrupted (exit 0) or until the database retry budget is
// exhausted (exit 1), and is meant to run under a process manager that
// restarts it. There are no subcommands; configuration comes from the
// environment (see internal/config) plus a single --quiet flag.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/scarson/fts-updater/internal/api"
	"github.com/scarson/fts-updater/internal/config"
	"github.com/scarson/fts-updater/internal/store"
	"github.com/scarson/fts-updater/internal/updater"
)

func main() {
	var quiet bool
	root := &cobra.Command{
		Use:   "fts-updater",
		Short: "Keep message full-text search columns in sync with fts_update_log",
		Args:  cobra.NoArgs,
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), quiet)
		},
	}
	root.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress logs; warnings and errors are still logged")

	if err := root.Execute(); err != nil {
		slog.Error("fts-updater failed", "error", err)
		os.Exit(1)
	}
}

func run(parent context.Context, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg = cfg.WithQuiet(quiet)

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	u := updater.New(newDialer(cfg), updaterConfig(cfg), updater.Options{
		Logger:     logger,
		Registerer: reg,
	})

	if cfg.MetricsAddr != "" {
		ops := api.NewServer(reg, u)
		go func() {
			if err := ops.ListenAndServe(ctx, cfg.MetricsAddr); err != nil {
				slog.Error("ops listener stopped", "error", err)
			}
		}()
	}

	slog.Info("fts updater started",
		"batch_size", cfg.BatchSize,
		"channel", cfg.NotifyChannel,
		"remote_host", cfg.RemoteHost,
		"secondary_index", cfg.UsingSecondaryIndex,
	)
	if err := u.Run(ctx); err != nil {
		return err
	}
	slog.Warn("interrupted, shutting down")
	return nil
}

// newDialer opens a fresh store connection per supervisor attempt.
func newDialer(cfg config.Config) updater.Dialer {
	connString := cfg.ConnString()
	opts := store.Options{
		TextSearchConfig:    cfg.TextSearchConfig,
		UsingSecondaryIndex: cfg.UsingSecondaryIndex,
		StatementTimeoutMS:  cfg.DBStatementTimeoutMS,
	}
	return updater.DialFunc(func(ctx context.Context) (updater.Conn, error) {
		conn, err := store.Connect(ctx, connString, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

func updaterConfig(cfg config.Config) updater.Config {
	return updater.Config{
		BatchSize:           cfg.BatchSize,
		NotifyChannel:       cfg.NotifyChannel,
		NotifyTimeout:       cfg.NotifyTimeout,
		ReplicaPollInterval: cfg.ReplicaPollInterval,
		Supervisor: updater.SupervisorConfig{
			InitialRetries:   cfg.InitialRetries,
			ReconnectRetries: cfg.ReconnectRetries,
			Backoff:          cfg.ReconnectBackoff,
		},
	}
}

// newLogger creates a slog.Logger based on the configured log level and
// format. Quiet mode raises the level to warn.
func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
