// Command taskmeshd runs the task-orchestration server: it accepts
// markdown task graphs and ad hoc prompts over a
// line-delimited JSON stdio transport, drives them through the Scheduler
// and Supervisor, and persists everything to an embedded SQLite store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmeshd/internal/config"
	"github.com/taskmesh/taskmeshd/internal/errkind"
	"github.com/taskmesh/taskmeshd/internal/graph"
	"github.com/taskmesh/taskmeshd/internal/logging"
	"github.com/taskmesh/taskmeshd/internal/repo"
	"github.com/taskmesh/taskmeshd/internal/scheduler"
	"github.com/taskmesh/taskmeshd/internal/store"
	"github.com/taskmesh/taskmeshd/internal/supervisor"
	"github.com/taskmesh/taskmeshd/internal/telemetry"
	"github.com/taskmesh/taskmeshd/internal/transport"
)

// Version is reported by health(). Bumped on release.
const Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "taskmeshd",
		Short: "Task-orchestration server driving an external assistant CLI",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	root.AddCommand(newConvertCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the health/convert_task_markdown/claude_code tool surface over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Open the store and run pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.NewComponent("Migrate")
			st, err := store.Open(cmd.Context(), storeConfig(cfg), logger)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info("schema is up to date")
			return nil
		},
	}
}

func newConvertCmd() *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "convert <markdown-path>",
		Short: "Parse a task-graph markdown file and print its normalized form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := graph.Parse(source)
			if err != nil {
				return err
			}
			normalized := graph.Render(doc)
			if outputPath == "" {
				fmt.Fprint(cmd.OutOrStdout(), normalized)
				return nil
			}
			return os.WriteFile(outputPath, []byte(normalized), 0o644)
		},
	}
	cmd.Flags().StringVar(&outputPath, "output", "", "write the normalized markdown here instead of stdout")
	return cmd
}

func storeConfig(cfg config.Config) store.Config {
	return store.Config{
		Path:                cfg.DBPath,
		MinConnections:      cfg.MinConnections,
		MaxConnections:      cfg.MaxConnections,
		ConnectionTimeout:   cfg.ConnectionTimeout(),
		BusyTimeout:         cfg.BusyTimeout(),
		TargetSchemaVersion: cfg.SchemaVersion,
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Debug {
		logging.EnableStructured(logging.Debug, os.Stderr)
	}
	logger := logging.NewComponent("Server")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, storeConfig(cfg), logger)
	if err != nil {
		if kind, ok := errkind.As(err); ok {
			return fmt.Errorf("%s: %w", kind, err)
		}
		return err
	}
	defer st.Close()

	repos := repo.New(st)

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	sup := supervisor.New(repos, supervisor.PoolConfig{
		Command:           cfg.AssistantCommand,
		Args:              cfg.AssistantArgs,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		DefaultTimeout:    cfg.ExecutionTimeout(),
		Retry:             errkind.RetryConfig{MaxAttempts: cfg.MaxRetries, DelayMs: cfg.RetryDelayMs},
		PoolSize:          cfg.InstancePoolSize,
	}, logger, metrics)

	sched := scheduler.New(repos, sup, logger)

	rollup := telemetry.NewRollup(repos, logger, 0)
	go rollup.Run(ctx)
	go reportPoolStats(ctx, st, metrics)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsServer.Close()
		}()
	}

	srv := transport.New(repos, st, sched, logger, cfg, Version)
	logger.Info("serving tool surface over stdio")
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

func reportPoolStats(ctx context.Context, st *store.Store, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetStorePoolBusy(st.Stats().Busy)
		}
	}
}
