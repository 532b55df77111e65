// Package main is the migration orchestrator server. It serves the HTTP API,
// runs the periodic evaluation scheduler on the elected replica and, when
// configured, archives the audit trail.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gatewayshift/orchestrator/pkg/api"
	"github.com/gatewayshift/orchestrator/pkg/config"
	"github.com/gatewayshift/orchestrator/pkg/datastore"
	"github.com/gatewayshift/orchestrator/pkg/ha"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
	"github.com/gatewayshift/orchestrator/pkg/scheduler"
)

var version = "dev"

func main() {
	// glog is only used for fatal startup errors.
	_ = flag.Set("logtostderr", "true")

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Gateway migration orchestrator server",
		Long: `orchestrator moves APIs from legacy gateways to the new gateway.

It plans and validates migrations, mirrors traffic, shifts it through
risk-based canary phases and rolls back automatically when the new gateway
misbehaves. Configuration comes from an optional YAML file and ORCH_*
environment variables; flags win over both.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", os.Getenv("ORCH_CONFIG"), "Path to the YAML configuration file")
	cmd.Flags().String("listen", "", "Address to listen on")
	cmd.Flags().String("db-type", "", "Database type (sqlite, postgres or mysql)")
	cmd.Flags().String("db-dsn", "", "Database connection string")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "", "Log format (text or json)")
	cmd.Flags().String("policies", "", "Path to the risk policy document")
	return cmd
}

func run(cfg *config.Config) error {
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		"version", version,
		"listen", cfg.Server.Listen,
		"database", cfg.Database.Type,
		"metrics", cfg.Metrics.Source,
		"auth", cfg.Auth.Mode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := datastore.Open(cfg.Database)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	deps, err := buildDeps(ctx, cfg, db, logger)
	if err != nil {
		glog.Fatalf("Failed to build components: %v", err)
	}

	orch, err := orchestrator.New(deps,
		orchestrator.WithLogger(logger),
		orchestrator.WithConfig(cfg.Orchestrator),
	)
	if err != nil {
		glog.Fatalf("Failed to create orchestrator: %v", err)
	}

	if err := ha.Migrate(ctx, &cfg.HA, db, orch.AutoMigrate); err != nil {
		glog.Fatalf("Failed to migrate schema: %v", err)
	}

	authorizer, err := buildAuthorizer(cfg.Auth, ha.InClusterClient)
	if err != nil {
		glog.Fatalf("Failed to build authorizer: %v", err)
	}
	router, err := api.NewRouter(orch, api.Config{
		Auth:           cfg.Auth,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Authorizer:     authorizer,
	}, logger)
	if err != nil {
		glog.Fatalf("Failed to build router: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("orchestrator ready", "listen", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(orch, cfg.Scheduler, logger)
		g.Go(func() error {
			return ha.RunAsLeader(gctx, &cfg.HA, nil, logger, sched.Run)
		})
	}

	if worker := archiveWorker(cfg, orch, logger); worker != nil {
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("orchestrator stopped with error", "error", err)
		return err
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("orchestrator stopped")
	return nil
}
