package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"

	"github.com/gatewayshift/orchestrator/pkg/api"
	"github.com/gatewayshift/orchestrator/pkg/audit"
	"github.com/gatewayshift/orchestrator/pkg/authz"
	"github.com/gatewayshift/orchestrator/pkg/cache"
	"github.com/gatewayshift/orchestrator/pkg/config"
	"github.com/gatewayshift/orchestrator/pkg/discovery"
	"github.com/gatewayshift/orchestrator/pkg/gateway"
	"github.com/gatewayshift/orchestrator/pkg/metrics"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
	"github.com/gatewayshift/orchestrator/pkg/rollback"
)

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildDeps(ctx context.Context, cfg *config.Config, db *gorm.DB, logger *slog.Logger) (orchestrator.Deps, error) {
	policies, err := cfg.LoadPolicies()
	if err != nil {
		return orchestrator.Deps{}, err
	}
	src, err := buildMetrics(cfg.Metrics, logger)
	if err != nil {
		return orchestrator.Deps{}, err
	}
	disc, err := buildDiscovery(cfg.Discovery, logger)
	if err != nil {
		return orchestrator.Deps{}, err
	}
	sink, err := buildArchive(ctx, cfg.Archive)
	if err != nil {
		return orchestrator.Deps{}, err
	}

	deps := orchestrator.Deps{
		DB:         db,
		Policies:   policies,
		Translator: gateway.NewRouteTranslator(cfg.Translator),
		DataPlane:  gateway.NewMemoryDataPlane(logger),
		Metrics:    src,
		Alerter:    rollback.LogAlerter{Logger: logger},
	}
	// Leave interface fields nil rather than holding typed nil pointers.
	if disc != nil {
		deps.Discovery = disc
	}
	if sink != nil {
		deps.Archive = sink
	}
	return deps, nil
}

func buildMetrics(cfg config.MetricsConfig, logger *slog.Logger) (metrics.Source, error) {
	switch cfg.Source {
	case "prometheus":
		src, err := metrics.NewPrometheusSource(cfg.Prometheus, logger)
		if err != nil {
			return nil, fmt.Errorf("create prometheus metrics source: %w", err)
		}
		logger.Info("using prometheus metrics", "address", cfg.Prometheus.Address)
		return src, nil
	case "static", "":
		logger.Warn("using static metrics source; canary evaluations will hold until metrics are set")
		return metrics.NewStaticSource(), nil
	}
	return nil, fmt.Errorf("unknown metrics source %q (expected static or prometheus)", cfg.Source)
}

// buildDiscovery returns nil when no source is configured.
func buildDiscovery(cfg config.DiscoveryConfig, logger *slog.Logger) (*discovery.Multi, error) {
	var sources []discovery.Source
	if cfg.File.Dir != "" {
		sources = append(sources, &discovery.FileSource{Dir: cfg.File.Dir, Pattern: cfg.File.Pattern})
		logger.Info("using file discovery", "dir", cfg.File.Dir)
	}
	if cfg.Git.URL != "" {
		gs, err := discovery.NewGitSource(cfg.Git, logger)
		if err != nil {
			return nil, fmt.Errorf("create git discovery source: %w", err)
		}
		sources = append(sources, gs)
		logger.Info("using git discovery", "url", cfg.Git.URL, "branch", cfg.Git.Branch)
	}
	if len(sources) == 0 {
		return nil, nil
	}
	if cfg.Cache.Enabled {
		c := cache.NewDiscovery(cfg.Cache, logger)
		for i, src := range sources {
			sources[i] = c.Wrap(src)
		}
	}
	return &discovery.Multi{Sources: sources, Logger: logger}, nil
}

// buildArchive returns nil when archiving is disabled.
func buildArchive(ctx context.Context, cfg audit.ArchiveConfig) (audit.Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Driver {
	case "s3":
		sink, err := audit.NewS3Sink(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("create s3 archive: %w", err)
		}
		return sink, nil
	case "file", "":
		return &audit.FileSink{Dir: cfg.Dir}, nil
	}
	return nil, fmt.Errorf("unknown archive driver %q (expected file or s3)", cfg.Driver)
}

func archiveWorker(cfg *config.Config, orch *orchestrator.Orchestrator, logger *slog.Logger) *audit.ArchiveWorker {
	exp := orch.Exporter()
	if exp == nil || !cfg.Archive.Enabled || cfg.Archive.Interval <= 0 {
		return nil
	}
	return audit.NewArchiveWorker(exp, cfg.Archive.Interval, logger, audit.WithSettle(cfg.Archive.Settle))
}

// buildAuthorizer returns nil unless SubjectAccessReview authorization is
// configured. newClient is only called in sar mode.
func buildAuthorizer(cfg api.AuthConfig, newClient func() (kubernetes.Interface, error)) (authz.Authorizer, error) {
	mode := authz.AuthzMode(cfg.Authorizer)
	if mode != authz.AuthzModeSAR {
		return authz.New(mode, nil, 0)
	}
	client, err := newClient()
	if err != nil {
		return nil, fmt.Errorf("sar authorizer: %w", err)
	}
	return authz.New(mode, client, cfg.AuthorizerCacheTTL)
}
