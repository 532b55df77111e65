package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"golang.org/x/time/rate"
)

// Placeholders substituted into query templates.
const (
	PlaceholderAPI     = "{{api}}"
	PlaceholderBackend = "{{backend}}"
	PlaceholderWindow  = "{{window}}"
)

// Queries are PromQL templates, each evaluated once per backend.
type Queries struct {
	ErrorRate    string `mapstructure:"errorRate" yaml:"errorRate"`
	P95LatencyMs string `mapstructure:"p95LatencyMs" yaml:"p95LatencyMs"`
	RequestCount string `mapstructure:"requestCount" yaml:"requestCount"`
}

// DefaultQueries assume request metrics labelled with api and backend.
func DefaultQueries() Queries {
	return Queries{
		ErrorRate:    `sum(rate(gateway_requests_total{api="{{api}}",backend="{{backend}}",code=~"5.."}[{{window}}])) / sum(rate(gateway_requests_total{api="{{api}}",backend="{{backend}}"}[{{window}}]))`,
		P95LatencyMs: `1000 * histogram_quantile(0.95, sum by (le) (rate(gateway_request_duration_seconds_bucket{api="{{api}}",backend="{{backend}}"}[{{window}}])))`,
		RequestCount: `sum(increase(gateway_requests_total{api="{{api}}",backend="{{backend}}"}[{{window}}]))`,
	}
}

// PrometheusConfig configures PrometheusSource.
type PrometheusConfig struct {
	Address          string        `mapstructure:"address"`
	BaselineBackend  string        `mapstructure:"baselineBackend"`
	CandidateBackend string        `mapstructure:"candidateBackend"`
	Timeout          time.Duration `mapstructure:"timeout"`
	QueriesPerSecond float64       `mapstructure:"queriesPerSecond"`
	Queries          Queries       `mapstructure:"queries"`
}

// DefaultPrometheusConfig returns defaults for everything but the address.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		BaselineBackend:  "legacy",
		CandidateBackend: "candidate",
		Timeout:          10 * time.Second,
		QueriesPerSecond: 20,
		Queries:          DefaultQueries(),
	}
}

// PrometheusSource computes comparisons with instant queries against the
// Prometheus HTTP API. Every failure, empty result or NaN is reported as
// ErrUnavailable.
type PrometheusSource struct {
	api     promv1.API
	cfg     PrometheusConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewPrometheusSource creates a source for the Prometheus at cfg.Address.
func NewPrometheusSource(cfg PrometheusConfig, logger *slog.Logger) (*PrometheusSource, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("prometheus address is required")
	}
	defaults := DefaultPrometheusConfig()
	if cfg.BaselineBackend == "" {
		cfg.BaselineBackend = defaults.BaselineBackend
	}
	if cfg.CandidateBackend == "" {
		cfg.CandidateBackend = defaults.CandidateBackend
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.QueriesPerSecond <= 0 {
		cfg.QueriesPerSecond = defaults.QueriesPerSecond
	}
	if cfg.Queries == (Queries{}) {
		cfg.Queries = defaults.Queries
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return &PrometheusSource{
		api:     promv1.NewAPI(client),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), int(math.Max(1, cfg.QueriesPerSecond))),
		logger:  logger,
	}, nil
}

// ComparisonMetrics implements Source.
func (p *PrometheusSource) ComparisonMetrics(ctx context.Context, apiID string, start, end time.Time) (*Comparison, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("%w: empty window", ErrUnavailable)
	}
	window := model.Duration(end.Sub(start)).String()

	baseline, err := p.sample(ctx, apiID, p.cfg.BaselineBackend, window, end)
	if err != nil {
		return nil, err
	}
	candidate, err := p.sample(ctx, apiID, p.cfg.CandidateBackend, window, end)
	if err != nil {
		return nil, err
	}
	return &Comparison{Baseline: baseline, Candidate: candidate, WindowStart: start, WindowEnd: end}, nil
}

func (p *PrometheusSource) sample(ctx context.Context, apiID, backend, window string, at time.Time) (Sample, error) {
	var s Sample
	var err error
	if s.ErrorRate, err = p.scalar(ctx, p.cfg.Queries.ErrorRate, apiID, backend, window, at); err != nil {
		return Sample{}, err
	}
	if s.P95LatencyMs, err = p.scalar(ctx, p.cfg.Queries.P95LatencyMs, apiID, backend, window, at); err != nil {
		return Sample{}, err
	}
	count, err := p.scalar(ctx, p.cfg.Queries.RequestCount, apiID, backend, window, at)
	if err != nil {
		return Sample{}, err
	}
	s.RequestCount = int64(math.Round(count))
	return s, nil
}

func (p *PrometheusSource) scalar(ctx context.Context, tmpl, apiID, backend, window string, at time.Time) (float64, error) {
	query := strings.NewReplacer(
		PlaceholderAPI, apiID,
		PlaceholderBackend, backend,
		PlaceholderWindow, window,
	).Replace(tmpl)

	if err := p.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	qctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	value, warnings, err := p.api.Query(qctx, query, at)
	if err != nil {
		p.logger.Warn("prometheus query failed", "api", apiID, "backend", backend, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(warnings) > 0 {
		p.logger.Debug("prometheus query warnings", "api", apiID, "warnings", warnings)
	}

	var v float64
	switch typed := value.(type) {
	case model.Vector:
		if len(typed) == 0 {
			return 0, fmt.Errorf("%w: no samples for %s on %s", ErrUnavailable, apiID, backend)
		}
		v = float64(typed[0].Value)
	case *model.Scalar:
		v = float64(typed.Value)
	default:
		return 0, fmt.Errorf("%w: unexpected result type %T", ErrUnavailable, value)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite value for %s on %s", ErrUnavailable, apiID, backend)
	}
	return v, nil
}
