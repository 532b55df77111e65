// Package config loads the orchestrator server's configuration from an
// optional YAML file and ORCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gatewayshift/orchestrator/pkg/api"
	"github.com/gatewayshift/orchestrator/pkg/audit"
	"github.com/gatewayshift/orchestrator/pkg/cache"
	"github.com/gatewayshift/orchestrator/pkg/datastore"
	"github.com/gatewayshift/orchestrator/pkg/discovery"
	"github.com/gatewayshift/orchestrator/pkg/gateway"
	"github.com/gatewayshift/orchestrator/pkg/ha"
	"github.com/gatewayshift/orchestrator/pkg/metrics"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
	"github.com/gatewayshift/orchestrator/pkg/policy"
	"github.com/gatewayshift/orchestrator/pkg/scheduler"
)

// EnvPrefix prefixes every environment variable, e.g. ORCH_DATABASE_DSN.
const EnvPrefix = "ORCH"

// Config is the complete server configuration.
type Config struct {
	Server       ServerConfig             `mapstructure:"server"`
	Log          LogConfig                `mapstructure:"log"`
	Database     datastore.Config         `mapstructure:"database"`
	Orchestrator orchestrator.Config      `mapstructure:"orchestrator"`
	Scheduler    scheduler.Config         `mapstructure:"scheduler"`
	HA           ha.HAConfig              `mapstructure:"ha"`
	Translator   gateway.TranslatorConfig `mapstructure:"translator"`
	Metrics      MetricsConfig            `mapstructure:"metrics"`
	Discovery    DiscoveryConfig          `mapstructure:"discovery"`
	Archive      audit.ArchiveConfig      `mapstructure:"archive"`
	Auth         api.AuthConfig           `mapstructure:"auth"`
	Policies     PoliciesConfig           `mapstructure:"policies"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" validate:"required"`
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout" validate:"gt=0"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// MetricsConfig selects where comparison metrics come from.
type MetricsConfig struct {
	Source     string                   `mapstructure:"source" validate:"oneof=static prometheus"`
	Prometheus metrics.PrometheusConfig `mapstructure:"prometheus"`
}

// DiscoveryConfig selects the discovery sources. Both may be set; their
// results are merged.
type DiscoveryConfig struct {
	File  FileDiscoveryConfig `mapstructure:"file"`
	Git   discovery.GitConfig `mapstructure:"git"`
	Cache cache.Config        `mapstructure:"cache"`
}

// FileDiscoveryConfig points at a directory of inventory documents.
type FileDiscoveryConfig struct {
	Dir     string `mapstructure:"dir"`
	Pattern string `mapstructure:"pattern"`
}

// PoliciesConfig locates the risk policy document.
type PoliciesConfig struct {
	File string `mapstructure:"file"`
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"listen":     "server.listen",
	"db-type":    "database.type",
	"db-dsn":     "database.dsn",
	"log-level":  "log.level",
	"log-format": "log.format",
	"policies":   "policies.file",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.shutdownTimeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.type", datastore.TypeSQLite)
	v.SetDefault("database.dsn", "file:orchestrator.db?_pragma=busy_timeout(5000)")
	v.SetDefault("database.maxOpenConns", 10)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.connMaxLifetime", 30*time.Minute)
	v.SetDefault("database.logQueries", false)

	orch := orchestrator.DefaultConfig()
	v.SetDefault("orchestrator.leaseTTL", orch.LeaseTTL)
	v.SetDefault("orchestrator.lockWait", orch.LockWait)

	sched := scheduler.DefaultConfig()
	v.SetDefault("scheduler.enabled", sched.Enabled)
	v.SetDefault("scheduler.interval", sched.Interval)
	v.SetDefault("scheduler.concurrency", sched.Concurrency)
	v.SetDefault("scheduler.actor", sched.Actor)

	hac := ha.DefaultHAConfig()
	v.SetDefault("ha.leaderElection", hac.LeaderElectionEnabled)
	v.SetDefault("ha.leaseName", hac.LeaseName)
	v.SetDefault("ha.leaseNamespace", hac.LeaseNamespace)
	v.SetDefault("ha.leaseDuration", hac.LeaseDuration)
	v.SetDefault("ha.renewDeadline", hac.RenewDeadline)
	v.SetDefault("ha.retryPeriod", hac.RetryPeriod)
	v.SetDefault("ha.migrationLock", hac.MigrationLockEnabled)
	v.SetDefault("ha.identity", hac.Identity)

	tr := gateway.DefaultTranslatorConfig()
	v.SetDefault("translator.namespace", tr.Namespace)
	v.SetDefault("translator.domainSuffix", tr.DomainSuffix)
	v.SetDefault("translator.legacyHost", tr.LegacyHost)

	prom := metrics.DefaultPrometheusConfig()
	v.SetDefault("metrics.source", "static")
	v.SetDefault("metrics.prometheus.address", "")
	v.SetDefault("metrics.prometheus.baselineBackend", prom.BaselineBackend)
	v.SetDefault("metrics.prometheus.candidateBackend", prom.CandidateBackend)
	v.SetDefault("metrics.prometheus.timeout", prom.Timeout)
	v.SetDefault("metrics.prometheus.queriesPerSecond", prom.QueriesPerSecond)
	v.SetDefault("metrics.prometheus.queries.errorRate", prom.Queries.ErrorRate)
	v.SetDefault("metrics.prometheus.queries.p95LatencyMs", prom.Queries.P95LatencyMs)
	v.SetDefault("metrics.prometheus.queries.requestCount", prom.Queries.RequestCount)

	v.SetDefault("discovery.file.dir", "")
	v.SetDefault("discovery.file.pattern", "")
	v.SetDefault("discovery.git.url", "")
	v.SetDefault("discovery.git.branch", "main")
	v.SetDefault("discovery.git.path", "")
	v.SetDefault("discovery.git.authToken", "")
	dc := cache.DefaultConfig()
	v.SetDefault("discovery.cache.enabled", dc.Enabled)
	v.SetDefault("discovery.cache.ttl", dc.TTL)
	v.SetDefault("discovery.cache.maxSize", dc.MaxSize)

	arc := audit.DefaultArchiveConfig()
	v.SetDefault("archive.enabled", arc.Enabled)
	v.SetDefault("archive.driver", arc.Driver)
	v.SetDefault("archive.dir", arc.Dir)
	v.SetDefault("archive.interval", arc.Interval)
	v.SetDefault("archive.settle", arc.Settle)
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.pathStyle", false)

	auth := api.DefaultAuthConfig()
	v.SetDefault("auth.mode", auth.Mode)
	v.SetDefault("auth.publicKeyPath", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.principalClaim", auth.PrincipalClaim)
	v.SetDefault("auth.teamClaim", auth.TeamClaim)
	v.SetDefault("auth.roleClaim", auth.RoleClaim)
	v.SetDefault("auth.adminRole", auth.AdminRole)
	v.SetDefault("auth.authorizer", auth.Authorizer)
	v.SetDefault("auth.authorizerCacheTTL", auth.AuthorizerCacheTTL)

	v.SetDefault("policies.file", "")
}

// Load reads the configuration. path may be empty; flags may be nil. Flags
// that were set on the command line win over the environment, which wins
// over the file, which wins over the defaults.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the combinations between them.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	if c.Metrics.Source == "prometheus" && c.Metrics.Prometheus.Address == "" {
		errs = append(errs, errors.New("metrics.prometheus.address is required when metrics.source is prometheus"))
	}
	if c.Archive.Enabled && c.Archive.Driver == "s3" && c.Archive.S3.Bucket == "" {
		errs = append(errs, errors.New("archive.s3.bucket is required for the s3 archive"))
	}
	if c.Archive.Enabled && c.Archive.Driver == "file" && c.Archive.Dir == "" {
		errs = append(errs, errors.New("archive.dir is required for the file archive"))
	}
	if c.Auth.Mode == api.AuthJWT && c.Auth.PrincipalClaim == "" {
		errs = append(errs, errors.New("auth.principalClaim is required in jwt mode"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LoadPolicies returns the risk policies named by the configuration, or the
// built-in defaults.
func (c *Config) LoadPolicies() (*policy.Set, error) {
	return policy.Load(c.Policies.File)
}

// Enabled reports whether any discovery source is configured.
func (c *DiscoveryConfig) Enabled() bool {
	return c.File.Dir != "" || c.Git.URL != ""
}
