// Package ha lets several orchestrator replicas share one database: schema
// migrations are serialised and only the elected replica runs the periodic
// evaluation loop.
package ha

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// HAConfig holds configuration for high-availability features.
type HAConfig struct {
	// LeaderElectionEnabled turns on Kubernetes Lease-based leader election.
	// When false the instance acts as the sole leader.
	LeaderElectionEnabled bool `mapstructure:"leaderElection"`

	// LeaseName is the name of the Lease resource.
	LeaseName string `mapstructure:"leaseName" validate:"required_if=LeaderElectionEnabled true"`

	// LeaseNamespace is the namespace of the Lease resource.
	LeaseNamespace string `mapstructure:"leaseNamespace" validate:"required_if=LeaderElectionEnabled true"`

	// LeaseDuration is how long non-leaders wait before trying to take the
	// lease.
	LeaseDuration time.Duration `mapstructure:"leaseDuration" validate:"gt=0"`

	// RenewDeadline is how long the leader retries refreshing the lease
	// before giving up.
	RenewDeadline time.Duration `mapstructure:"renewDeadline" validate:"gt=0,ltfield=LeaseDuration"`

	RetryPeriod time.Duration `mapstructure:"retryPeriod" validate:"gt=0"`

	// MigrationLockEnabled serialises AutoMigrate across replicas.
	MigrationLockEnabled bool `mapstructure:"migrationLock"`

	// Identity is this replica's name in the election. Defaults to POD_NAME
	// or the hostname.
	Identity string `mapstructure:"identity"`
}

// DefaultHAConfig returns an HAConfig with sensible defaults.
func DefaultHAConfig() *HAConfig {
	ns := os.Getenv("POD_NAMESPACE")
	if ns == "" {
		ns = "gateway-migration"
	}
	return &HAConfig{
		LeaderElectionEnabled: false,
		LeaseName:             "orchestrator-scheduler-leader",
		LeaseNamespace:        ns,
		LeaseDuration:         15 * time.Second,
		RenewDeadline:         10 * time.Second,
		RetryPeriod:           2 * time.Second,
		MigrationLockEnabled:  true,
		Identity:              defaultIdentity(),
	}
}

// HAConfigFromEnv reads HA configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - ORCH_HA_LEADER_ELECTION: "true" or "false" (default: "false")
//   - ORCH_HA_LEASE_NAME: Lease resource name (default: "orchestrator-scheduler-leader")
//   - ORCH_HA_LEASE_NAMESPACE: Lease namespace (default from POD_NAMESPACE or "gateway-migration")
//   - ORCH_HA_LEASE_DURATION: seconds (default: 15)
//   - ORCH_HA_RENEW_DEADLINE: seconds (default: 10)
//   - ORCH_HA_RETRY_PERIOD: seconds (default: 2)
//   - ORCH_HA_MIGRATION_LOCK: "true" or "false" (default: "true")
//   - POD_NAME: identity in the election
func HAConfigFromEnv() *HAConfig {
	cfg := DefaultHAConfig()

	if v := os.Getenv("ORCH_HA_LEADER_ELECTION"); v != "" {
		cfg.LeaderElectionEnabled = truthy(v)
	}
	if v := os.Getenv("ORCH_HA_LEASE_NAME"); v != "" {
		cfg.LeaseName = v
	}
	if v := os.Getenv("ORCH_HA_LEASE_NAMESPACE"); v != "" {
		cfg.LeaseNamespace = v
	}
	if d, ok := seconds("ORCH_HA_LEASE_DURATION"); ok {
		cfg.LeaseDuration = d
	}
	if d, ok := seconds("ORCH_HA_RENEW_DEADLINE"); ok {
		cfg.RenewDeadline = d
	}
	if d, ok := seconds("ORCH_HA_RETRY_PERIOD"); ok {
		cfg.RetryPeriod = d
	}
	if v := os.Getenv("ORCH_HA_MIGRATION_LOCK"); v != "" {
		cfg.MigrationLockEnabled = truthy(v)
	}
	if v := os.Getenv("POD_NAME"); v != "" {
		cfg.Identity = v
	}

	return cfg
}

func truthy(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func seconds(key string) (time.Duration, bool) {
	secs, err := strconv.Atoi(os.Getenv(key))
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
