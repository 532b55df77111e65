package ha

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var haEnvKeys = []string{
	"ORCH_HA_LEADER_ELECTION",
	"ORCH_HA_LEASE_NAME",
	"ORCH_HA_LEASE_NAMESPACE",
	"ORCH_HA_LEASE_DURATION",
	"ORCH_HA_RENEW_DEADLINE",
	"ORCH_HA_RETRY_PERIOD",
	"ORCH_HA_MIGRATION_LOCK",
	"POD_NAME",
	"POD_NAMESPACE",
}

func clearHAEnv(t *testing.T) {
	t.Helper()
	for _, key := range haEnvKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestDefaultHAConfig(t *testing.T) {
	clearHAEnv(t)

	cfg := DefaultHAConfig()

	assert.False(t, cfg.LeaderElectionEnabled)
	assert.Equal(t, "orchestrator-scheduler-leader", cfg.LeaseName)
	assert.Equal(t, "gateway-migration", cfg.LeaseNamespace)
	assert.Equal(t, 15*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 10*time.Second, cfg.RenewDeadline)
	assert.Equal(t, 2*time.Second, cfg.RetryPeriod)
	assert.True(t, cfg.MigrationLockEnabled)
	assert.NotEmpty(t, cfg.Identity)
}

func TestDefaultHAConfig_PodEnv(t *testing.T) {
	clearHAEnv(t)
	t.Setenv("POD_NAMESPACE", "migrations-prod")
	t.Setenv("POD_NAME", "orchestrator-7d9f-abc")

	cfg := DefaultHAConfig()
	assert.Equal(t, "migrations-prod", cfg.LeaseNamespace)
	assert.Equal(t, "orchestrator-7d9f-abc", cfg.Identity)
}

func TestHAConfigFromEnv(t *testing.T) {
	tests := []struct {
		name  string
		envs  map[string]string
		check func(t *testing.T, cfg *HAConfig)
	}{
		{
			name: "defaults when no env vars set",
			envs: map[string]string{},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.False(t, cfg.LeaderElectionEnabled)
				assert.Equal(t, "orchestrator-scheduler-leader", cfg.LeaseName)
			},
		},
		{
			name: "enabled via true",
			envs: map[string]string{"ORCH_HA_LEADER_ELECTION": "TRUE"},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.True(t, cfg.LeaderElectionEnabled)
			},
		},
		{
			name: "enabled via 1",
			envs: map[string]string{"ORCH_HA_LEADER_ELECTION": "1"},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.True(t, cfg.LeaderElectionEnabled)
			},
		},
		{
			name: "lease location",
			envs: map[string]string{
				"ORCH_HA_LEASE_NAME":      "my-lease",
				"ORCH_HA_LEASE_NAMESPACE": "prod",
			},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.Equal(t, "my-lease", cfg.LeaseName)
				assert.Equal(t, "prod", cfg.LeaseNamespace)
			},
		},
		{
			name: "custom durations",
			envs: map[string]string{
				"ORCH_HA_LEASE_DURATION": "30",
				"ORCH_HA_RENEW_DEADLINE": "20",
				"ORCH_HA_RETRY_PERIOD":   "5",
			},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.Equal(t, 30*time.Second, cfg.LeaseDuration)
				assert.Equal(t, 20*time.Second, cfg.RenewDeadline)
				assert.Equal(t, 5*time.Second, cfg.RetryPeriod)
			},
		},
		{
			name: "invalid durations keep defaults",
			envs: map[string]string{
				"ORCH_HA_LEASE_DURATION": "soon",
				"ORCH_HA_RETRY_PERIOD":   "-3",
			},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.Equal(t, 15*time.Second, cfg.LeaseDuration)
				assert.Equal(t, 2*time.Second, cfg.RetryPeriod)
			},
		},
		{
			name: "migration lock disabled",
			envs: map[string]string{"ORCH_HA_MIGRATION_LOCK": "false"},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.False(t, cfg.MigrationLockEnabled)
			},
		},
		{
			name: "pod name as identity",
			envs: map[string]string{"POD_NAME": "pod-xyz"},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.Equal(t, "pod-xyz", cfg.Identity)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearHAEnv(t)
			for k, v := range tt.envs {
				t.Setenv(k, v)
			}
			tt.check(t, HAConfigFromEnv())
		})
	}
}
