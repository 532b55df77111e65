package ha

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHAConfig() *HAConfig {
	return &HAConfig{
		LeaderElectionEnabled: true,
		LeaseName:             "test-lease",
		LeaseNamespace:        "default",
		LeaseDuration:         15 * time.Second,
		RenewDeadline:         10 * time.Second,
		RetryPeriod:           2 * time.Second,
	}
}

func TestLeaderElector_IsLeaderDefault(t *testing.T) {
	le := NewLeaderElector(testHAConfig(), nil, "test-pod", slog.Default())
	assert.False(t, le.IsLeader())
}

func TestLeaderElector_Callbacks(t *testing.T) {
	le := NewLeaderElector(testHAConfig(), nil, "test-pod", slog.Default())

	var started, stopped bool
	le.OnStartLeading(func(ctx context.Context) {
		started = true
		assert.True(t, le.IsLeader(), "leader flag is set before the callback runs")
	})
	le.OnStopLeading(func() { stopped = true })

	// client-go drives these; call them directly without a cluster.
	cb := le.callbacks()
	cb.OnStartedLeading(context.Background())
	assert.True(t, started)
	assert.True(t, le.IsLeader())

	cb.OnNewLeader("other-pod")
	cb.OnStoppedLeading()
	assert.True(t, stopped)
	assert.False(t, le.IsLeader())
}

func TestLeaderElector_NilCallbacks(t *testing.T) {
	le := NewLeaderElector(testHAConfig(), nil, "test-pod", nil)
	require.NotNil(t, le.logger, "logger should default to slog.Default()")

	cb := le.callbacks()
	assert.NotPanics(t, func() {
		cb.OnStartedLeading(context.Background())
		cb.OnStoppedLeading()
	})
}

func TestRunAsLeader_DisabledRunsImmediately(t *testing.T) {
	cfg := testHAConfig()
	cfg.LeaderElectionEnabled = false

	ran := false
	err := RunAsLeader(context.Background(), cfg, nil, nil, func(context.Context) { ran = true })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunAsLeader_OutsideCluster(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("KUBERNETES_SERVICE_PORT", "")

	err := RunAsLeader(context.Background(), testHAConfig(), nil, nil, func(context.Context) {
		t.Error("fn must not run without an election")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in-cluster")
}
