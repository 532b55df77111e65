package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
	"github.com/gatewayshift/orchestrator/pkg/traffic"
)

type fakeAdvancer struct {
	mu       sync.Mutex
	ids      []string
	listErr  error
	outcomes map[string]traffic.Kind
	errs     map[string]error
	calls    []orchestrator.Caller
	inFlight int
	peak     int
}

func (f *fakeAdvancer) ShiftingAPIs(context.Context) ([]string, error) {
	return f.ids, f.listErr
}

func (f *fakeAdvancer) Advance(_ context.Context, c orchestrator.Caller, apiID string) (*orchestrator.AdvanceResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if err := f.errs[apiID]; err != nil {
		return nil, err
	}
	return &orchestrator.AdvanceResult{Outcome: traffic.Outcome{Kind: f.outcomes[apiID]}}, nil
}

func TestRunOnceCountsOutcomes(t *testing.T) {
	f := &fakeAdvancer{
		ids: []string{"a", "b", "c", "d", "e"},
		outcomes: map[string]traffic.Kind{
			"a": traffic.Advanced,
			"b": traffic.Held,
			"c": traffic.RolledBack,
		},
		errs: map[string]error{
			"d": &lock.BusyError{Key: "api:d", Holder: "alice"},
			"e": errors.New("db down"),
		},
	}
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	s := New(f, cfg, nil)

	pass, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, pass.Evaluated)
	assert.Equal(t, 1, pass.Advanced)
	assert.Equal(t, 1, pass.Held)
	assert.Equal(t, 1, pass.RolledBack)
	assert.Equal(t, 1, pass.Busy)
	assert.Equal(t, 1, pass.Errors)
	assert.LessOrEqual(t, f.peak, 2)

	require.Len(t, f.calls, 5)
	for _, c := range f.calls {
		assert.Equal(t, "scheduler", c.Actor)
		assert.Equal(t, pass.CorrelationID, c.CorrelationID)
	}
}

func TestRunOnceListFailure(t *testing.T) {
	f := &fakeAdvancer{listErr: errors.New("no database")}
	_, err := New(f, DefaultConfig(), nil).RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	f := &fakeAdvancer{ids: []string{"a"}, outcomes: map[string]traffic.Kind{"a": traffic.Held}}
	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	s := New(f, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.calls) >= 2
	}, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	f := &fakeAdvancer{}
	New(f, cfg, nil).Run(context.Background())
	assert.Empty(t, f.calls)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ORCH_SCHEDULER_ENABLED", "false")
	t.Setenv("ORCH_SCHEDULER_INTERVAL_SECONDS", "30")
	t.Setenv("ORCH_SCHEDULER_CONCURRENCY", "8")
	t.Setenv("ORCH_SCHEDULER_ACTOR", "cron")

	cfg := ConfigFromEnv()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, "cron", cfg.Actor)

	t.Setenv("ORCH_SCHEDULER_CONCURRENCY", "-1")
	assert.Equal(t, 4, ConfigFromEnv().Concurrency)
}
