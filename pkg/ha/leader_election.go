package ha

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// LeaderElector runs Kubernetes Lease-based leader election so that the
// periodic evaluation loop runs on one replica at a time. Correctness never
// depends on it: every mutation is fenced by the API's lock.
type LeaderElector struct {
	config   *HAConfig
	client   kubernetes.Interface
	identity string
	isLeader bool
	mu       sync.RWMutex
	logger   *slog.Logger
	onStart  func(ctx context.Context)
	onStop   func()
}

// NewLeaderElector creates a new LeaderElector. The identity should be unique
// per replica (typically the pod name or hostname).
func NewLeaderElector(cfg *HAConfig, client kubernetes.Interface, identity string, logger *slog.Logger) *LeaderElector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderElector{
		config:   cfg,
		client:   client,
		identity: identity,
		logger:   logger,
	}
}

// OnStartLeading registers a callback invoked when this instance becomes leader.
// The provided context is cancelled when leadership is lost.
func (le *LeaderElector) OnStartLeading(fn func(ctx context.Context)) {
	le.onStart = fn
}

// OnStopLeading registers a callback invoked when this instance loses leadership.
func (le *LeaderElector) OnStopLeading(fn func()) {
	le.onStop = fn
}

// IsLeader returns true if this instance is the current leader.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

func (le *LeaderElector) setLeader(v bool) {
	le.mu.Lock()
	le.isLeader = v
	le.mu.Unlock()
}

func (le *LeaderElector) callbacks() leaderelection.LeaderCallbacks {
	return leaderelection.LeaderCallbacks{
		OnStartedLeading: func(ctx context.Context) {
			le.setLeader(true)
			le.logger.Info("elected as leader", "identity", le.identity)
			if le.onStart != nil {
				le.onStart(ctx)
			}
		},
		OnStoppedLeading: func() {
			le.setLeader(false)
			le.logger.Info("lost leadership", "identity", le.identity)
			if le.onStop != nil {
				le.onStop()
			}
		},
		OnNewLeader: func(identity string) {
			if identity != le.identity {
				le.logger.Info("new leader elected", "leader", identity)
			}
		},
	}
}

// Run starts leader election and blocks until ctx is cancelled.
func (le *LeaderElector) Run(ctx context.Context) {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      le.config.LeaseName,
			Namespace: le.config.LeaseNamespace,
		},
		Client: le.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: le.identity,
		},
	}

	le.logger.Info("starting leader election",
		"identity", le.identity,
		"lease", le.config.LeaseName,
		"namespace", le.config.LeaseNamespace,
		"leaseDuration", le.config.LeaseDuration,
		"renewDeadline", le.config.RenewDeadline,
		"retryPeriod", le.config.RetryPeriod,
	)

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   le.config.LeaseDuration,
		RenewDeadline:   le.config.RenewDeadline,
		RetryPeriod:     le.config.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks:       le.callbacks(),
	})
}

// RunAsLeader calls fn once this replica leads. Without leader election fn
// runs straight away. With it, fn is re-run every time leadership is won
// until ctx is cancelled; its context ends when leadership is lost.
func RunAsLeader(ctx context.Context, cfg *HAConfig, client kubernetes.Interface, logger *slog.Logger, fn func(ctx context.Context)) error {
	if !cfg.LeaderElectionEnabled {
		fn(ctx)
		return nil
	}
	if client == nil {
		var err error
		if client, err = InClusterClient(); err != nil {
			return err
		}
	}
	le := NewLeaderElector(cfg, client, cfg.Identity, logger)
	le.OnStartLeading(fn)
	for ctx.Err() == nil {
		le.Run(ctx)
	}
	return nil
}

// InClusterClient builds a clientset from the pod's service account.
func InClusterClient() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster kubernetes config (is the orchestrator running in a pod?): %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes clientset: %w", err)
	}
	return clientset, nil
}
