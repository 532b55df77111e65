// Package rollback executes the safety-override transition that returns all
// traffic for an API to the legacy gateway.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/metrics"
	"github.com/gatewayshift/orchestrator/pkg/migration"
	"github.com/gatewayshift/orchestrator/pkg/observability"
)

// AutoActor is the actor recorded for threshold-triggered rollbacks.
const AutoActor = "auto-threshold"

// Router moves traffic between the legacy and the new gateway.
type Router interface {
	SetWeight(ctx context.Context, apiID string, percent int) error
}

// Kind is the outcome of a rollback request.
type Kind string

const (
	RolledBack      Kind = "rolled-back"
	AlreadyTerminal Kind = "already-terminal"
)

// Result describes a completed rollback request.
type Result struct {
	Kind   Kind
	Record *migration.Record
	// Displaced is the lease the rollback preempted, if any.
	Displaced *lock.Lease
}

// Request asks for a rollback.
type Request struct {
	APIID   string
	Reason  string
	Actor   migration.Actor
	Metrics *metrics.Comparison
}

// ExecutionError is a rollback that could not be carried out. It always
// reaches the Alerter.
type ExecutionError struct {
	APIID  string
	Reason string
	// Step is where the rollback stopped: lock, dataplane or transition.
	Step string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("rollback of %s failed at %s: %v", e.APIID, e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Alerter is told about every failed rollback.
type Alerter interface {
	RollbackFailed(ctx context.Context, err *ExecutionError)
}

// LogAlerter logs failed rollbacks at error level and counts them.
type LogAlerter struct {
	Logger *slog.Logger
}

// RollbackFailed implements Alerter.
func (a LogAlerter) RollbackFailed(ctx context.Context, err *ExecutionError) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observability.RecordRollbackFailure()
	logger.ErrorContext(ctx, "ROLLBACK FAILED", "api", err.APIID, "step", err.Step, "reason", err.Reason, "error", err.Err)
}

// Manager performs rollbacks.
type Manager struct {
	machine *migration.Machine
	locks   *lock.Manager
	router  Router
	alerter Alerter
	ttl     time.Duration
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithAlerter replaces the default LogAlerter.
func WithAlerter(a Alerter) Option {
	return func(m *Manager) { m.alerter = a }
}

// WithLeaseTTL sets how long a preempted lease is held.
func WithLeaseTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager.
func NewManager(machine *migration.Machine, locks *lock.Manager, router Router, opts ...Option) *Manager {
	m := &Manager{machine: machine, locks: locks, router: router, ttl: 30 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	if m.alerter == nil {
		m.alerter = LogAlerter{Logger: m.logger}
	}
	return m
}

// Rollback returns an API to the legacy gateway. It proceeds even when
// another actor holds the API's lock: the lease is preempted, which bumps
// the fencing token so the displaced holder can no longer commit.
func (m *Manager) Rollback(ctx context.Context, req Request) (Result, error) {
	rec, err := m.machine.Current(ctx, req.APIID)
	if err != nil {
		return Result{}, err
	}
	if rec.Terminal() {
		return Result{Kind: AlreadyTerminal, Record: rec}, nil
	}
	if !rec.Stage.Shifting() {
		return Result{}, &migration.RejectedError{Reason: migration.RejectInvalidEdge, From: rec.Status(),
			Event: migration.EventRollback, Message: "no traffic has been shifted yet"}
	}

	lease, displaced, err := m.locks.Preempt(ctx, lock.KeyForAPI(req.APIID), holder(req.Actor), m.ttl)
	if err != nil {
		return Result{}, m.fail(ctx, req, "lock", err)
	}
	defer func() {
		if err := m.locks.Release(context.WithoutCancel(ctx), lease); err != nil && !errors.Is(err, lock.ErrNotHolder) {
			m.logger.Warn("release rollback lease", "api", req.APIID, "error", err)
		}
	}()

	res, err := m.rollback(ctx, lease, req, displaced)
	if err != nil {
		return Result{}, err
	}
	res.Displaced = displaced
	return res, nil
}

// RollbackHeld rolls back an API whose lock the caller already holds.
func (m *Manager) RollbackHeld(ctx context.Context, lease *lock.Lease, req Request) (Result, error) {
	return m.rollback(ctx, lease, req, nil)
}

func (m *Manager) rollback(ctx context.Context, lease *lock.Lease, req Request, displaced *lock.Lease) (Result, error) {
	details := map[string]any{}
	if displaced != nil {
		details["displacedHolder"] = displaced.Holder
		details["displacedToken"] = displaced.Token
	}

	// One re-read is allowed when the record moved under us, e.g. a
	// displaced holder that committed just before the preempt.
	for attempt := 0; ; attempt++ {
		rec, err := m.machine.Current(ctx, req.APIID)
		if err != nil {
			return Result{}, m.fail(ctx, req, "transition", err)
		}
		if rec.Terminal() {
			return Result{Kind: AlreadyTerminal, Record: rec}, nil
		}

		if err := m.router.SetWeight(ctx, req.APIID, 0); err != nil {
			return Result{}, m.fail(ctx, req, "dataplane", err)
		}

		next, err := m.machine.Transition(ctx, migration.Request{
			RecordID:        rec.ID,
			ExpectedVersion: rec.Version,
			Event:           migration.EventRollback,
			Lease:           lease,
			Actor:           req.Actor,
			Reason:          req.Reason,
			Metrics:         req.Metrics,
			Details:         details,
		})
		if err == nil {
			m.logger.Warn("migration rolled back", "api", req.APIID, "from", rec.Status().String(),
				"actor", req.Actor.Name, "reason", req.Reason, "correlationId", req.Actor.CorrelationID)
			return Result{Kind: RolledBack, Record: next}, nil
		}
		if attempt == 0 && migration.IsRejected(err, migration.RejectConcurrentModification) {
			continue
		}
		return Result{}, m.fail(ctx, req, "transition", err)
	}
}

func (m *Manager) fail(ctx context.Context, req Request, step string, err error) error {
	execErr := &ExecutionError{APIID: req.APIID, Reason: req.Reason, Step: step, Err: err}
	m.alerter.RollbackFailed(ctx, execErr)
	return execErr
}

func holder(a migration.Actor) string {
	if a.Name == "" {
		return AutoActor
	}
	return a.Name
}
