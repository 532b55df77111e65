// Package traffic decides, for one API at a time, whether a migration in
// mirroring or canary advances to its next phase, holds, or rolls back.
package traffic

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/metrics"
	"github.com/gatewayshift/orchestrator/pkg/migration"
	"github.com/gatewayshift/orchestrator/pkg/observability"
	"github.com/gatewayshift/orchestrator/pkg/policy"
	"github.com/gatewayshift/orchestrator/pkg/rollback"
)

// Kind is the outcome of an evaluation.
type Kind string

const (
	Advanced   Kind = "advanced"
	Held       Kind = "held"
	RolledBack Kind = "rolled-back"
)

// Outcome is the result of EvaluateAndAdvance.
type Outcome struct {
	Kind    Kind              `json:"kind"`
	Percent int               `json:"percent"`
	Reason  string            `json:"reason,omitempty"`
	Record  *migration.Record `json:"record,omitempty"`
}

func held(rec *migration.Record, reason string) Outcome {
	return Outcome{Kind: Held, Percent: rec.TrafficPercent, Reason: reason, Record: rec}
}

// Config tunes lock handling.
type Config struct {
	LeaseTTL time.Duration
	// LockWait bounds how long an evaluation waits for a busy lock.
	LockWait time.Duration
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{LeaseTTL: 30 * time.Second, LockWait: 2 * time.Second}
}

// Controller evaluates migrations against their risk policy.
type Controller struct {
	machine  *migration.Machine
	locks    *lock.Manager
	rollback *rollback.Manager
	metrics  metrics.Source
	policies *policy.Set
	router   rollback.Router
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// NewController creates a Controller.
func NewController(machine *migration.Machine, locks *lock.Manager, rb *rollback.Manager, src metrics.Source,
	policies *policy.Set, router rollback.Router, opts ...Option) *Controller {
	c := &Controller{
		machine:  machine,
		locks:    locks,
		rollback: rb,
		metrics:  src,
		policies: policies,
		router:   router,
		cfg:      DefaultConfig(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EvaluateAndAdvance runs one evaluation for apiID under its lock. Missing
// metrics always hold; a threshold breach always rolls back. A busy lock is
// returned as *lock.BusyError once LockWait has passed.
func (c *Controller) EvaluateAndAdvance(ctx context.Context, apiID string, by migration.Actor) (Outcome, error) {
	observed, err := c.machine.Current(ctx, apiID)
	if err != nil {
		return Outcome{}, err
	}

	lease, err := c.locks.AcquireWait(ctx, lock.KeyForAPI(apiID), by.Name, c.cfg.LeaseTTL, c.cfg.LockWait)
	if err != nil {
		var busy *lock.BusyError
		if errors.As(err, &busy) {
			observability.RecordLockConflict("advance")
		}
		return Outcome{}, err
	}
	defer func() {
		if err := c.locks.Release(context.WithoutCancel(ctx), lease); err != nil && !errors.Is(err, lock.ErrNotHolder) {
			c.logger.Warn("release evaluation lease", "api", apiID, "error", err)
		}
	}()

	return c.EvaluateHeld(ctx, lease, observed, by)
}

// EvaluateHeld evaluates with a lease the caller already holds. observed is
// the record as read before the lease was taken; if it has moved on since,
// someone else already acted and the evaluation holds.
func (c *Controller) EvaluateHeld(ctx context.Context, lease *lock.Lease, observed *migration.Record, by migration.Actor) (Outcome, error) {
	rec, err := c.machine.Get(ctx, observed.ID)
	if err != nil {
		return Outcome{}, err
	}
	if rec.Version != observed.Version {
		c.decided(policy.Hold, policy.ReasonAlreadyAdvanced)
		return held(rec, policy.ReasonAlreadyAdvanced), nil
	}
	if !rec.Stage.Shifting() {
		return Outcome{}, &migration.RejectedError{Reason: migration.RejectInvalidEdge, From: rec.Status(),
			Event: migration.EventAdvance, Message: "migration is not mirroring or in a canary phase"}
	}

	pol, err := c.policies.For(rec.RiskLevel)
	if err != nil {
		return Outcome{}, &migration.ValidationError{Field: "riskLevel", Message: err.Error()}
	}

	now := c.now().UTC()
	cmp := c.comparison(ctx, rec, pol, now)

	approved := true
	if rec.RequiredApprovals > 0 {
		state, err := c.machine.Approvals(ctx, rec)
		if err != nil {
			return Outcome{}, err
		}
		approved = state.Satisfied
	}
	pol.ApprovalRequired = rec.RequiredApprovals > 0

	current := 0
	if rec.Stage == migration.StageCanary {
		current = rec.TrafficPercent
	}
	d := policy.Evaluate(policy.Input{
		Policy:         pol,
		Phases:         rec.Phases,
		CurrentPercent: current,
		PhaseEnteredAt: rec.PhaseEnteredAt,
		Now:            now,
		Metrics:        cmp,
		Approved:       approved,
	})
	c.decided(d.Kind, d.Reason)

	switch d.Kind {
	case policy.Hold:
		c.logger.Debug("migration held", "api", rec.APIID, "status", rec.Status().String(), "reason", d.Reason)
		return held(rec, d.Reason), nil

	case policy.Rollback:
		res, err := c.rollback.RollbackHeld(ctx, lease, rollback.Request{
			APIID:   rec.APIID,
			Reason:  d.Reason,
			Actor:   migration.Actor{Name: rollback.AutoActor, CorrelationID: by.CorrelationID},
			Metrics: cmp,
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: RolledBack, Percent: 0, Reason: d.Reason, Record: res.Record}, nil
	}

	return c.advance(ctx, lease, rec, d.Percent, cmp, current, by)
}

func (c *Controller) advance(ctx context.Context, lease *lock.Lease, rec *migration.Record, next int,
	cmp *metrics.Comparison, previous int, by migration.Actor) (Outcome, error) {
	// A displaced holder must not touch the data plane at all.
	if err := c.locks.Fence(ctx, lease); err != nil {
		if errors.Is(err, lock.ErrNotHolder) {
			return held(rec, string(migration.RejectLockNotHeld)), nil
		}
		return Outcome{}, err
	}
	if err := c.router.SetWeight(ctx, rec.APIID, next); err != nil {
		return Outcome{}, err
	}
	updated, err := c.machine.Transition(ctx, migration.Request{
		RecordID:        rec.ID,
		ExpectedVersion: rec.Version,
		Event:           migration.EventAdvance,
		TargetPercent:   next,
		Lease:           lease,
		Actor:           by,
		Reason:          "thresholds healthy",
		Metrics:         cmp,
	})
	if err == nil {
		return Outcome{Kind: Advanced, Percent: updated.TrafficPercent, Record: updated}, nil
	}

	c.restoreWeight(context.WithoutCancel(ctx), lease, rec, previous)
	var rej *migration.RejectedError
	if !errors.As(err, &rej) {
		return Outcome{}, err
	}
	switch rej.Reason {
	case migration.RejectConcurrentModification:
		// Re-read once so the caller sees where the record went.
		if fresh, gerr := c.machine.Get(ctx, rec.ID); gerr == nil {
			rec = fresh
		}
		return held(rec, policy.ReasonAlreadyAdvanced), nil
	case migration.RejectApprovalPending:
		return held(rec, policy.ReasonAwaitingApproval), nil
	case migration.RejectLockNotHeld:
		return held(rec, string(migration.RejectLockNotHeld)), nil
	}
	return Outcome{}, err
}

// restoreWeight undoes a weight change whose transition did not commit.
// The record is re-read first: a rollback that preempted the lease while
// the weight change was in flight has already sent traffic to legacy, and
// that outcome wins. Otherwise the weight only moves while lease is live,
// and it moves to what the record says rather than what was read earlier.
func (c *Controller) restoreWeight(ctx context.Context, lease *lock.Lease, rec *migration.Record, previous int) {
	target := previous
	fresh, err := c.machine.Get(ctx, rec.ID)
	switch {
	case err != nil:
		c.logger.Warn("re-read migration before restoring weight", "api", rec.APIID, "error", err)
	case fresh.Stage == migration.StageRolledBack:
		// Converge on the rolled back state even without the lease: the
		// in-flight write may have landed after the rollback's own.
		c.setWeight(ctx, rec.APIID, 0)
		return
	case fresh.Terminal():
		return
	default:
		target = fresh.TrafficPercent
	}
	if err := c.locks.Fence(ctx, lease); err != nil {
		c.logger.Warn("lease lost, traffic weight left to the new holder", "api", rec.APIID, "error", err)
		return
	}
	c.setWeight(ctx, rec.APIID, target)
}

func (c *Controller) setWeight(ctx context.Context, apiID string, percent int) {
	if err := c.router.SetWeight(ctx, apiID, percent); err != nil {
		c.logger.Error("restore traffic weight", "api", apiID, "percent", percent, "error", err)
	}
}

// comparison fetches metrics for the evaluation window, which never starts
// before the current phase was entered. Any failure reads as no data.
func (c *Controller) comparison(ctx context.Context, rec *migration.Record, pol policy.RiskPolicy, now time.Time) *metrics.Comparison {
	start := now.Add(-pol.EvaluationWindow)
	if rec.PhaseEnteredAt.After(start) {
		start = rec.PhaseEnteredAt
	}
	cmp, err := c.metrics.ComparisonMetrics(ctx, rec.APIID, start, now)
	if err != nil {
		if !errors.Is(err, metrics.ErrUnavailable) {
			c.logger.Warn("metrics query failed", "api", rec.APIID, "error", err)
		} else {
			c.logger.Info("metrics unavailable", "api", rec.APIID, "error", err)
		}
		return nil
	}
	return cmp
}

func (c *Controller) decided(kind policy.Kind, reason string) {
	switch kind {
	case policy.Rollback:
		// Breach reasons carry the measured values.
		reason = "threshold-breach"
	case policy.Advance:
		reason = ""
	}
	observability.RecordDecision(string(kind), reason)
}
