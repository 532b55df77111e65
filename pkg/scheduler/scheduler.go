// Package scheduler is the external trigger that periodically asks every
// mirroring or canary migration to advance. It is the only loop in the
// system that sleeps; all timing decisions are made from stored phase
// timestamps by the traffic controller.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/observability"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
	"github.com/gatewayshift/orchestrator/pkg/traffic"
)

// Advancer is the part of the orchestrator the scheduler drives.
type Advancer interface {
	ShiftingAPIs(ctx context.Context) ([]string, error)
	Advance(ctx context.Context, c orchestrator.Caller, apiID string) (*orchestrator.AdvanceResult, error)
}

// Pass summarises one evaluation pass.
type Pass struct {
	CorrelationID string
	Evaluated     int
	Advanced      int
	Held          int
	RolledBack    int
	Busy          int
	Errors        int
}

// Scheduler runs evaluation passes on a fixed interval.
type Scheduler struct {
	advancer Advancer
	cfg      Config
	logger   *slog.Logger
}

// New creates a Scheduler.
func New(advancer Advancer, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Scheduler{advancer: advancer, cfg: cfg, logger: logger}
}

// Run evaluates every interval until ctx is cancelled. A pass still in
// flight when ctx is cancelled is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled")
		return
	}
	s.logger.Info("scheduler starting", "interval", s.cfg.Interval.String(), "concurrency", s.cfg.Concurrency)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(context.WithoutCancel(ctx)); err != nil {
				s.logger.Error("evaluation pass failed", "error", err)
			}
		}
	}
}

// RunOnce evaluates every shifting migration once. Failures of individual
// APIs are counted and logged; only a failure to list the migrations is
// returned.
func (s *Scheduler) RunOnce(ctx context.Context) (Pass, error) {
	start := time.Now()
	defer func() { observability.ObserveEvaluationPass(time.Since(start).Seconds()) }()

	pass := Pass{CorrelationID: uuid.NewString()}
	ids, err := s.advancer.ShiftingAPIs(ctx)
	if err != nil {
		return pass, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			caller := orchestrator.Caller{Actor: s.cfg.Actor, CorrelationID: pass.CorrelationID, Admin: true}
			res, err := s.advancer.Advance(gctx, caller, id)

			mu.Lock()
			defer mu.Unlock()
			pass.Evaluated++
			var busy *lock.BusyError
			switch {
			case errors.As(err, &busy):
				pass.Busy++
				s.logger.Info("migration busy, skipped", "api", id, "holder", busy.Holder)
			case err != nil:
				pass.Errors++
				s.logger.Error("evaluate migration", "api", id, "error", err)
			case res.Kind == traffic.Advanced:
				pass.Advanced++
			case res.Kind == traffic.RolledBack:
				pass.RolledBack++
				s.logger.Warn("migration rolled back", "api", id, "reason", res.Reason)
			default:
				pass.Held++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("evaluation pass finished", "correlationId", pass.CorrelationID, "evaluated", pass.Evaluated,
		"advanced", pass.Advanced, "held", pass.Held, "rolledBack", pass.RolledBack, "busy", pass.Busy, "errors", pass.Errors)
	return pass, nil
}
