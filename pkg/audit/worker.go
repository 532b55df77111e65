package audit

import (
	"context"
	"log/slog"
	"time"
)

// ArchiveConfig controls the periodic archive export.
type ArchiveConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Driver   string        `mapstructure:"driver" validate:"omitempty,oneof=file s3"`
	Dir      string        `mapstructure:"dir"`
	Interval time.Duration `mapstructure:"interval"`
	// Settle holds back entries whose sequence number was first seen less
	// than this long ago, so a transaction that took its number earlier
	// but committed later is still picked up.
	Settle time.Duration `mapstructure:"settle" validate:"gte=0"`
	S3     S3Config      `mapstructure:"s3"`
}

// DefaultArchiveConfig returns the default configuration.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Driver:   "file",
		Dir:      "audit-archive",
		Interval: 24 * time.Hour,
		Settle:   time.Minute,
	}
}

// ArchiveOption configures an ArchiveWorker.
type ArchiveOption func(*ArchiveWorker)

// WithSettle sets how long a sequence number must have been visible
// before the worker archives up to it.
func WithSettle(d time.Duration) ArchiveOption {
	return func(w *ArchiveWorker) { w.settle = d }
}

// WithArchiveClock overrides the worker's clock.
func WithArchiveClock(now func() time.Time) ArchiveOption {
	return func(w *ArchiveWorker) { w.now = now }
}

type seqMark struct {
	seq int64
	at  time.Time
}

// ArchiveWorker periodically exports the entries written since its last
// run. Progress is tracked by sequence number only.
type ArchiveWorker struct {
	exporter *Exporter
	interval time.Duration
	settle   time.Duration
	now      func() time.Time
	logger   *slog.Logger
	last     int64
	marks    []seqMark
}

// NewArchiveWorker creates a worker. The first run exports everything.
func NewArchiveWorker(exporter *Exporter, interval time.Duration, logger *slog.Logger, opts ...ArchiveOption) *ArchiveWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	w := &ArchiveWorker{exporter: exporter, interval: interval, now: time.Now, logger: logger}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run exports on every tick until the context is cancelled.
func (w *ArchiveWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("audit archive worker started", "interval", w.interval.String(), "sink", w.exporter.sink.Name())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("audit archive worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single export pass.
func (w *ArchiveWorker) RunOnce(ctx context.Context) {
	through, err := w.horizon(ctx)
	if err != nil {
		w.logger.Error("audit archive export failed", "error", err)
		return
	}
	if through <= w.last {
		return
	}
	res, err := w.exporter.ExportRange(ctx, w.last, through)
	if err != nil {
		w.logger.Error("audit archive export failed", "error", err)
		return
	}
	w.logger.Debug("audit archive pass", "after", w.last, "through", through, "count", res.Count)
	w.last = through
}

// horizon observes the current maximum sequence number and returns the
// newest one that has been visible for at least the settle window.
func (w *ArchiveWorker) horizon(ctx context.Context) (int64, error) {
	top, err := w.exporter.store.MaxSeq(ctx)
	if err != nil {
		return 0, err
	}
	now := w.now()
	w.marks = append(w.marks, seqMark{seq: top, at: now})

	through := w.last
	cutoff := now.Add(-w.settle)
	n := 0
	for n < len(w.marks) && !w.marks[n].at.After(cutoff) {
		through = w.marks[n].seq
		n++
	}
	w.marks = w.marks[n:]
	return through, nil
}
