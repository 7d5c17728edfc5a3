package service

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sweeper periodically makes sure the current period has tables and deletes
// tables whose meeting is older than the retention window. Retention keeps a
// passed table around long enough for its participants to leave feedback.
type Sweeper struct {
	lifecycle *LifecycleService
	interval  time.Duration
	retention time.Duration
	clock     Clock
	logger    *slog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(lifecycle *LifecycleService, interval, retention time.Duration, clock Clock, logger *slog.Logger) *Sweeper {
	if clock == nil {
		clock = SystemClock
	}
	return &Sweeper{
		lifecycle: lifecycle,
		interval:  interval,
		retention: retention,
		clock:     clock,
		logger:    orDiscard(logger),
	}
}

// Sweep runs one pass and reports every failure.
func (w *Sweeper) Sweep(ctx context.Context) error {
	var errs []error
	created, err := w.lifecycle.EnsureCurrentPeriod(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	deleted, err := w.lifecycle.ExpirePastTables(ctx, w.clock().Add(-w.retention))
	if err != nil {
		errs = append(errs, err)
	}
	w.logger.Debug("sweep finished", "created", created, "deleted", deleted)
	return errors.Join(errs...)
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
