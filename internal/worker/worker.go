// Package worker runs the periodic job that executes pending transitions.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"transithub/internal/domain"
	"transithub/internal/engine"
	"transithub/internal/executor"
)

const (
	defaultInterval = 15 * time.Second
	defaultBatch    = 20
)

// Worker sweeps expired leases and executes pending records under its own
// lease owner name.
type Worker struct {
	Engine   engine.Engine
	Executor executor.Executor
	Owner    string
	Interval time.Duration
	Batch    int
	Logger   *zap.Logger
}

// Stats counts what one cycle did.
type Stats struct {
	Swept     int
	Completed int
	Failed    int
	Skipped   int
}

func (w Worker) logger() *zap.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return zap.NewNop()
}

// RunOnce performs a single cycle. Records leased by someone else or
// finished in the meantime are skipped until the next cycle.
func (w Worker) RunOnce(ctx context.Context) (Stats, error) {
	var st Stats
	swept, err := w.Engine.SweepLeases(ctx)
	if err != nil {
		return st, err
	}
	st.Swept = swept

	batch := w.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	recs, err := w.Engine.PendingBatch(ctx, batch)
	if err != nil {
		return st, err
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		out, err := w.Engine.Execute(ctx, rec.ID, w.Owner, w.Executor)
		switch {
		case err == nil && out.Status == domain.StatusCompleted:
			st.Completed++
		case err == nil:
			st.Failed++
		case errors.Is(err, domain.ErrAlreadyLeased), errors.Is(err, domain.ErrConflict):
			st.Skipped++
		case errors.Is(err, executor.ErrNoDestination):
			st.Skipped++
			w.logger().Debug("no destination for transition", zap.String("transition_id", rec.ID), zap.String("destination_area", rec.DestinationArea))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return st, err
		default:
			st.Failed++
			w.logger().Error("execute transition", zap.String("transition_id", rec.ID), zap.Error(err))
		}
	}
	return st, nil
}

// Run executes cycles every Interval until ctx is done.
func (w Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := w.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			w.logger().Error("worker cycle failed", zap.Error(err))
		case st != (Stats{}):
			w.logger().Info("worker cycle",
				zap.Int("swept", st.Swept),
				zap.Int("completed", st.Completed),
				zap.Int("failed", st.Failed),
				zap.Int("skipped", st.Skipped))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunSweeper releases expired leases every interval until ctx is done. It
// lets an API-only process recover records left by crashed workers.
func RunSweeper(ctx context.Context, eng engine.Engine, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := eng.SweepLeases(ctx); err != nil && ctx.Err() == nil {
				logger.Error("lease sweep failed", zap.Error(err))
			}
		}
	}
}
