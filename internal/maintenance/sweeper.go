// Package maintenance runs the periodic trip sweep in the background.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bus-tracker/internal/logging"
	"bus-tracker/internal/tracker"
)

// Sweeper is the part of the tracker the background loop drives.
type Sweeper interface {
	Sweep(ctx context.Context) (tracker.SweepResult, error)
}

type Runner struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(s Sweeper, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{sweeper: s, interval: interval, logger: logger}
}

// Start launches a background loop that sweeps once immediately and then
// every interval. A non-positive interval disables the loop.
func (r *Runner) Start(parent context.Context) {
	if r.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.RunOnce(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce performs a single sweep and logs its outcome.
func (r *Runner) RunOnce(ctx context.Context) {
	start := time.Now()
	res, err := r.sweeper.Sweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.LogError(r.logger, "trip sweep failed", err,
			slog.Int("closed", res.Closed),
			slog.Int64("deleted", res.Deleted))
		return
	}
	logging.LogOperation(r.logger, "trip sweep finished",
		slog.Int("closed", res.Closed),
		slog.Int64("deleted", res.Deleted),
		slog.Duration("duration", time.Since(start)))
}

// Stop cancels the loop and waits for a running sweep to return.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
