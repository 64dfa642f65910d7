// Package jobs schedules the periodic maintenance work: reconciliation
// sweeps, stale idempotency completion, and expired-record purges. Each
// job runs on its own jittered ticker so co-located instances do not
// fire in lockstep.
package jobs

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/core/recon"
	"github.com/tidewallet/ledgerd/internal/core/repair"
)

// Intervals configures the three maintenance cadences. Zero disables a
// job.
type Intervals struct {
	Reconcile  time.Duration
	StaleSweep time.Duration
	Purge      time.Duration
}

// DefaultIntervals is the production cadence.
var DefaultIntervals = Intervals{
	Reconcile:  15 * time.Minute,
	StaleSweep: time.Minute,
	Purge:      time.Hour,
}

// Purger deletes expired idempotency records.
type Purger interface {
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// Runner owns the background goroutines.
type Runner struct {
	reconciler *recon.Reconciler
	repairer   *repair.Repairer
	purger     Purger
	intervals  Intervals
	cutoff     time.Duration
	log        *zap.Logger

	wg sync.WaitGroup
}

// New builds a runner. Any nil subsystem disables its job.
func New(reconciler *recon.Reconciler, repairer *repair.Repairer, purger Purger, intervals Intervals, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		reconciler: reconciler,
		repairer:   repairer,
		purger:     purger,
		intervals:  intervals,
		cutoff:     repair.DefaultStaleCutoff,
		log:        log.Named("jobs"),
	}
}

// SetStaleCutoff overrides how old an IN_PROGRESS record must be before
// the sweep completes it. Call before Start.
func (r *Runner) SetStaleCutoff(d time.Duration) {
	if d > 0 {
		r.cutoff = d
	}
}

// Start launches the configured jobs. They stop when ctx is cancelled;
// Wait blocks until all have returned.
func (r *Runner) Start(ctx context.Context) {
	if r.reconciler != nil && r.intervals.Reconcile > 0 {
		r.spawn(ctx, "reconcile", r.intervals.Reconcile, func(ctx context.Context) error {
			_, err := r.reconciler.Run(ctx)
			return err
		})
	}
	if r.repairer != nil && r.intervals.StaleSweep > 0 {
		r.spawn(ctx, "stale-sweep", r.intervals.StaleSweep, func(ctx context.Context) error {
			_, err := r.repairer.CompleteStale(ctx, time.Now().Add(-r.cutoff))
			return err
		})
	}
	if r.purger != nil && r.intervals.Purge > 0 {
		r.spawn(ctx, "purge", r.intervals.Purge, func(ctx context.Context) error {
			n, err := r.purger.PurgeExpiredIdempotency(ctx, time.Now())
			if err == nil && n > 0 {
				r.log.Info("purged expired idempotency records", zap.Int64("count", n))
			}
			return err
		})
	}
}

// Wait blocks until every job goroutine has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) spawn(ctx context.Context, name string, every time.Duration, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Initial jitter spreads instances that start together.
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(every)):
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("job failed", zap.String("job", name), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// jitter picks a uniform delay in [0, every/4].
func jitter(every time.Duration) time.Duration {
	if every <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(every)/4 + 1))
}
