// Package jobs runs periodic background work under a per-key concurrency
// guard. A scheduled trigger that fires while a run for the same key is still
// in flight anywhere in the fleet is skipped, never run in parallel.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"idproof/internal/platform/logger"
)

// Locker claims a named lease for a bounded duration. Implementations must be
// safe for concurrent use; the lease must expire on its own so a crashed
// worker cannot hold the key forever.
type Locker interface {
	// Acquire claims the key for the lease duration. It returns false without
	// error when another holder already owns the key; on success the token
	// identifies this claim for Release.
	Acquire(ctx context.Context, key string, lease time.Duration) (token string, ok bool, err error)
	// Release gives the key back early. Releasing with a token whose lease
	// expired and was claimed by someone else is a no-op.
	Release(ctx context.Context, key, token string) error
}

// Job is one keyed unit of scheduled work.
type Job struct {
	// Key identifies the job for concurrency control, e.g. "enrollment-status-check".
	Key      string
	Interval time.Duration
	// Lease bounds one run; pick it longer than a normal run and shorter than
	// two intervals so a crashed holder recovers within one skipped tick.
	Lease time.Duration
	Run   func(ctx context.Context) error
}

// Runner triggers jobs on independent tickers.
type Runner struct {
	locker Locker
	log    *slog.Logger
}

func NewRunner(locker Locker, log *slog.Logger) *Runner {
	return &Runner{locker: locker, log: log}
}

// Start runs the job loop until ctx is canceled. The first run happens
// immediately, then once per interval. Errors from the job are logged, not
// propagated; the next tick retries.
func (r *Runner) Start(ctx context.Context, job Job) {
	r.tick(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, job)
		}
	}
}

func (r *Runner) tick(ctx context.Context, job Job) {
	token, ok, err := r.locker.Acquire(ctx, job.Key, job.Lease)
	if err != nil {
		r.log.Error("job lock acquire failed", "job", job.Key, logger.Err(err))
		return
	}
	if !ok {
		r.log.Info("job already running elsewhere, skipping", "job", job.Key)
		return
	}
	defer func() {
		if err := r.locker.Release(ctx, job.Key, token); err != nil {
			r.log.Warn("job lock release failed", "job", job.Key, logger.Err(err))
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		r.log.Error("job run failed", "job", job.Key, "elapsed", time.Since(start), logger.Err(err))
		return
	}
	r.log.Info("job run finished", "job", job.Key, "elapsed", time.Since(start))
}
