package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/jonboulle/clockwork"

	"github.com/nicktill/vitals/pkg/retention"
	"github.com/nicktill/vitals/pkg/server/monitor"
	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/storage/badger"
)

// Pruner removes expired days; *pipeline.Pipeline implements it.
type Pruner interface {
	Prune(ctx context.Context, now time.Time, horizonDays int) (retention.Result, error)
}

// RetentionTask configures RunRetention
type RetentionTask struct {
	Pruner      Pruner
	Monitor     *monitor.TaskMonitor
	Clock       clockwork.Clock
	Location    *time.Location
	HorizonDays int
	Interval    time.Duration
	Logger      *slog.Logger

	// MaxRetries and RetryDelay control the backoff after a failed prune:
	// RetryDelay, 2x, 4x ... up to MaxRetries extra attempts.
	MaxRetries int
	RetryDelay time.Duration
}

// RunRetention prunes once at startup and then every Interval until ctx ends.
func RunRetention(ctx context.Context, task RetentionTask) {
	if task.Clock == nil {
		task.Clock = clockwork.NewRealClock()
	}
	if task.Location == nil {
		task.Location = time.Local
	}
	if task.Logger == nil {
		task.Logger = slog.Default()
	}

	ticker := task.Clock.NewTicker(task.Interval)
	defer ticker.Stop()

	runWithRetry := func() {
		for attempt := 0; attempt <= task.MaxRetries; attempt++ {
			if attempt > 0 {
				delay := task.RetryDelay * time.Duration(1<<(attempt-1))
				task.Logger.Info("retrying retention", "in", delay, "attempt", attempt+1, "of", task.MaxRetries+1)
				select {
				case <-task.Clock.After(delay):
				case <-ctx.Done():
					return
				}
			}

			start := task.Clock.Now()
			res, err := task.Pruner.Prune(ctx, start.In(task.Location), task.HorizonDays)
			if err == nil {
				task.Monitor.RecordSuccess()
				task.Logger.Info("retention completed",
					"removed_days", res.RemovedDays,
					"cutoff", res.Cutoff.Format("2006-01-02"),
					"took", task.Clock.Since(start).Round(time.Millisecond))
				return
			}

			task.Monitor.RecordFailure(err)
			task.Logger.Warn("retention failed", "attempt", attempt+1, "of", task.MaxRetries+1, "error", err)

			if status := task.Monitor.Status(); status.ConsecutiveErrors > monitor.MaxConsecutiveErrors {
				task.Logger.Error("retention keeps failing", "consecutive_errors", status.ConsecutiveErrors)
			}
			if ctx.Err() != nil {
				return
			}
		}

		task.Logger.Warn("retention failed, will retry on next schedule", "attempts", task.MaxRetries+1)
	}

	runWithRetry()

	for {
		select {
		case <-ticker.Chan():
			runWithRetry()
		case <-ctx.Done():
			task.Logger.Info("stopping retention scheduler")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB value-log garbage collection every interval.
// Deleted buckets stay in the value log until GC rewrites it.
func RunBadgerGC(ctx context.Context, store storage.Storage, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		logger.Info("storage is not BadgerDB, skipping GC")
		return
	}
	if badgerStore.InMemory() {
		logger.Info("in-memory BadgerDB has no value log, skipping GC")
		return
	}

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("BadgerDB GC scheduler started", "interval", interval)

	for {
		select {
		case <-ticker.Chan():
			start := clock.Now()
			rewrites := 0
			// each successful call rewrites one file; stop at the first no-op
			for ctx.Err() == nil {
				if err := badgerStore.RunGC(0.5); err != nil {
					if !errors.Is(err, dgbadger.ErrNoRewrite) && !errors.Is(err, dgbadger.ErrRejected) {
						logger.Warn("BadgerDB GC failed", "error", err)
					}
					break
				}
				rewrites++
			}
			logger.Debug("BadgerDB GC completed", "rewrites", rewrites, "took", clock.Since(start).Round(time.Millisecond))
		case <-ctx.Done():
			logger.Info("stopping BadgerDB GC scheduler")
			return
		}
	}
}
