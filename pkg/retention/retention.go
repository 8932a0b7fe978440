// Package retention removes day groups older than the retention horizon.
//
// Hour buckets are stored flat; a day group is every bucket whose hour
// falls on the same calendar day. Pruning with horizon H at time now drops
// every day strictly before floorDay(now) - H days, so with a 30 day
// horizon a day 31 days back is removed and a day 29 days back is kept.
// Favorited days are separate snapshots and are never pruned.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicktill/vitals/pkg/instrument"
	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/telemetry"
)

// DefaultHorizonDays is how many days of logs are kept.
const DefaultHorizonDays = 30

// ErrInvalidHorizon is returned for a horizon below one day.
var ErrInvalidHorizon = errors.New("retention horizon must be at least one day")

// Result summarizes one prune
type Result struct {
	Cutoff         time.Time `json:"cutoff"`
	RemovedDays    int       `json:"removed_days"`
	RemovedBuckets int       `json:"removed_buckets"`
}

// Manager prunes a store
type Manager struct {
	store  storage.Storage
	logger *slog.Logger
}

// New creates a retention manager
func New(store storage.Storage, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// Cutoff returns the first day that survives a prune at now.
func Cutoff(now time.Time, horizonDays int) time.Time {
	return telemetry.FloorDay(now).AddDate(0, 0, -horizonDays)
}

// Prune removes every day strictly older than the horizon. Running it again
// with the same now removes nothing.
func (m *Manager) Prune(ctx context.Context, now time.Time, horizonDays int) (Result, error) {
	if horizonDays < 1 {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidHorizon, horizonDays)
	}

	res := Result{Cutoff: Cutoff(now, horizonDays)}

	expired, err := m.store.Buckets(ctx, storage.QueryRequest{End: res.Cutoff})
	if err != nil {
		return res, fmt.Errorf("failed to list expired buckets: %w", err)
	}
	if len(expired) == 0 {
		return res, nil
	}

	removed, err := m.store.DeleteBefore(ctx, res.Cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to delete expired buckets: %w", err)
	}

	res.RemovedBuckets = removed
	res.RemovedDays = len(telemetry.GroupByDay(expired))
	instrument.RecordPrunedDays(res.RemovedDays)

	m.logger.Info("pruned expired logs",
		"days", res.RemovedDays,
		"buckets", res.RemovedBuckets,
		"cutoff", res.Cutoff.Format("2006-01-02"))

	return res, nil
}
