package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/storage/memory"
	"github.com/nicktill/vitals/pkg/telemetry"
)

var now = time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)

func daysAgo(days, hour int) telemetry.HourBucket {
	day := telemetry.FloorDay(now).AddDate(0, 0, -days)
	return telemetry.HourBucket{
		HourKey: day.Add(time.Duration(hour) * time.Hour),
		Samples: []telemetry.Sample{{Timestamp: day, HeartRate: 70, BloodOxygen: 97}},
	}
}

func seed(t *testing.T, buckets ...telemetry.HourBucket) *memory.Storage {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.UpsertBuckets(context.Background(), buckets))
	return store
}

func TestPrune_HorizonBoundary(t *testing.T) {
	store := seed(t, daysAgo(31, 8), daysAgo(31, 9), daysAgo(30, 0), daysAgo(29, 12), daysAgo(0, 14))
	m := New(store, nil)

	res, err := m.Prune(context.Background(), now, 30)
	require.NoError(t, err)

	assert.Equal(t, 1, res.RemovedDays, "31 days back is removed")
	assert.Equal(t, 2, res.RemovedBuckets)
	assert.True(t, res.Cutoff.Equal(telemetry.FloorDay(now).AddDate(0, 0, -30)))

	days, err := storage.Days(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, days, 3, "30, 29 and 0 days back survive")
	assert.True(t, days[0].Day.Equal(telemetry.FloorDay(now).AddDate(0, 0, -30)))
}

func TestPrune_Idempotent(t *testing.T) {
	store := seed(t, daysAgo(45, 1), daysAgo(40, 1), daysAgo(2, 1))
	m := New(store, nil)
	ctx := context.Background()

	first, err := m.Prune(ctx, now, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, first.RemovedDays)

	second, err := m.Prune(ctx, now, 30)
	require.NoError(t, err)
	assert.Zero(t, second.RemovedDays)
	assert.Zero(t, second.RemovedBuckets)

	left, err := store.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestPrune_EmptyStore(t *testing.T) {
	res, err := New(memory.New(), nil).Prune(context.Background(), now, 30)
	require.NoError(t, err)
	assert.Zero(t, res.RemovedDays)
}

func TestPrune_KeepsFavorites(t *testing.T) {
	old := daysAgo(60, 3)
	store := seed(t, old)
	ctx := context.Background()
	require.NoError(t, store.SaveFavorite(ctx, telemetry.DayGroup{Day: old.HourKey, Buckets: []telemetry.HourBucket{old}}))

	_, err := New(store, nil).Prune(ctx, now, 30)
	require.NoError(t, err)

	favs, err := store.Favorites(ctx)
	require.NoError(t, err)
	assert.Len(t, favs, 1)
}

func TestPrune_InvalidHorizon(t *testing.T) {
	_, err := New(memory.New(), nil).Prune(context.Background(), now, 0)
	assert.True(t, errors.Is(err, ErrInvalidHorizon))
}

func TestPrune_StorageFailure(t *testing.T) {
	store := seed(t, daysAgo(31, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(store, nil).Prune(ctx, now, 30)
	assert.ErrorIs(t, err, context.Canceled)
}
