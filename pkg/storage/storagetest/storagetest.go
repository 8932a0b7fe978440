// Package storagetest holds the behavioral tests every storage backend must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/telemetry"
)

// Factory returns a fresh, empty backend. Run closes it.
type Factory func(t *testing.T) storage.Storage

var base = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

// Bucket builds a closed bucket at the given hour offset from a fixed day.
func Bucket(hour int, rates ...float64) telemetry.HourBucket {
	key := base.Add(time.Duration(hour) * time.Hour)
	b := telemetry.HourBucket{HourKey: key}
	for i, hr := range rates {
		b.Samples = append(b.Samples, telemetry.Sample{
			Timestamp:   key.Add(time.Duration(i) * 5 * time.Second),
			HeartRate:   hr,
			BloodOxygen: 97,
		})
	}
	return b
}

// Run exercises a backend against the storage.Storage contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"UpsertReplacesSameHour", testUpsertReplacesSameHour},
		{"BucketsOrderedAndRanged", testBucketsOrderedAndRanged},
		{"DeleteBefore", testDeleteBefore},
		{"DaysDerivedOnRead", testDaysDerivedOnRead},
		{"RecordingState", testRecordingState},
		{"ChatMessages", testChatMessages},
		{"Favorites", testFavorites},
		{"Stats", testStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testUpsertReplacesSameHour(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	first := Bucket(9, 70)
	first.IsRecording = true
	require.NoError(t, s.UpsertBuckets(ctx, []telemetry.HourBucket{first}))

	updated := Bucket(9, 70, 72, 74)
	updated.AverageHeartRate = 72
	require.NoError(t, s.UpsertBuckets(ctx, []telemetry.HourBucket{updated}))

	got, err := s.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsRecording)
	assert.Len(t, got[0].Samples, 3)
	assert.Equal(t, 72.0, got[0].AverageHeartRate)
	assert.True(t, got[0].HourKey.Equal(updated.HourKey))
}

func testBucketsOrderedAndRanged(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	require.NoError(t, s.UpsertBuckets(ctx, []telemetry.HourBucket{Bucket(30, 80), Bucket(2, 60), Bucket(10, 70)}))

	all, err := s.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].HourKey.Equal(base.Add(2*time.Hour)))
	assert.True(t, all[2].HourKey.Equal(base.Add(30*time.Hour)))

	ranged, err := s.Buckets(ctx, storage.QueryRequest{Start: base.Add(2 * time.Hour), End: base.Add(30 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, ranged, 2, "start inclusive, end exclusive")

	limited, err := s.Buckets(ctx, storage.QueryRequest{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testDeleteBefore(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	require.NoError(t, s.UpsertBuckets(ctx, []telemetry.HourBucket{Bucket(1, 60), Bucket(23, 70), Bucket(25, 80)}))

	removed, err := s.DeleteBefore(ctx, base.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = s.DeleteBefore(ctx, base.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, removed)

	left, err := s.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, left[0].HourKey.Equal(base.Add(25*time.Hour)))
}

func testDaysDerivedOnRead(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	require.NoError(t, s.UpsertBuckets(ctx, []telemetry.HourBucket{Bucket(1, 60), Bucket(5, 62), Bucket(26, 70)}))

	days, err := storage.Days(ctx, s)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Len(t, days[0].Buckets, 2)
	assert.Len(t, days[1].Buckets, 1)

	day, err := storage.Day(ctx, s, base.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Len(t, day.Buckets, 2)

	_, err = storage.Day(ctx, s, base.AddDate(0, 0, 5))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRecordingState(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, ok, err := s.RecordingState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	want := telemetry.RecordingState{IsRecording: true, CurrentHour: base.Add(7 * time.Hour)}
	require.NoError(t, s.SaveRecordingState(ctx, want))

	got, ok, err := s.RecordingState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.IsRecording)
	assert.True(t, got.CurrentHour.Equal(want.CurrentHour))
}

func testChatMessages(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	msgs := []telemetry.ChatMessage{
		{ID: "b", Role: "assistant", Content: "Your resting rate looks normal.", CreatedAt: base.Add(2 * time.Second)},
		{ID: "a", Role: "user", Content: "How was my heart rate today?", CreatedAt: base.Add(time.Second)},
		{ID: "c", Role: "user", Content: "Thanks", CreatedAt: base.Add(3 * time.Second)},
	}
	require.NoError(t, s.AppendChatMessages(ctx, msgs...))

	all, err := s.ChatMessages(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "c", all[2].ID)

	latest, err := s.ChatMessages(ctx, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "b", latest[0].ID)
}

func testFavorites(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	day := telemetry.DayGroup{Day: base.Add(15 * time.Hour), Buckets: []telemetry.HourBucket{Bucket(1, 60)}}
	require.NoError(t, s.SaveFavorite(ctx, day))

	favs, err := s.Favorites(ctx)
	require.NoError(t, err)
	require.Len(t, favs, 1)
	assert.True(t, favs[0].Day.Equal(base), "day is floored to midnight")
	assert.Len(t, favs[0].Buckets, 1)

	// favorites are snapshots: pruning logs leaves them alone
	_, err = s.DeleteBefore(ctx, base.AddDate(1, 0, 0))
	require.NoError(t, err)
	favs, err = s.Favorites(ctx)
	require.NoError(t, err)
	assert.Len(t, favs, 1)

	require.NoError(t, s.DeleteFavorite(ctx, base))
	assert.ErrorIs(t, s.DeleteFavorite(ctx, base), storage.ErrNotFound)
}

func testStats(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	require.NoError(t, s.UpsertBuckets(ctx, []telemetry.HourBucket{Bucket(1, 60, 61), Bucket(26, 70)}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.TotalBuckets)
	assert.Equal(t, uint64(3), stats.TotalSamples)
	assert.Equal(t, uint64(2), stats.TotalDays)
	assert.True(t, stats.OldestHour.Equal(base.Add(time.Hour)))
	assert.True(t, stats.NewestHour.Equal(base.Add(26*time.Hour)))
}
