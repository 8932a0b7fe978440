package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/vitals/pkg/telemetry"
)

// Keyspaces of the persistent store.
const (
	NamespaceHealthLogs       = "health_logs"
	NamespaceCurrentRecording = "current_recording"
	NamespaceChatMessages     = "chat_messages"
	NamespaceFavoriteLogs     = "favorite_logs"
)

// ErrNotFound is returned when a requested day or record doesn't exist
var ErrNotFound = errors.New("not found")

// Storage defines the interface for the persistent keyed store.
// Implementations: memory (testing), badger (production)
type Storage interface {
	// UpsertBuckets writes hour buckets, replacing any stored bucket with the same hour key
	UpsertBuckets(ctx context.Context, buckets []telemetry.HourBucket) error

	// Buckets retrieves hour buckets in hour order
	Buckets(ctx context.Context, req QueryRequest) ([]telemetry.HourBucket, error)

	// DeleteBefore removes every bucket whose hour key is before the cutoff
	// and returns how many were removed
	DeleteBefore(ctx context.Context, before time.Time) (int, error)

	// SaveRecordingState persists the open-bucket marker
	SaveRecordingState(ctx context.Context, state telemetry.RecordingState) error

	// RecordingState loads the open-bucket marker; ok is false if none was saved
	RecordingState(ctx context.Context) (state telemetry.RecordingState, ok bool, err error)

	// AppendChatMessages stores transcript records
	AppendChatMessages(ctx context.Context, msgs ...telemetry.ChatMessage) error

	// ChatMessages returns the newest limit messages in chronological order (0 = all)
	ChatMessages(ctx context.Context, limit int) ([]telemetry.ChatMessage, error)

	// SaveFavorite stores a snapshot of a day's logs
	SaveFavorite(ctx context.Context, group telemetry.DayGroup) error

	// DeleteFavorite removes a favorited day; ErrNotFound if it wasn't saved
	DeleteFavorite(ctx context.Context, day time.Time) error

	// Favorites returns all favorited days, oldest first
	Favorites(ctx context.Context) ([]telemetry.DayGroup, error)

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// QueryRequest specifies which hour buckets to retrieve
type QueryRequest struct {
	// Hour key range, inclusive start, exclusive end. Zero values are unbounded.
	Start time.Time
	End   time.Time

	// Limit number of results (0 = no limit)
	Limit int
}

// Matches reports whether an hour key falls inside the request range.
func (r QueryRequest) Matches(hourKey time.Time) bool {
	if !r.Start.IsZero() && hourKey.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !hourKey.Before(r.End) {
		return false
	}
	return true
}

// Stats provides storage health and usage info
type Stats struct {
	TotalBuckets uint64 `json:"total_buckets"`
	TotalSamples uint64 `json:"total_samples"`
	TotalDays    uint64 `json:"total_days"`
	ChatMessages uint64 `json:"chat_messages"`
	Favorites    uint64 `json:"favorites"`

	// Storage size in bytes
	SizeBytes uint64 `json:"size_bytes"`

	OldestHour time.Time `json:"oldest_hour"`
	NewestHour time.Time `json:"newest_hour"`
}

// Days returns every stored day group, oldest first. Grouping is derived on read.
func Days(ctx context.Context, s Storage) ([]telemetry.DayGroup, error) {
	buckets, err := s.Buckets(ctx, QueryRequest{})
	if err != nil {
		return nil, err
	}
	return telemetry.GroupByDay(buckets), nil
}

// Day returns the logs of one calendar day (day is floored to midnight).
func Day(ctx context.Context, s Storage, day time.Time) (telemetry.DayGroup, error) {
	start := telemetry.FloorDay(day)
	buckets, err := s.Buckets(ctx, QueryRequest{Start: start, End: start.AddDate(0, 0, 1)})
	if err != nil {
		return telemetry.DayGroup{}, err
	}
	if len(buckets) == 0 {
		return telemetry.DayGroup{}, fmt.Errorf("day %s: %w", start.Format(time.DateOnly), ErrNotFound)
	}
	return telemetry.DayGroup{Day: start, Buckets: buckets}, nil
}
