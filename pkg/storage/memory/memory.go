package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/telemetry"
)

// Storage stores logs in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu        sync.RWMutex
	buckets   map[int64]telemetry.HourBucket
	recording *telemetry.RecordingState
	chat      []telemetry.ChatMessage
	favorites map[int64]telemetry.DayGroup
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		buckets:   make(map[int64]telemetry.HourBucket),
		favorites: make(map[int64]telemetry.DayGroup),
	}
}

// UpsertBuckets stores buckets, replacing same-hour entries
func (s *Storage) UpsertBuckets(ctx context.Context, buckets []telemetry.HourBucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range buckets {
		s.buckets[b.HourKey.UnixNano()] = b.Clone()
	}
	return nil
}

// Buckets retrieves buckets matching the request, in hour order
func (s *Storage) Buckets(ctx context.Context, req storage.QueryRequest) ([]telemetry.HourBucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.sortedKeys()
	var results []telemetry.HourBucket
	for _, k := range keys {
		b := s.buckets[k]
		if !req.Matches(b.HourKey) {
			continue
		}
		results = append(results, b.Clone())

		if req.Limit > 0 && len(results) >= req.Limit {
			break
		}
	}
	return results, nil
}

// DeleteBefore removes buckets older than the cutoff
func (s *Storage) DeleteBefore(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, b := range s.buckets {
		if b.HourKey.Before(before) {
			delete(s.buckets, k)
			removed++
		}
	}
	return removed, nil
}

// SaveRecordingState stores the open-bucket marker
func (s *Storage) SaveRecordingState(ctx context.Context, state telemetry.RecordingState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = &state
	return nil
}

// RecordingState returns the open-bucket marker
func (s *Storage) RecordingState(ctx context.Context) (telemetry.RecordingState, bool, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.RecordingState{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.recording == nil {
		return telemetry.RecordingState{}, false, nil
	}
	return *s.recording, true, nil
}

// AppendChatMessages stores transcript records
func (s *Storage) AppendChatMessages(ctx context.Context, msgs ...telemetry.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = append(s.chat, msgs...)
	sort.SliceStable(s.chat, func(i, j int) bool {
		return s.chat[i].CreatedAt.Before(s.chat[j].CreatedAt)
	})
	return nil
}

// ChatMessages returns the newest limit messages, oldest first
func (s *Storage) ChatMessages(ctx context.Context, limit int) ([]telemetry.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.chat) > limit {
		start = len(s.chat) - limit
	}
	out := make([]telemetry.ChatMessage, len(s.chat)-start)
	copy(out, s.chat[start:])
	return out, nil
}

// SaveFavorite stores a day snapshot
func (s *Storage) SaveFavorite(ctx context.Context, group telemetry.DayGroup) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := telemetry.DayGroup{Day: telemetry.FloorDay(group.Day)}
	for _, b := range group.Buckets {
		snapshot.Buckets = append(snapshot.Buckets, b.Clone())
	}
	s.favorites[snapshot.Day.Unix()] = snapshot
	return nil
}

// DeleteFavorite removes a day snapshot
func (s *Storage) DeleteFavorite(ctx context.Context, day time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := telemetry.FloorDay(day).Unix()
	if _, ok := s.favorites[key]; !ok {
		return fmt.Errorf("favorite %s: %w", day.Format(time.DateOnly), storage.ErrNotFound)
	}
	delete(s.favorites, key)
	return nil
}

// Favorites returns all day snapshots, oldest first
func (s *Storage) Favorites(ctx context.Context) ([]telemetry.DayGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]telemetry.DayGroup, 0, len(s.favorites))
	for _, g := range s.favorites {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Day.Before(out[j].Day)
	})
	return out, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalBuckets: uint64(len(s.buckets)),
		ChatMessages: uint64(len(s.chat)),
		Favorites:    uint64(len(s.favorites)),
	}

	days := make(map[int64]bool)
	for _, b := range s.buckets {
		stats.TotalSamples += uint64(len(b.Samples))
		days[telemetry.FloorDay(b.HourKey).Unix()] = true

		if stats.OldestHour.IsZero() || b.HourKey.Before(stats.OldestHour) {
			stats.OldestHour = b.HourKey
		}
		if b.HourKey.After(stats.NewestHour) {
			stats.NewestHour = b.HourKey
		}
	}
	stats.TotalDays = uint64(len(days))

	// Rough size estimate (each sample ~64 bytes)
	stats.SizeBytes = stats.TotalSamples * 64

	return stats, nil
}

// sortedKeys returns bucket keys in hour order. Caller holds the lock.
func (s *Storage) sortedKeys() []int64 {
	keys := make([]int64, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
