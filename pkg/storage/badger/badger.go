package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/telemetry"
)

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent storage")
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// The device runs on small hardware. BadgerDB defaults (64 MB memtable x 5)
	// would dwarf our working set: one day of 5s samples is well under 2 MB.
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2). // badger requires at least 2 unless compactors are disabled
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// UpsertBuckets writes buckets keyed by hour, replacing existing entries
func (s *Storage) UpsertBuckets(ctx context.Context, buckets []telemetry.HourBucket) error {
	return s.update(ctx, "upsert", func(txn *badger.Txn) error {
		for _, b := range buckets {
			value, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("failed to encode bucket: %w", err)
			}
			if err := txn.Set(makeKey(storage.NamespaceHealthLogs, b.HourKey, nil), value); err != nil {
				return fmt.Errorf("failed to write bucket: %w", err)
			}
		}
		return nil
	})
}

// Buckets retrieves buckets in hour order
func (s *Storage) Buckets(ctx context.Context, req storage.QueryRequest) ([]telemetry.HourBucket, error) {
	var results []telemetry.HourBucket

	err := s.view(ctx, "query", func(txn *badger.Txn) error {
		return scan(ctx, txn, storage.NamespaceHealthLogs, req.Start, true, func(item *badger.Item) (bool, error) {
			_, ts := parseKey(item.Key())
			if !req.End.IsZero() && !ts.Before(req.End) {
				return false, nil
			}

			var b telemetry.HourBucket
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &b)
			}); err != nil {
				return false, fmt.Errorf("failed to decode bucket: %w", err)
			}
			results = append(results, b)

			return req.Limit == 0 || len(results) < req.Limit, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DeleteBefore removes buckets whose hour precedes the cutoff
func (s *Storage) DeleteBefore(ctx context.Context, before time.Time) (int, error) {
	var removed int

	err := s.update(ctx, "delete", func(txn *badger.Txn) error {
		var keysToDelete [][]byte
		err := scan(ctx, txn, storage.NamespaceHealthLogs, time.Time{}, false, func(item *badger.Item) (bool, error) {
			_, ts := parseKey(item.Key())
			if !ts.Before(before) {
				return false, nil // keys are time-ordered; the rest are newer
			}
			keysToDelete = append(keysToDelete, item.KeyCopy(nil))
			return true, nil
		})
		if err != nil {
			return err
		}

		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		removed = len(keysToDelete)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// SaveRecordingState stores the open-bucket marker
func (s *Storage) SaveRecordingState(ctx context.Context, state telemetry.RecordingState) error {
	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode recording state: %w", err)
	}
	return s.update(ctx, "save recording", func(txn *badger.Txn) error {
		return txn.Set(makeKey(storage.NamespaceCurrentRecording, time.Unix(0, 0), nil), value)
	})
}

// RecordingState loads the open-bucket marker
func (s *Storage) RecordingState(ctx context.Context) (telemetry.RecordingState, bool, error) {
	var state telemetry.RecordingState
	var found bool

	err := s.view(ctx, "load recording", func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(storage.NamespaceCurrentRecording, time.Unix(0, 0), nil))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	return state, found, err
}

// AppendChatMessages stores transcript records keyed by creation time
func (s *Storage) AppendChatMessages(ctx context.Context, msgs ...telemetry.ChatMessage) error {
	return s.update(ctx, "append chat", func(txn *badger.Txn) error {
		for _, m := range msgs {
			value, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to encode chat message: %w", err)
			}
			// the id suffix keeps same-instant messages distinct
			if err := txn.Set(makeKey(storage.NamespaceChatMessages, m.CreatedAt, []byte(m.ID)), value); err != nil {
				return fmt.Errorf("failed to write chat message: %w", err)
			}
		}
		return nil
	})
}

// ChatMessages returns the newest limit messages, oldest first
func (s *Storage) ChatMessages(ctx context.Context, limit int) ([]telemetry.ChatMessage, error) {
	var out []telemetry.ChatMessage

	err := s.view(ctx, "list chat", func(txn *badger.Txn) error {
		return scan(ctx, txn, storage.NamespaceChatMessages, time.Time{}, true, func(item *badger.Item) (bool, error) {
			var m telemetry.ChatMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return false, fmt.Errorf("failed to decode chat message: %w", err)
			}
			out = append(out, m)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SaveFavorite stores a day snapshot
func (s *Storage) SaveFavorite(ctx context.Context, group telemetry.DayGroup) error {
	group.Day = telemetry.FloorDay(group.Day)
	value, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("failed to encode favorite: %w", err)
	}
	return s.update(ctx, "save favorite", func(txn *badger.Txn) error {
		return txn.Set(makeKey(storage.NamespaceFavoriteLogs, group.Day, nil), value)
	})
}

// DeleteFavorite removes a day snapshot
func (s *Storage) DeleteFavorite(ctx context.Context, day time.Time) error {
	key := makeKey(storage.NamespaceFavoriteLogs, telemetry.FloorDay(day), nil)
	return s.update(ctx, "delete favorite", func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("favorite %s: %w", day.Format(time.DateOnly), storage.ErrNotFound)
			}
			return err
		}
		return txn.Delete(key)
	})
}

// Favorites returns all day snapshots, oldest first
func (s *Storage) Favorites(ctx context.Context) ([]telemetry.DayGroup, error) {
	var out []telemetry.DayGroup

	err := s.view(ctx, "list favorites", func(txn *badger.Txn) error {
		return scan(ctx, txn, storage.NamespaceFavoriteLogs, time.Time{}, true, func(item *badger.Item) (bool, error) {
			var g telemetry.DayGroup
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &g)
			}); err != nil {
				return false, fmt.Errorf("failed to decode favorite: %w", err)
			}
			out = append(out, g)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: rewrite a value log file if this fraction of it is garbage.
// badger.ErrNoRewrite means nothing needed collecting.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// InMemory reports whether the store has no value log to collect
func (s *Storage) InMemory() bool {
	return s.db.Opts().InMemory
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	err := s.view(ctx, "stats", func(txn *badger.Txn) error {
		days := make(map[int64]bool)
		err := scan(ctx, txn, storage.NamespaceHealthLogs, time.Time{}, true, func(item *badger.Item) (bool, error) {
			var b telemetry.HourBucket
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &b)
			}); err != nil {
				return false, err
			}

			stats.TotalBuckets++
			stats.TotalSamples += uint64(len(b.Samples))
			days[telemetry.FloorDay(b.HourKey).Unix()] = true
			if stats.OldestHour.IsZero() {
				stats.OldestHour = b.HourKey
			}
			stats.NewestHour = b.HourKey
			return true, nil
		})
		if err != nil {
			return err
		}
		stats.TotalDays = uint64(len(days))

		stats.ChatMessages, err = count(ctx, txn, storage.NamespaceChatMessages)
		if err != nil {
			return err
		}
		stats.Favorites, err = count(ctx, txn, storage.NamespaceFavoriteLogs)
		return err
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// update runs fn in a read-write transaction, giving up when ctx ends.
// The transaction itself keeps running to completion in the background;
// badger transactions can't be interrupted mid-commit.
func (s *Storage) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	return run(ctx, op, func() error { return s.db.Update(fn) })
}

// view runs fn in a read-only transaction, giving up when ctx ends.
func (s *Storage) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	return run(ctx, op, func() error { return s.db.View(fn) })
}

func run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// scan walks one namespace in key (time) order starting at from.
// visit returns false to stop early.
func scan(ctx context.Context, txn *badger.Txn, namespace string, from time.Time, withValues bool, visit func(*badger.Item) (bool, error)) error {
	prefix := namespacePrefix(namespace)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = withValues
	opts.PrefetchSize = 100

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if !from.IsZero() {
		seek = makeKey(namespace, from, nil)
	}

	var iterCount int
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		iterCount++
		if iterCount%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		more, err := visit(it.Item())
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func count(ctx context.Context, txn *badger.Txn, namespace string) (uint64, error) {
	var n uint64
	err := scan(ctx, txn, namespace, time.Time{}, false, func(*badger.Item) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// makeKey creates a sortable key: namespace_hash + timestamp (+ optional suffix)
// Format: [namespace hash (8 bytes)][unix nanos (8 bytes)][suffix]
func makeKey(namespace string, ts time.Time, suffix []byte) []byte {
	key := make([]byte, 16, 16+len(suffix))
	copy(key[0:8], namespacePrefix(namespace))
	binary.BigEndian.PutUint64(key[8:16], uint64(ts.UnixNano()))
	return append(key, suffix...)
}

// parseKey extracts the namespace hash and timestamp from a storage key
func parseKey(key []byte) (uint64, time.Time) {
	hash := binary.BigEndian.Uint64(key[0:8])
	tsNano := binary.BigEndian.Uint64(key[8:16])
	return hash, time.Unix(0, int64(tsNano))
}

func namespacePrefix(namespace string) []byte {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, xxhash.Sum64String(namespace))
	return prefix
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
