package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/telemetry"
)

// BucketWriter stores imported buckets and returns the ones it refused.
// The ingest pipeline implements it so imports share its write lock.
type BucketWriter interface {
	ImportBuckets(ctx context.Context, buckets []telemetry.HourBucket) (refused []telemetry.HourBucket, err error)
}

type storeWriter struct {
	store storage.Storage
}

// StoreWriter writes imports straight to store. Use it only when nothing
// else is writing to the store.
func StoreWriter(store storage.Storage) BucketWriter {
	return storeWriter{store: store}
}

func (w storeWriter) ImportBuckets(ctx context.Context, buckets []telemetry.HourBucket) ([]telemetry.HourBucket, error) {
	return nil, w.store.UpsertBuckets(ctx, buckets)
}

// Importer restores JSON day exports
type Importer struct {
	writer BucketWriter
	now    func() time.Time
}

// NewImporter creates a new importer
func NewImporter(writer BucketWriter) *Importer {
	return &Importer{writer: writer, now: time.Now}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	Day             string    `json:"day"`
	BucketsImported int       `json:"buckets_imported"`
	ImportedAt      time.Time `json:"imported_at"`
	Errors          []string  `json:"errors,omitempty"`
}

// ImportFromJSON reads a document produced by Export in JSON format.
// Buckets that don't belong to the document's day, or that are still
// recording, are skipped and reported in Errors.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	if doc.Metadata.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported export version %q", doc.Metadata.Version)
	}
	if doc.Log.Day.IsZero() {
		return nil, fmt.Errorf("export has no day")
	}

	result := &ImportResult{
		Day:        doc.Log.Day.Format(DayLayout),
		ImportedAt: im.now(),
	}

	day := telemetry.FloorDay(doc.Log.Day)
	valid := make([]telemetry.HourBucket, 0, len(doc.Log.Buckets))
	for i, b := range doc.Log.Buckets {
		if err := validateBucket(b, day); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("bucket %d: %v", i, err))
			continue
		}
		valid = append(valid, b)
	}

	var refused []telemetry.HourBucket
	if len(valid) > 0 {
		var err error
		refused, err = im.writer.ImportBuckets(ctx, valid)
		if err != nil {
			return nil, fmt.Errorf("failed to write buckets: %w", err)
		}
	}
	for _, b := range refused {
		result.Errors = append(result.Errors, fmt.Sprintf("hour %s is still being recorded", b.HourKey.Format(time.RFC3339)))
	}

	result.BucketsImported = len(valid) - len(refused)
	return result, nil
}

func validateBucket(b telemetry.HourBucket, day time.Time) error {
	if b.IsRecording {
		return fmt.Errorf("hour %s is still recording", b.HourKey.Format(time.RFC3339))
	}
	if !telemetry.FloorHour(b.HourKey).Equal(b.HourKey) {
		return fmt.Errorf("hour key %s is not on the hour", b.HourKey.Format(time.RFC3339))
	}
	if !telemetry.FloorDay(b.HourKey).Equal(day) {
		return fmt.Errorf("hour %s is outside %s", b.HourKey.Format(time.RFC3339), day.Format(DayLayout))
	}
	return nil
}
