package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/telemetry"
)

// Supported formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatText = "txt"
)

// FormatVersion is written into JSON exports and checked on import.
const FormatVersion = "1.0"

// DayLayout is how days appear in URLs, file names and exports.
const DayLayout = "2006-01-02"

// ErrUnknownFormat is returned for formats other than json, csv and txt.
var ErrUnknownFormat = errors.New("unknown export format")

// Exporter handles exporting day logs to various formats
type Exporter struct {
	storage storage.Storage
	now     func() time.Time
}

// NewExporter creates a new exporter
func NewExporter(store storage.Storage) *Exporter {
	return &Exporter{storage: store, now: time.Now}
}

// ExportResult contains stats about the export
type ExportResult struct {
	Day             string    `json:"day"`
	BucketsExported int       `json:"buckets_exported"`
	SamplesExported int       `json:"samples_exported"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exported_at"`
}

// Metadata heads a JSON export
type Metadata struct {
	ExportedAt  time.Time `json:"exported_at"`
	Day         string    `json:"day"`
	BucketCount int       `json:"bucket_count"`
	SampleCount int       `json:"sample_count"`
	Format      string    `json:"format"`
	Version     string    `json:"version"`
}

// Document is the JSON export layout
type Document struct {
	Metadata Metadata           `json:"metadata"`
	Log      telemetry.DayGroup `json:"log"`
}

// ParseFormat normalizes a format name. Empty means JSON.
func ParseFormat(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatText, "text":
		return FormatText, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ContentType returns the MIME type for a format
func ContentType(format string) string {
	switch format {
	case FormatCSV:
		return "text/csv"
	case FormatText:
		return "text/plain; charset=utf-8"
	}
	return "application/json"
}

// FileName suggests a download name for a day export
func FileName(day time.Time, format string) string {
	return fmt.Sprintf("health-log-%s.%s", day.Format(DayLayout), format)
}

// Export writes the given day in format. Returns storage.ErrNotFound when
// the day has no logs.
func (e *Exporter) Export(ctx context.Context, w io.Writer, day time.Time, format string) (*ExportResult, error) {
	group, err := storage.Day(ctx, e.storage, day)
	if err != nil {
		return nil, err
	}
	return e.Write(w, group, format)
}

// Write serializes an already loaded day
func (e *Exporter) Write(w io.Writer, group telemetry.DayGroup, format string) (*ExportResult, error) {
	result := &ExportResult{
		Day:             group.Day.Format(DayLayout),
		BucketsExported: len(group.Buckets),
		SamplesExported: countSamples(group),
		Format:          format,
		ExportedAt:      e.now(),
	}

	var err error
	switch format {
	case FormatJSON:
		err = writeJSON(w, group, result)
	case FormatCSV:
		err = writeCSV(w, group)
	case FormatText:
		err = writeText(w, group)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func writeJSON(w io.Writer, group telemetry.DayGroup, result *ExportResult) error {
	doc := Document{
		Metadata: Metadata{
			ExportedAt:  result.ExportedAt,
			Day:         result.Day,
			BucketCount: result.BucketsExported,
			SampleCount: result.SamplesExported,
			Format:      FormatJSON,
			Version:     FormatVersion,
		},
		Log: group,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func writeCSV(w io.Writer, group telemetry.DayGroup) error {
	writer := csv.NewWriter(w)

	header := []string{"hour", "timestamp", "heart_rate", "blood_oxygen", "hour_avg_heart_rate", "hour_avg_blood_oxygen"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, b := range group.Buckets {
		hour := b.HourKey.Format(time.RFC3339)
		avgHR := formatFloat(b.AverageHeartRate)
		avgO2 := formatFloat(b.AverageBloodOxygen)

		for _, s := range b.Samples {
			row := []string{
				hour,
				s.Timestamp.Format(time.RFC3339),
				formatFloat(s.HeartRate),
				formatFloat(s.BloodOxygen),
				avgHR,
				avgO2,
			}
			if err := writer.Write(row); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeText(w io.Writer, group telemetry.DayGroup) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Health log for %s\n", group.Day.Format("Monday, January 2, 2006"))
	fmt.Fprintf(&sb, "%d hours recorded, %d readings\n", len(group.Buckets), countSamples(group))

	for _, b := range group.Buckets {
		fmt.Fprintf(&sb, "\n%s  avg heart rate %s bpm  avg SpO2 %s%%  (%d readings)\n",
			b.HourKey.Format("15:04"), formatFloat(b.AverageHeartRate), formatFloat(b.AverageBloodOxygen), len(b.Samples))
		for _, s := range b.Samples {
			fmt.Fprintf(&sb, "  %s  HR %s  SpO2 %s\n",
				s.Timestamp.Format("15:04:05"), formatFloat(s.HeartRate), formatFloat(s.BloodOxygen))
		}
	}

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("failed to write text: %w", err)
	}
	return nil
}

func countSamples(group telemetry.DayGroup) int {
	n := 0
	for _, b := range group.Buckets {
		n += len(b.Samples)
	}
	return n
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
