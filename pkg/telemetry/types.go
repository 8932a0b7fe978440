package telemetry

import (
	"time"
)

// Sample is one timestamped heart-rate/blood-oxygen reading.
// Samples are never mutated after creation; share them by value.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	HeartRate   float64   `json:"heart_rate"`
	BloodOxygen float64   `json:"blood_oxygen"`
}

// HourBucket aggregates the samples of one calendar hour.
type HourBucket struct {
	HourKey            time.Time  `json:"hour_key"`
	IsRecording        bool       `json:"is_recording"`
	LastRecordTime     *time.Time `json:"last_record_time,omitempty"`
	AverageHeartRate   float64    `json:"average_heart_rate"`
	AverageBloodOxygen float64    `json:"average_blood_oxygen"`
	Samples            []Sample   `json:"samples"`
}

// End returns the exclusive end boundary of the bucket's hour.
func (b HourBucket) End() time.Time {
	return b.HourKey.Add(time.Hour)
}

// Clone returns a deep copy so callers can't reach the owner's sample slice.
func (b HourBucket) Clone() HourBucket {
	out := b
	if b.LastRecordTime != nil {
		t := *b.LastRecordTime
		out.LastRecordTime = &t
	}
	out.Samples = make([]Sample, len(b.Samples))
	copy(out.Samples, b.Samples)
	return out
}

// DayGroup is the ordered list of hour buckets recorded on one calendar day.
type DayGroup struct {
	Day     time.Time    `json:"day"`
	Buckets []HourBucket `json:"buckets"`
}

// DownsampledPoint is one fixed-width chart bucket.
type DownsampledPoint struct {
	BucketStart     time.Time `json:"bucket_start"`
	HeartRate       float64   `json:"heart_rate"`
	BloodOxygen     float64   `json:"blood_oxygen"`
	RawHeartRates   []float64 `json:"raw_heart_rates"`
	RawOxygenLevels []float64 `json:"raw_oxygen_levels"`
}

// RecordingState mirrors the open bucket for restart recovery.
type RecordingState struct {
	IsRecording bool      `json:"is_recording"`
	CurrentHour time.Time `json:"current_hour"`
}

// ChatMessage is a persisted assistant transcript record.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
