package compaction

import (
	"math"
	"time"

	"github.com/nicktill/vitals/pkg/telemetry"
)

// Aggregate accumulates the samples of one chart bucket.
type Aggregate struct {
	// Bucket anchor, floored to the bucket width
	Start time.Time

	// Running sums for the means
	SumHeartRate   float64
	SumBloodOxygen float64
	Count          int

	// Raw constituents, kept for tooltip detail
	HeartRates   []float64
	OxygenLevels []float64
}

func newAggregate(start time.Time) *Aggregate {
	return &Aggregate{Start: start}
}

// Add folds one sample into the bucket.
func (a *Aggregate) Add(s telemetry.Sample) {
	a.SumHeartRate += s.HeartRate
	a.SumBloodOxygen += s.BloodOxygen
	a.Count++
	a.HeartRates = append(a.HeartRates, s.HeartRate)
	a.OxygenLevels = append(a.OxygenLevels, s.BloodOxygen)
}

// Contains reports whether ts falls inside [Start, Start+width).
func (a *Aggregate) Contains(ts time.Time, width time.Duration) bool {
	return ts.Sub(a.Start) < width
}

// ToPoint converts the bucket to its chart representation with means
// rounded to the nearest integer.
func (a *Aggregate) ToPoint() telemetry.DownsampledPoint {
	p := telemetry.DownsampledPoint{
		BucketStart:     a.Start,
		RawHeartRates:   a.HeartRates,
		RawOxygenLevels: a.OxygenLevels,
	}
	if a.Count > 0 {
		p.HeartRate = math.Round(a.SumHeartRate / float64(a.Count))
		p.BloodOxygen = math.Round(a.SumBloodOxygen / float64(a.Count))
	}
	return p
}
