package compaction

import (
	"sort"
	"time"

	"github.com/nicktill/vitals/pkg/telemetry"
)

// Downsample reduces samples to fixed-width time-bucket averages.
//
// The input is copied and sorted by timestamp first, so callers may pass
// unordered data and get a deterministic result. A bucket opens at the
// first sample's timestamp floored to width and absorbs samples less than
// width after its anchor. The sample that overflows opens the next bucket,
// anchored at its own floor rather than at previous anchor + width, so
// buckets realign across gaps in the data.
//
// Empty input returns an empty (non-nil) slice. A non-positive width
// returns one point per sample.
func Downsample(samples []telemetry.Sample, width time.Duration) []telemetry.DownsampledPoint {
	points := make([]telemetry.DownsampledPoint, 0, estimateBuckets(samples, width))
	if len(samples) == 0 {
		return points
	}

	sorted := make([]telemetry.Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	if width <= 0 {
		for _, s := range sorted {
			agg := newAggregate(s.Timestamp)
			agg.Add(s)
			points = append(points, agg.ToPoint())
		}
		return points
	}

	current := newAggregate(telemetry.FloorWidth(sorted[0].Timestamp, width))
	for _, s := range sorted {
		if !current.Contains(s.Timestamp, width) {
			points = append(points, current.ToPoint())
			current = newAggregate(telemetry.FloorWidth(s.Timestamp, width))
		}
		current.Add(s)
	}
	points = append(points, current.ToPoint())

	return points
}

// DownsampleBuckets flattens hour buckets and downsamples their samples.
// Used for day charts.
func DownsampleBuckets(buckets []telemetry.HourBucket, width time.Duration) []telemetry.DownsampledPoint {
	var n int
	for _, b := range buckets {
		n += len(b.Samples)
	}

	all := make([]telemetry.Sample, 0, n)
	for _, b := range buckets {
		all = append(all, b.Samples...)
	}
	return Downsample(all, width)
}

// estimateBuckets sizes the output slice; it only affects allocation.
func estimateBuckets(samples []telemetry.Sample, width time.Duration) int {
	if len(samples) < 2 || width <= 0 {
		return len(samples)
	}
	first, last := samples[0].Timestamp, samples[len(samples)-1].Timestamp
	span := last.Sub(first)
	if span < 0 {
		span = -span
	}
	n := int(span/width) + 1
	if n > len(samples) {
		return len(samples)
	}
	return n
}
