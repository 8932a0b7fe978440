package telemetry

import (
	"sort"
	"time"
)

// FloorHour rounds a timestamp down to the start of its hour in t's location.
func FloorHour(t time.Time) time.Time {
	return time.Date(
		t.Year(), t.Month(), t.Day(),
		t.Hour(), 0, 0, 0,
		t.Location(),
	)
}

// FloorDay rounds a timestamp down to midnight in t's location.
func FloorDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// FloorWidth rounds a timestamp down to a multiple of width since the Unix epoch.
// A non-positive width returns t unchanged.
func FloorWidth(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		return t
	}
	ns := t.UnixNano()
	rem := ns % int64(width)
	if rem < 0 {
		rem += int64(width)
	}
	return time.Unix(0, ns-rem).In(t.Location())
}

// GroupByDay groups buckets by calendar day, preserving bucket order within a day.
// Days are returned oldest first. Days without buckets never appear.
func GroupByDay(buckets []HourBucket) []DayGroup {
	var groups []DayGroup
	index := make(map[int64]int)

	for _, b := range buckets {
		day := FloorDay(b.HourKey)
		i, ok := index[day.Unix()]
		if !ok {
			groups = append(groups, DayGroup{Day: day})
			i = len(groups) - 1
			index[day.Unix()] = i
		}
		groups[i].Buckets = append(groups[i].Buckets, b)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Day.Before(groups[j].Day)
	})
	return groups
}
