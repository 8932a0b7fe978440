package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicktill/vitals/pkg/telemetry"
	"github.com/nicktill/vitals/pkg/validate"
)

var (
	// ErrStaleSample is returned for a sample whose hour precedes the open bucket.
	// Closed buckets belong to storage and are never reopened.
	ErrStaleSample = errors.New("sample hour precedes the open bucket")

	// ErrBucketOpen is returned by Restore when a bucket is already open.
	ErrBucketOpen = errors.New("a bucket is already open")
)

// Result describes the effect of one Ingest call.
type Result struct {
	// Bucket is a copy of the bucket the sample landed in, after the update.
	// Only meaningful when HasBucket is true.
	Bucket    telemetry.HourBucket
	HasBucket bool

	// Accepted is true when the sample was stored.
	Accepted bool

	// Reason explains a rejection (validation or staleness). Nil when accepted.
	Reason error

	// Closed lists buckets that left the aggregator during this call,
	// i.e. transitioned to complete. Storage owns them from here on.
	Closed []telemetry.HourBucket
}

// Aggregator owns the currently open hour bucket.
// All methods are safe for concurrent use; ingestion is serialized.
type Aggregator struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	loc     *time.Location
	current *telemetry.HourBucket
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLocation sets the location used to find calendar hours (default time.Local).
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// New creates an aggregator reading wall-clock time from clock.
func New(clock clockwork.Clock, opts ...Option) *Aggregator {
	a := &Aggregator{
		clock: clock,
		loc:   time.Local,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ingest validates a sample against the open bucket and stores it if accepted.
func (a *Aggregator) Ingest(s telemetry.Sample) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	key := telemetry.FloorHour(s.Timestamp.In(a.loc))

	var res Result

	if a.current != nil && !a.current.HourKey.Equal(key) {
		if key.Before(a.current.HourKey) {
			res.Reason = fmt.Errorf("%w: sample hour %s, open hour %s",
				ErrStaleSample, key.Format(time.RFC3339), a.current.HourKey.Format(time.RFC3339))
			res.Bucket = a.current.Clone()
			res.HasBucket = true
			return res
		}

		// A sample from a later hour proves the open hour has ended.
		a.current.IsRecording = false
		res.Closed = append(res.Closed, a.current.Clone())
		a.current = nil
	}

	position := 0
	if a.current != nil {
		position = len(a.current.Samples)
	}

	if err := validate.Check(s, position); err != nil {
		res.Reason = err
		if a.current == nil {
			// no bucket materializes from rejected samples
			return res
		}
	} else {
		if a.current == nil {
			a.current = &telemetry.HourBucket{
				HourKey:     key,
				IsRecording: true,
				Samples:     make([]telemetry.Sample, 0, 720),
			}
		}
		a.current.Samples = append(a.current.Samples, s)
		recorded := now
		a.current.LastRecordTime = &recorded
		res.Accepted = true
	}

	a.current.AverageHeartRate, a.current.AverageBloodOxygen = Averages(a.current.Samples)

	res.Bucket = a.current.Clone()
	res.HasBucket = true

	if complete(a.current, now) {
		res.Bucket.IsRecording = false
		res.Closed = append(res.Closed, a.current.Clone())
		a.current = nil
	}

	return res
}

// Refresh re-checks the open bucket against the clock and returns it if it
// just completed. Call it on every tick so hours close while the sensor is silent.
func (a *Aggregator) Refresh() []telemetry.HourBucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil || !complete(a.current, a.clock.Now()) {
		return nil
	}

	closed := a.current.Clone()
	a.current = nil
	return []telemetry.HourBucket{closed}
}

// Current returns a copy of the open bucket.
func (a *Aggregator) Current() (telemetry.HourBucket, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		return telemetry.HourBucket{}, false
	}
	return a.current.Clone(), true
}

// Restore adopts a persisted bucket that was still recording when the process stopped.
// Buckets that are no longer recording are ignored: storage already owns them.
func (a *Aggregator) Restore(b telemetry.HourBucket) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil {
		return ErrBucketOpen
	}
	if !b.IsRecording {
		return nil
	}

	restored := b.Clone()
	restored.HourKey = telemetry.FloorHour(restored.HourKey.In(a.loc))
	restored.AverageHeartRate, restored.AverageBloodOxygen = Averages(restored.Samples)
	a.current = &restored
	return nil
}

// Averages returns the rounded means of the samples that pass validation under
// their positional rule. Samples failing re-validation are skipped, not removed.
// An empty or fully rejected sequence averages to 0.
func Averages(samples []telemetry.Sample) (heartRate, bloodOxygen float64) {
	var sumHR, sumO2 float64
	var n int

	for i, s := range samples {
		if validate.Classify(s, i) != validate.Accepted {
			continue
		}
		sumHR += s.HeartRate
		sumO2 += s.BloodOxygen
		n++
	}

	if n == 0 {
		return 0, 0
	}
	return math.Round(sumHR / float64(n)), math.Round(sumO2 / float64(n))
}

// complete flips a bucket to not-recording once now reaches its end.
// It never flips back.
func complete(b *telemetry.HourBucket, now time.Time) bool {
	if !b.IsRecording {
		return true
	}
	if now.Before(b.End()) {
		return false
	}
	b.IsRecording = false
	return true
}
