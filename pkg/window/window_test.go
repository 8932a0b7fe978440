package window

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitals/pkg/telemetry"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func sampleAt(offset time.Duration) telemetry.Sample {
	return telemetry.Sample{Timestamp: t0.Add(offset), HeartRate: 70, BloodOxygen: 97}
}

func TestRecord_EvictsByAge(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	store, err := New(clock, Spec{Name: "5m", Duration: 300 * time.Second, MaxPoints: 1000})
	require.NoError(t, err)

	for _, off := range []time.Duration{0, 200 * time.Second, 310 * time.Second} {
		clock.Advance(t0.Add(off).Sub(clock.Now()))
		store.Record(sampleAt(off))
	}

	got, err := store.Get("5m")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, t0.Add(200*time.Second), got[0].Timestamp)
	assert.Equal(t, t0.Add(310*time.Second), got[1].Timestamp)
}

func TestRecord_WindowsTrimIndependently(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	store, err := New(clock)
	require.NoError(t, err)

	store.Record(sampleAt(0))
	clock.Advance(6 * time.Minute)
	store.Record(sampleAt(6 * time.Minute))

	fiveMin, err := store.Get("5m")
	require.NoError(t, err)
	assert.Len(t, fiveMin, 1)

	hour, err := store.Get("1h")
	require.NoError(t, err)
	assert.Len(t, hour, 2)
}

func TestRecord_CapsCountOldestFirst(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	store, err := New(clock, Spec{Name: "1h", Duration: time.Hour, MaxPoints: 3})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		store.Record(sampleAt(time.Duration(i) * time.Second))
	}

	got, err := store.Get("1h")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, t0.Add(2*time.Second), got[0].Timestamp)
	assert.Equal(t, t0.Add(4*time.Second), got[2].Timestamp)
}

func TestGet_DoesNotEvict(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	store, err := New(clock, Spec{Name: "1m", Duration: time.Minute})
	require.NoError(t, err)

	store.Record(sampleAt(0))
	clock.Advance(10 * time.Minute)

	got, err := store.Get("1m")
	require.NoError(t, err)
	assert.Len(t, got, 1, "eviction only happens on Record")
}

func TestGet_UnknownRange(t *testing.T) {
	store, err := New(clockwork.NewFakeClock())
	require.NoError(t, err)

	_, err = store.Get("2d")
	assert.ErrorIs(t, err, ErrUnknownRange)
}

func TestGet_ReturnsCopy(t *testing.T) {
	store, err := New(clockwork.NewFakeClockAt(t0))
	require.NoError(t, err)
	store.Record(sampleAt(0))

	got, _ := store.Get("5m")
	got[0].HeartRate = 0

	again, _ := store.Get("5m")
	assert.Equal(t, 70.0, again[0].HeartRate)
}

func TestNew_InvalidSpecs(t *testing.T) {
	clock := clockwork.NewFakeClock()

	_, err := New(clock, Spec{Name: "", Duration: time.Minute})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, err = New(clock, Spec{Name: "x", Duration: 0})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, err = New(clock, Spec{Name: "x", Duration: time.Minute}, Spec{Name: "x", Duration: time.Hour})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestRanges_SortedByDuration(t *testing.T) {
	store, err := New(clockwork.NewFakeClock(),
		Spec{Name: "1h", Duration: time.Hour},
		Spec{Name: "30s", Duration: 30 * time.Second},
	)
	require.NoError(t, err)

	ranges := store.Ranges()
	require.Len(t, ranges, 2)
	assert.Equal(t, "30s", ranges[0].Name)
	assert.Equal(t, DefaultMaxPoints, ranges[0].MaxPoints)
}
