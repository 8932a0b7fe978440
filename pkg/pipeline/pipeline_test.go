package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitals/pkg/aggregate"
	"github.com/nicktill/vitals/pkg/notify"
	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/storage/memory"
	"github.com/nicktill/vitals/pkg/telemetry"
	"github.com/nicktill/vitals/pkg/window"
)

var start = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

// flakyStore fails bucket writes while failing is set.
type flakyStore struct {
	*memory.Storage
	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *flakyStore) UpsertBuckets(ctx context.Context, buckets []telemetry.HourBucket) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return s.Storage.UpsertBuckets(ctx, buckets)
}

type countingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (d *countingDispatcher) Dispatch(ctx context.Context, n notify.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return nil
}

type eventLog struct {
	mu       sync.Mutex
	samples  int
	complete []telemetry.HourBucket
}

func (l *eventLog) SampleAccepted(telemetry.Sample, telemetry.HourBucket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples++
}

func (l *eventLog) BucketComplete(b telemetry.HourBucket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.complete = append(l.complete, b)
}

type fixture struct {
	clock      *clockwork.FakeClock
	store      *flakyStore
	dispatcher *countingDispatcher
	events     *eventLog
	pipeline   *Pipeline
}

func newFixture(t *testing.T, store *flakyStore) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(start)
	if store == nil {
		store = &flakyStore{Storage: memory.New()}
	}
	windows, err := window.New(clock, window.DefaultSpecs()...)
	require.NoError(t, err)

	f := &fixture{
		clock:      clock,
		store:      store,
		dispatcher: &countingDispatcher{},
		events:     &eventLog{},
	}
	f.pipeline, err = New(Config{
		Store:      store,
		Aggregator: aggregate.New(clock, aggregate.WithLocation(time.UTC)),
		Windows:    windows,
		Notifier:   notify.New(f.dispatcher, nil),
		Listeners:  []Listener{f.events},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) sample(hr float64) telemetry.Sample {
	return telemetry.Sample{Timestamp: f.clock.Now(), HeartRate: hr, BloodOxygen: 97}
}

func TestProcess_PersistsAndAverages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, hr := range []float64{70, 72, 68, 74, 70, 130} {
		_, err := f.pipeline.Process(ctx, f.sample(hr))
		require.NoError(t, err)
		f.clock.Advance(5 * time.Second)
	}

	stored, err := f.store.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 81.0, stored[0].AverageHeartRate)
	assert.True(t, stored[0].IsRecording)
	assert.Len(t, stored[0].Samples, 6)

	state, ok, err := f.store.RecordingState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, state.IsRecording)
	assert.True(t, state.CurrentHour.Equal(start))

	recent, err := f.pipeline.Windows().Get("1m")
	require.NoError(t, err)
	assert.Len(t, recent, 6)
	assert.Equal(t, 6, f.events.samples)
}

func TestProcess_RejectedSampleSkipsWindowsAndStorage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.pipeline.Process(ctx, f.sample(101))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.False(t, res.HasBucket)

	recent, err := f.pipeline.Windows().Get("1m")
	require.NoError(t, err)
	assert.Empty(t, recent)

	stored, err := f.store.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Zero(t, f.events.samples)
}

func TestTick_ClosesSilentBucketAndNotifiesOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.pipeline.Process(ctx, f.sample(72))
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.pipeline.Tick(ctx))
	assert.Empty(t, f.dispatcher.sent)

	f.clock.Advance(31 * time.Minute)
	require.NoError(t, f.pipeline.Tick(ctx))
	require.NoError(t, f.pipeline.Tick(ctx))

	require.Len(t, f.dispatcher.sent, 1)
	require.Len(t, f.events.complete, 1)
	_, open := f.pipeline.Current()
	assert.False(t, open)

	stored, err := f.store.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].IsRecording)

	state, _, err := f.store.RecordingState(ctx)
	require.NoError(t, err)
	assert.False(t, state.IsRecording)
	assert.True(t, state.CurrentHour.Equal(start))
}

func TestProcess_NextHourHandsOffPreviousBucket(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.pipeline.Process(ctx, f.sample(72))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	res, err := f.pipeline.Process(ctx, f.sample(75))
	require.NoError(t, err)
	require.Len(t, res.Closed, 1)

	stored, err := f.store.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.False(t, stored[0].IsRecording)
	assert.True(t, stored[1].IsRecording)
	assert.Len(t, f.dispatcher.sent, 1)
}

func TestProcess_PersistFailureRetriedNextCycle(t *testing.T) {
	store := &flakyStore{Storage: memory.New(), failing: true}
	f := newFixture(t, store)
	ctx := context.Background()

	res, err := f.pipeline.Process(ctx, f.sample(72))
	require.ErrorIs(t, err, ErrPersist)
	assert.True(t, res.Accepted, "sample is aggregated even when the write fails")
	assert.Equal(t, 1, f.pipeline.Pending())

	current, ok := f.pipeline.Current()
	require.True(t, ok)
	assert.Len(t, current.Samples, 1)

	store.setFailing(false)
	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.pipeline.Tick(ctx))
	assert.Zero(t, f.pipeline.Pending())

	stored, err := store.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Len(t, stored[0].Samples, 1)
}

func TestRestore_ResumesOpenBucket(t *testing.T) {
	store := &flakyStore{Storage: memory.New()}
	ctx := context.Background()

	first := newFixture(t, store)
	for _, hr := range []float64{70, 71, 72} {
		_, err := first.pipeline.Process(ctx, first.sample(hr))
		require.NoError(t, err)
	}

	second := newFixture(t, store)
	second.clock.Advance(10 * time.Minute)
	require.NoError(t, second.pipeline.Restore(ctx))

	current, ok := second.pipeline.Current()
	require.True(t, ok)
	assert.Len(t, current.Samples, 3)

	_, err := second.pipeline.Process(ctx, second.sample(73))
	require.NoError(t, err)
	current, _ = second.pipeline.Current()
	assert.Len(t, current.Samples, 4)

	second.clock.Advance(time.Hour)
	require.NoError(t, second.pipeline.Tick(ctx))
	assert.Len(t, second.dispatcher.sent, 1, "restored bucket still announces completion")
}

func TestRestore_NothingRecording(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.pipeline.Restore(context.Background()))
	_, ok := f.pipeline.Current()
	assert.False(t, ok)
}

func TestPrune_SerializedWithProcess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old := telemetry.HourBucket{HourKey: start.AddDate(0, 0, -40)}
	require.NoError(t, f.store.UpsertBuckets(ctx, []telemetry.HourBucket{old}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			f.pipeline.Process(ctx, f.sample(72))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, err := f.pipeline.Prune(ctx, start, 30)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	stored, err := f.store.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].HourKey.Equal(start))
	assert.Len(t, stored[0].Samples, 50)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestImportBuckets_LeavesOpenHourToAggregator(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.pipeline.Process(ctx, f.sample(70))
	require.NoError(t, err)

	earlier := telemetry.HourBucket{HourKey: start.Add(-time.Hour), AverageHeartRate: 65}
	sameHour := telemetry.HourBucket{HourKey: start, AverageHeartRate: 150}
	later := telemetry.HourBucket{HourKey: start.Add(time.Hour), AverageHeartRate: 90}

	refused, err := f.pipeline.ImportBuckets(ctx, []telemetry.HourBucket{earlier, sameHour, later})
	require.NoError(t, err)
	require.Len(t, refused, 2)
	assert.True(t, refused[0].HourKey.Equal(start))
	assert.True(t, refused[1].HourKey.Equal(start.Add(time.Hour)))

	stored, err := f.store.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 65.0, stored[0].AverageHeartRate)
	assert.True(t, stored[1].IsRecording, "open bucket keeps its persisted copy")
	assert.Equal(t, 70.0, stored[1].AverageHeartRate)
	assert.Len(t, stored[1].Samples, 1)

	// a restart still resumes the open hour
	second := newFixture(t, f.store)
	require.NoError(t, second.pipeline.Restore(ctx))
	current, ok := second.pipeline.Current()
	require.True(t, ok)
	assert.Len(t, current.Samples, 1)
}

func TestImportBuckets_NothingRecording(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	refused, err := f.pipeline.ImportBuckets(ctx, []telemetry.HourBucket{{HourKey: start, AverageHeartRate: 80}})
	require.NoError(t, err)
	assert.Empty(t, refused)

	stored, err := f.store.Buckets(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestImportBuckets_WriteFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.setFailing(true)

	_, err := f.pipeline.ImportBuckets(context.Background(), []telemetry.HourBucket{{HourKey: start.Add(-time.Hour)}})
	assert.Error(t, err)
}

func TestProcess_CancelledContextDiscardsSample(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.pipeline.Process(ctx, f.sample(70))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Accepted)

	_, ok := f.pipeline.Current()
	assert.False(t, ok, "aggregator never saw the sample")

	samples, err := f.pipeline.Windows().Get("1m")
	require.NoError(t, err)
	assert.Empty(t, samples)
	assert.Zero(t, f.events.samples)
}
