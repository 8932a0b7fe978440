package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/vitals/pkg/aggregate"
	"github.com/nicktill/vitals/pkg/instrument"
	"github.com/nicktill/vitals/pkg/notify"
	"github.com/nicktill/vitals/pkg/retention"
	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/telemetry"
	"github.com/nicktill/vitals/pkg/validate"
	"github.com/nicktill/vitals/pkg/window"
)

// ErrPersist wraps storage failures on the write path.
var ErrPersist = errors.New("failed to persist bucket")

// Listener receives pipeline events after the write lock is released.
type Listener interface {
	SampleAccepted(sample telemetry.Sample, bucket telemetry.HourBucket)
	BucketComplete(bucket telemetry.HourBucket)
}

// Config wires the pipeline's collaborators
type Config struct {
	Store      storage.Storage
	Aggregator *aggregate.Aggregator
	Windows    *window.Store
	Notifier   *notify.Notifier
	Retention  *retention.Manager
	Listeners  []Listener
	Logger     *slog.Logger
}

// Pipeline is the single writer for the open bucket and the store
type Pipeline struct {
	mu sync.Mutex

	store     storage.Storage
	agg       *aggregate.Aggregator
	windows   *window.Store
	notifier  *notify.Notifier
	retention *retention.Manager
	listeners []Listener
	logger    *slog.Logger

	pending  map[int64]telemetry.HourBucket
	lastHour time.Time
}

// New creates a pipeline
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("storage is required")
	}
	if cfg.Aggregator == nil {
		return nil, errors.New("aggregator is required")
	}
	if cfg.Windows == nil {
		return nil, errors.New("window store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.New(nil, cfg.Logger)
	}
	if cfg.Retention == nil {
		cfg.Retention = retention.New(cfg.Store, cfg.Logger)
	}

	return &Pipeline{
		store:     cfg.Store,
		agg:       cfg.Aggregator,
		windows:   cfg.Windows,
		notifier:  cfg.Notifier,
		retention: cfg.Retention,
		listeners: cfg.Listeners,
		logger:    cfg.Logger,
		pending:   make(map[int64]telemetry.HourBucket),
	}, nil
}

// Restore adopts the bucket that was recording when the process last stopped.
// Call once at startup, before the poller runs.
func (p *Pipeline) Restore(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok, err := p.store.RecordingState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load recording state: %w", err)
	}
	if !ok || !state.IsRecording {
		return nil
	}

	buckets, err := p.store.Buckets(ctx, storage.QueryRequest{
		Start: state.CurrentHour,
		End:   state.CurrentHour.Add(time.Hour),
		Limit: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to load open bucket: %w", err)
	}
	if len(buckets) == 0 {
		p.logger.Warn("recording state points at a missing bucket", "hour", state.CurrentHour)
		return nil
	}

	if err := p.agg.Restore(buckets[0]); err != nil {
		return err
	}
	p.lastHour = buckets[0].HourKey

	// the restored bucket was recording, so its completion is announced
	p.notifier.Observe(ctx, buckets[0])

	p.logger.Info("restored open bucket",
		"hour", buckets[0].HourKey,
		"samples", len(buckets[0].Samples))
	return nil
}

// Process runs one sample through the write path.
// A non-nil error wraps ErrPersist; the returned Result is valid either way.
func (p *Pipeline) Process(ctx context.Context, sample telemetry.Sample) (aggregate.Result, error) {
	p.mu.Lock()

	// a cancelled caller has stopped polling; its sample is discarded
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return aggregate.Result{}, err
	}

	res := p.agg.Ingest(sample)
	p.recordOutcome(sample, res)

	if res.Accepted {
		p.windows.Record(sample)
	}

	writes := append([]telemetry.HourBucket(nil), res.Closed...)
	if res.Accepted && res.Bucket.IsRecording {
		writes = append(writes, res.Bucket)
	}
	if res.HasBucket {
		instrument.SetBucketAverages(res.Bucket.AverageHeartRate, res.Bucket.AverageBloodOxygen)
	}

	err := p.persist(ctx, writes)
	p.mu.Unlock()

	p.announce(ctx, res.Closed)
	if res.Accepted {
		p.notifier.Observe(ctx, res.Bucket)
		for _, l := range p.listeners {
			l.SampleAccepted(sample, res.Bucket)
		}
	}

	return res, err
}

// Tick closes the open bucket if its hour has ended and retries pending
// writes. Call it on every poll tick, even when the fetch fails.
func (p *Pipeline) Tick(ctx context.Context) error {
	p.mu.Lock()
	closed := p.agg.Refresh()
	var err error
	if len(closed) > 0 || len(p.pending) > 0 {
		err = p.persist(ctx, closed)
	}
	p.mu.Unlock()

	p.announce(ctx, closed)
	return err
}

// Prune removes days older than the horizon. It holds the write lock, so it
// never runs concurrently with Process.
func (p *Pipeline) Prune(ctx context.Context, now time.Time, horizonDays int) (retention.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.retention.Prune(ctx, now, horizonDays)
}

// ImportBuckets writes closed buckets from an export. Buckets at or after
// the open bucket's hour belong to the aggregator and are returned unwritten.
func (p *Pipeline) ImportBuckets(ctx context.Context, buckets []telemetry.HourBucket) ([]telemetry.HourBucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	open, recording := p.agg.Current()

	var refused []telemetry.HourBucket
	writes := make([]telemetry.HourBucket, 0, len(buckets))
	for _, b := range buckets {
		if recording && !b.HourKey.Before(open.HourKey) {
			refused = append(refused, b)
			continue
		}
		writes = append(writes, b)
	}
	if len(writes) == 0 {
		return refused, nil
	}

	if err := p.store.UpsertBuckets(ctx, writes); err != nil {
		return nil, err
	}
	return refused, nil
}

// Current returns a copy of the open bucket
func (p *Pipeline) Current() (telemetry.HourBucket, bool) {
	return p.agg.Current()
}

// Windows exposes the rolling history
func (p *Pipeline) Windows() *window.Store {
	return p.windows
}

// Pending returns how many buckets are waiting to be written
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// persist merges writes into the pending set and flushes it together with
// the recording state. Caller holds p.mu.
func (p *Pipeline) persist(ctx context.Context, writes []telemetry.HourBucket) error {
	for _, b := range writes {
		p.pending[b.HourKey.UnixNano()] = b
		if b.HourKey.After(p.lastHour) {
			p.lastHour = b.HourKey
		}
	}
	if len(p.pending) == 0 {
		return nil
	}

	batch := make([]telemetry.HourBucket, 0, len(p.pending))
	for _, b := range p.pending {
		batch = append(batch, b)
	}
	sort.Slice(batch, func(i, j int) bool {
		return batch[i].HourKey.Before(batch[j].HourKey)
	})

	if err := p.store.UpsertBuckets(ctx, batch); err != nil {
		instrument.RecordPersistFailure()
		instrument.SetPendingWrites(len(p.pending))
		p.logger.Warn("failed to persist buckets, will retry",
			"pending", len(p.pending), "error", err)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	clear(p.pending)
	instrument.SetPendingWrites(0)

	state := telemetry.RecordingState{CurrentHour: p.lastHour}
	if open, ok := p.agg.Current(); ok {
		state.IsRecording = true
		state.CurrentHour = open.HourKey
	}
	if err := p.store.SaveRecordingState(ctx, state); err != nil {
		instrument.RecordPersistFailure()
		p.logger.Warn("failed to persist recording state", "error", err)
		return fmt.Errorf("%w: recording state: %w", ErrPersist, err)
	}

	return nil
}

// announce notifies and publishes closed buckets. Caller must not hold p.mu.
func (p *Pipeline) announce(ctx context.Context, closed []telemetry.HourBucket) {
	for _, b := range closed {
		p.logger.Info("hour bucket complete",
			"hour", b.HourKey,
			"samples", len(b.Samples),
			"avg_heart_rate", b.AverageHeartRate,
			"avg_blood_oxygen", b.AverageBloodOxygen)

		p.notifier.Observe(ctx, b)
		for _, l := range p.listeners {
			l.BucketComplete(b)
		}
	}
}

func (p *Pipeline) recordOutcome(sample telemetry.Sample, res aggregate.Result) {
	switch {
	case res.Accepted:
		instrument.RecordSample(instrument.SampleAccepted)
	case errors.Is(res.Reason, aggregate.ErrStaleSample):
		instrument.RecordSample(instrument.SampleStale)
		p.logger.Warn("stale sample dropped", "timestamp", sample.Timestamp, "reason", res.Reason)
	default:
		instrument.RecordSample(instrument.SampleRejected)
		p.logger.Debug("sample rejected",
			"heart_rate", sample.HeartRate,
			"blood_oxygen", sample.BloodOxygen,
			"verdict", validate.Rejected,
			"reason", res.Reason)
	}
}
