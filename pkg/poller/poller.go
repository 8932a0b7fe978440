// Package poller drives the pipeline: one fetch → process cycle per tick.
//
// At most one cycle is in flight. A tick that finds the previous cycle still
// running is skipped, not queued. Fetch failures abandon the cycle and are
// surfaced through OnError; the sink still gets a Tick so an hour can close
// while the sensor is unreachable. After Stop, a fetch that completes late
// is discarded instead of being applied.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicktill/vitals/pkg/aggregate"
	"github.com/nicktill/vitals/pkg/instrument"
	"github.com/nicktill/vitals/pkg/telemetry"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultFetchTimeout = 5 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("poller already started")
	ErrNotStarted     = errors.New("poller not started")
)

// Fetcher produces one sample per call
type Fetcher interface {
	Fetch(ctx context.Context) (telemetry.Sample, error)
}

// Sink consumes fetched samples
type Sink interface {
	Process(ctx context.Context, sample telemetry.Sample) (aggregate.Result, error)
	Tick(ctx context.Context) error
}

// Config holds poller configuration
type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger

	// OnError receives fetch and persistence failures. Called from the cycle goroutine.
	OnError func(err error)

	// OnSuccess is called after a sample was fetched and processed without error.
	OnSuccess func()
}

// Stats describes poller activity
type Stats struct {
	Cycles      uint64    `json:"cycles"`
	Failures    uint64    `json:"failures"`
	Skipped     uint64    `json:"skipped"`
	Discarded   uint64    `json:"discarded"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Running     bool      `json:"running"`
}

// Poller runs fetch cycles on a fixed interval
type Poller struct {
	cfg     Config
	fetcher Fetcher
	sink    Sink

	inFlight atomic.Bool
	stopped  atomic.Bool

	mu      sync.Mutex
	stats   Stats
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	cycles  sync.WaitGroup
}

// New creates a poller
func New(fetcher Fetcher, sink Sink, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		sink:    sink,
	}
}

// Start runs the first cycle immediately and then one per interval.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.started = true
	p.stopped.Store(false)
	p.stats.Running = true

	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	go p.loop(ctx, ticker)

	p.cfg.Logger.Info("poller started", "interval", p.cfg.Interval, "fetch_timeout", p.cfg.FetchTimeout)
	return nil
}

// Stop cancels the timer and any in-flight fetch, then waits for the cycle
// goroutine to return.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.stopped.Store(true)
	p.cancel()
	done := p.done
	p.started = false
	p.stats.Running = false
	p.mu.Unlock()

	<-done
	p.cycles.Wait()

	p.cfg.Logger.Info("poller stopped")
	return nil
}

// Stats returns a snapshot of poller activity
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Poller) loop(ctx context.Context, ticker clockwork.Ticker) {
	defer close(p.done)
	defer ticker.Stop()

	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.tick(ctx)
		}
	}
}

// tick starts a cycle unless one is already running.
func (p *Poller) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.mu.Lock()
		p.stats.Skipped++
		p.mu.Unlock()
		instrument.RecordSkippedTick()
		p.cfg.Logger.Debug("previous poll still in flight, skipping tick")
		return
	}

	p.cycles.Add(1)
	go func() {
		defer p.cycles.Done()
		defer p.inFlight.Store(false)
		p.cycle(ctx)
	}()
}

func (p *Poller) cycle(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	began := p.cfg.Clock.Now()
	sample, err := p.fetcher.Fetch(fetchCtx)
	cancel()
	instrument.RecordFetchDuration(p.cfg.Clock.Since(began).Seconds())

	if p.stopped.Load() || ctx.Err() != nil {
		p.mu.Lock()
		p.stats.Discarded++
		p.mu.Unlock()
		instrument.RecordPollCycle(instrument.PollDiscarded)
		return
	}

	if err != nil {
		p.fail(err)
		instrument.RecordPollCycle(instrument.PollFetchError)
		p.cfg.Logger.Warn("sensor fetch failed", "error", err)
		if err := p.sink.Tick(ctx); err != nil {
			p.report(err)
		}
		return
	}

	_, err = p.sink.Process(ctx, sample)
	if err != nil && (p.stopped.Load() || ctx.Err() != nil) {
		// stopped between the check above and Process; the sink dropped it
		p.mu.Lock()
		p.stats.Discarded++
		p.mu.Unlock()
		instrument.RecordPollCycle(instrument.PollDiscarded)
		return
	}
	instrument.RecordPollCycle(instrument.PollOK)

	p.mu.Lock()
	p.stats.Cycles++
	p.stats.LastSuccess = sample.Timestamp
	p.mu.Unlock()

	if err != nil {
		p.report(err)
		return
	}
	if p.cfg.OnSuccess != nil {
		p.cfg.OnSuccess()
	}
}

func (p *Poller) fail(err error) {
	p.mu.Lock()
	p.stats.Cycles++
	p.stats.Failures++
	p.stats.LastError = err.Error()
	p.mu.Unlock()

	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

func (p *Poller) report(err error) {
	p.mu.Lock()
	p.stats.LastError = err.Error()
	p.mu.Unlock()

	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}
