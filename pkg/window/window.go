package window

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicktill/vitals/pkg/telemetry"
)

// DefaultMaxPoints caps every window unless its Spec says otherwise.
const DefaultMaxPoints = 1000

var (
	// ErrUnknownRange is returned by Get for a range that isn't configured
	ErrUnknownRange = errors.New("unknown window range")

	// ErrInvalidSpec is returned by New for malformed window specs
	ErrInvalidSpec = errors.New("invalid window spec")
)

// Spec describes one rolling window.
type Spec struct {
	Name      string        `yaml:"name" json:"name" validate:"required"`
	Duration  time.Duration `yaml:"duration" json:"duration" validate:"gt=0"`
	MaxPoints int           `yaml:"max_points" json:"max_points" validate:"gte=0"`
}

// DefaultSpecs returns the live-chart ranges offered by default.
func DefaultSpecs() []Spec {
	return []Spec{
		{Name: "1m", Duration: time.Minute, MaxPoints: DefaultMaxPoints},
		{Name: "5m", Duration: 5 * time.Minute, MaxPoints: DefaultMaxPoints},
		{Name: "15m", Duration: 15 * time.Minute, MaxPoints: DefaultMaxPoints},
		{Name: "30m", Duration: 30 * time.Minute, MaxPoints: DefaultMaxPoints},
		{Name: "1h", Duration: time.Hour, MaxPoints: DefaultMaxPoints},
	}
}

type buffer struct {
	spec    Spec
	samples []telemetry.Sample
}

// Store keeps one age- and count-bounded buffer per configured range.
// Contents are cache state: never persisted, empty after restart.
type Store struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	windows map[string]*buffer
	specs   []Spec
}

// New creates a store with the given windows. With no specs, DefaultSpecs is used.
func New(clock clockwork.Clock, specs ...Spec) (*Store, error) {
	if len(specs) == 0 {
		specs = DefaultSpecs()
	}

	s := &Store{
		clock:   clock,
		windows: make(map[string]*buffer, len(specs)),
	}

	for _, spec := range specs {
		if spec.Name == "" || spec.Duration <= 0 || spec.MaxPoints < 0 {
			return nil, fmt.Errorf("%w: %+v", ErrInvalidSpec, spec)
		}
		if _, dup := s.windows[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate range %q", ErrInvalidSpec, spec.Name)
		}
		if spec.MaxPoints == 0 {
			spec.MaxPoints = DefaultMaxPoints
		}
		s.windows[spec.Name] = &buffer{
			spec:    spec,
			samples: make([]telemetry.Sample, 0, min(spec.MaxPoints, 256)),
		}
		s.specs = append(s.specs, spec)
	}

	sort.SliceStable(s.specs, func(i, j int) bool {
		return s.specs[i].Duration < s.specs[j].Duration
	})

	return s, nil
}

// Record appends a sample to every window, then evicts by age and by count.
// Each window is trimmed independently.
func (s *Store) Record(sample telemetry.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, w := range s.windows {
		w.samples = append(w.samples, sample)
		w.evict(now)
	}
}

// Get returns a copy of a window's samples in arrival order. It never evicts.
func (s *Store) Get(name string) ([]telemetry.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRange, name)
	}

	out := make([]telemetry.Sample, len(w.samples))
	copy(out, w.samples)
	return out, nil
}

// Ranges returns the configured windows ordered by duration.
func (s *Store) Ranges() []Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Spec, len(s.specs))
	copy(out, s.specs)
	return out
}

// evict drops samples older than the window span, then the oldest beyond MaxPoints.
func (w *buffer) evict(now time.Time) {
	cutoff := now.Add(-w.spec.Duration)

	kept := w.samples[:0]
	for _, smp := range w.samples {
		if smp.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, smp)
	}
	// clear the tail so evicted samples can be collected
	for i := len(kept); i < len(w.samples); i++ {
		w.samples[i] = telemetry.Sample{}
	}
	w.samples = kept

	if over := len(w.samples) - w.spec.MaxPoints; over > 0 {
		w.samples = append(w.samples[:0], w.samples[over:]...)
	}
}
