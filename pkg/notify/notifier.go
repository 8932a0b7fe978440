// Package notify announces completed hour buckets.
//
// A bucket is announced exactly once, on the edge where it is first seen
// recording and later seen closed. Buckets whose first observation is
// already closed (for example, restored from storage after the hour ended)
// never fire. Dispatch failures are logged and dropped.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/vitals/pkg/instrument"
	"github.com/nicktill/vitals/pkg/telemetry"
)

// notifiedHorizon is how long a fired hour is remembered. Buckets only move
// forward in time, so anything older can no longer be observed.
const notifiedHorizon = 48 * time.Hour

// Notification is the payload handed to a Dispatcher
type Notification struct {
	ID    string               `json:"id"`
	Title string               `json:"title"`
	Body  string               `json:"body"`
	Data  telemetry.HourBucket `json:"data"`
}

// Dispatcher delivers a notification somewhere
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Notifier fires once per completed bucket
type Notifier struct {
	dispatcher Dispatcher
	logger     *slog.Logger

	mu        sync.Mutex
	recording map[int64]bool // hours observed while recording
	notified  map[int64]bool // hours already announced
}

// New creates a notifier. A nil dispatcher logs instead of sending.
func New(dispatcher Dispatcher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = NewLogDispatcher(logger)
	}
	return &Notifier{
		dispatcher: dispatcher,
		logger:     logger,
		recording:  make(map[int64]bool),
		notified:   make(map[int64]bool),
	}
}

// Observe records the bucket's state and dispatches a notification if this
// observation is its recording → complete transition. Returns true when a
// notification was attempted.
func (n *Notifier) Observe(ctx context.Context, bucket telemetry.HourBucket) bool {
	if !n.transition(bucket) {
		return false
	}

	note := Notification{
		ID:    uuid.NewString(),
		Title: "Hourly log complete",
		Body: fmt.Sprintf("%s: avg heart rate %.0f bpm, avg SpO2 %.0f%%",
			bucket.HourKey.Format("Jan 2 15:04"), bucket.AverageHeartRate, bucket.AverageBloodOxygen),
		Data: bucket.Clone(),
	}

	if err := n.dispatcher.Dispatch(ctx, note); err != nil {
		instrument.RecordNotification(instrument.NotifyFailed)
		n.logger.Warn("failed to dispatch notification",
			"hour", bucket.HourKey, "error", err)
		return true
	}

	instrument.RecordNotification(instrument.NotifySent)
	n.logger.Info("bucket completion notified", "hour", bucket.HourKey, "id", note.ID)
	return true
}

// transition updates the observation sets and reports whether the bucket
// just completed.
func (n *Notifier) transition(bucket telemetry.HourBucket) bool {
	key := bucket.HourKey.UnixNano()

	n.mu.Lock()
	defer n.mu.Unlock()

	if bucket.IsRecording {
		if !n.notified[key] {
			n.recording[key] = true
		}
		return false
	}

	if !n.recording[key] || n.notified[key] {
		return false
	}

	delete(n.recording, key)
	n.notified[key] = true

	cutoff := bucket.HourKey.Add(-notifiedHorizon).UnixNano()
	for k := range n.notified {
		if k < cutoff {
			delete(n.notified, k)
		}
	}
	for k := range n.recording {
		if k < cutoff {
			delete(n.recording, k)
		}
	}
	return true
}
