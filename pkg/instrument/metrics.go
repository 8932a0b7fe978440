// Package instrument exposes the pipeline's Prometheus metrics.
//
// All collectors register with the default registry and are served by
// promhttp at /metrics. Components call the Record* helpers instead of
// touching collectors directly so label values stay consistent.
package instrument

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vitals"

// Poll cycle results.
const (
	PollOK         = "ok"
	PollFetchError = "fetch_error"
	PollDiscarded  = "discarded"
)

// Sample outcomes.
const (
	SampleAccepted = "accepted"
	SampleRejected = "rejected"
	SampleStale    = "stale"
)

// Notification results.
const (
	NotifySent   = "sent"
	NotifyFailed = "failed"
)

var (
	pollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "cycles_total",
		Help:      "Poll cycles by result",
	}, []string{"result"})

	skippedTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "skipped_ticks_total",
		Help:      "Ticks skipped because a cycle was still in flight",
	})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "fetch_duration_seconds",
		Help:      "Sensor fetch latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	samples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "samples_total",
		Help:      "Samples by validation outcome",
	}, []string{"outcome"})

	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "persist_failures_total",
		Help:      "Failed bucket writes to storage",
	})

	pendingWrites = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "pending_writes",
		Help:      "Buckets waiting to be retried after a failed write",
	})

	bucketAverages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bucket",
		Name:      "average",
		Help:      "Rounded averages of the open hour bucket",
	}, []string{"reading"})

	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Bucket completion notifications by result",
	}, []string{"result"})

	prunedDays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retention",
		Name:      "pruned_days_total",
		Help:      "Day groups removed by retention",
	})
)

// RecordPollCycle counts one finished poll cycle.
func RecordPollCycle(result string) {
	pollCycles.WithLabelValues(result).Inc()
}

// RecordSkippedTick counts a tick dropped while a cycle was in flight.
func RecordSkippedTick() {
	skippedTicks.Inc()
}

// RecordFetchDuration observes one sensor fetch.
func RecordFetchDuration(seconds float64) {
	fetchDuration.Observe(seconds)
}

// RecordSample counts a sample by outcome.
func RecordSample(outcome string) {
	samples.WithLabelValues(outcome).Inc()
}

// RecordPersistFailure counts a failed storage write.
func RecordPersistFailure() {
	persistFailures.Inc()
}

// SetPendingWrites reports the size of the retry set.
func SetPendingWrites(n int) {
	pendingWrites.Set(float64(n))
}

// SetBucketAverages reports the open bucket's averages.
func SetBucketAverages(heartRate, bloodOxygen float64) {
	bucketAverages.WithLabelValues("heart_rate").Set(heartRate)
	bucketAverages.WithLabelValues("blood_oxygen").Set(bloodOxygen)
}

// RecordNotification counts a dispatch attempt by result.
func RecordNotification(result string) {
	notifications.WithLabelValues(result).Inc()
}

// RecordPrunedDays adds to the pruned day counter.
func RecordPrunedDays(n int) {
	prunedDays.Add(float64(n))
}
