// Package pipeline joins validation, aggregation, rolling windows,
// persistence and completion notification behind one lock.
//
// # Write path
//
// Every poll cycle hands one sample to Process:
//
//	sample → Aggregator.Ingest → window.Store.Record → Storage.UpsertBuckets
//	                                                 → Storage.SaveRecordingState
//
// Then, after the lock is released, the notifier and listeners see the
// updated bucket. Tick does the same for a silent sensor: it asks the
// aggregator to re-check completion so an hour still closes on time.
//
// # Single writer
//
// Storage is shared between ingestion and retention. Process, Tick and
// Prune all take the pipeline mutex, so a prune never interleaves with an
// ingest-and-persist cycle. Fetching happens outside the lock, in the poller.
//
// # Persistence failures
//
// The in-memory aggregator stays authoritative. Buckets whose write failed
// are kept in a pending set keyed by hour and written again, merged with
// newer copies, on the next cycle. Process reports the failure wrapped in
// ErrPersist; the sample itself has already been aggregated.
package pipeline
