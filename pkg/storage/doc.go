/*
Package storage provides the pluggable persistent store for vitals logs.

# Storage Interface

The store is keyed by namespace, mirroring the layout the UI reads:

	health_logs        hour buckets, flattened, keyed by hour
	current_recording  {is_recording, current_hour} for restart recovery
	chat_messages      assistant transcript records
	favorite_logs      day-grouped snapshots the user pinned

The day-grouped view (health_daily_logs) is not stored separately. It is
derived on read by Days and Day, so a day exists exactly when at least one
of its hour buckets does.

Backends:
  - memory: in-process maps for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) on the local disk

# Writers

Only two components write bucket data: the ingest pipeline (upserting the
open bucket on every accepted sample) and the retention manager (deleting
old days). Both go through the pipeline's single writer lock, so backends
don't need cross-call transactions.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data/vitals"})
	if err != nil {
	    return err
	}
	defer store.Close()

	day, err := storage.Day(ctx, store, time.Now())
	if errors.Is(err, storage.ErrNotFound) {
	    // nothing recorded today yet
	}
*/
package storage
