// Package sync runs one source adapter to completion against its checkpoint.
//
// A Syncer reads the stored cursor, fetches from it, parses, and commits
// records in batches. After every committed batch the checkpoint advances to
// the position following the batch, so an interrupted sync resumes with at
// most one batch reprocessed and nothing skipped.
//
// All blocking work (checkpoint reads and writes, fetches, persists) runs on
// the offload bridge; only Parse runs on the calling goroutine.
//
// The coordinator subpackage schedules whole pipeline runs on an interval.
package sync
