// Package pipeline orchestrates pipeline runs.
//
// An Orchestrator owns a non-reentrant run lock: at most one run is RUNNING at
// any time and a second StartRun fails immediately with ErrAlreadyRunning.
// A run walks the adapters in priority order, syncing each one in isolation so
// a failing source does not stop the others. Cancellation is honored between
// sources. Once every source has been attempted, the run invalidates the cache
// namespaces dirtied by sources that committed data and refreshes the
// materialized views, persists its terminal status, publishes the terminal
// progress event and releases the lock.
//
// Every blocking call goes through the offload bridge so the goroutine driving
// the run never blocks on I/O itself.
package pipeline
