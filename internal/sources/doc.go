// Package sources defines the adapter contract for external data sources and
// its two reference variants.
//
// An Adapter splits ingestion into three steps the syncer composes:
//   - Fetch performs I/O and returns raw items starting at a cursor
//   - Parse turns raw items into Records without side effects
//   - Persist writes one batch of Records to the shared datastore
//
// Current implementations:
//   - fileAdapter: reads a local JSON Lines file; the cursor is the line index
//   - apiAdapter: pages through an HTTP JSON endpoint with offset/limit parameters
//
// Adapters are built from configuration by NewAdapters, which switches over the
// closed set of source types.
package sources
