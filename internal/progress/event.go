// Package progress fans pipeline progress events out to subscribers without ever blocking the publisher.
package progress

import "time"

// EventType identifies a progress event
type EventType string

// Event types published during a run
const (
	EventRunStarted       EventType = "run_started"
	EventSourceStarted    EventType = "source_started"
	EventBatchCommitted   EventType = "batch_committed"
	EventSourceCompleted  EventType = "source_completed"
	EventSourceFailed     EventType = "source_failed"
	EventCleanupStarted   EventType = "cleanup_started"
	EventCacheInvalidated EventType = "cache_invalidated"
	EventViewsRefreshed   EventType = "views_refreshed"
	EventRunCompleted     EventType = "run_completed"
	EventRunFailed        EventType = "run_failed"
)

// Event is a single progress notification
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Source    string    `json:"source,omitempty"`
	Cursor    int64     `json:"cursor,omitempty"`
	Committed int64     `json:"committed,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether e is the last event of its run
func (e Event) Terminal() bool {
	return e.Type == EventRunCompleted || e.Type == EventRunFailed
}
