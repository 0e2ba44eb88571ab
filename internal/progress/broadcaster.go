package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the per-subscriber buffer used when none is configured
const DefaultBufferSize = 64

// Publisher accepts progress events
type Publisher interface {
	Publish(event Event)
}

// Broadcaster delivers every published event to all matching subscribers.
// Each subscriber has a bounded buffer; when it is full the oldest buffered
// event is dropped to make room, so a slow consumer never stalls Publish.
type Broadcaster struct {
	mu         sync.Mutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	dropped    atomic.Int64
	onDrop     func()
	closed     bool
}

// Option configures a Broadcaster
type Option func(*Broadcaster)

// WithBufferSize sets the default per-subscriber buffer
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithDropHook registers a callback invoked for every dropped event
func WithDropHook(fn func()) Option {
	return func(b *Broadcaster) {
		b.onDrop = fn
	}
}

// NewBroadcaster creates an empty Broadcaster
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:       make(map[uint64]*Subscription),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is a stream of events for one consumer
type Subscription struct {
	id    uint64
	ch    chan Event
	runID string
	b     *Broadcaster
}

// SubscribeOption configures a Subscription
type SubscribeOption func(*Subscription)

// WithRunFilter limits the subscription to one run. The channel is closed
// after that run's terminal event has been delivered.
func WithRunFilter(runID string) SubscribeOption {
	return func(s *Subscription) {
		s.runID = runID
	}
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.removeLocked(s.id)
}

// Subscribe registers a new subscriber
func (b *Broadcaster) Subscribe(opts ...SubscribeOption) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id: b.nextID,
		ch: make(chan Event, b.bufferSize),
		b:  b,
	}
	for _, opt := range opts {
		opt(s)
	}
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// CloseAll ends every subscription, current and future. Publish keeps working
// but has nobody to deliver to.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id := range b.subs {
		b.removeLocked(id)
	}
}

// Publish delivers event to every matching subscriber without blocking
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.subs {
		if s.runID != "" && s.runID != event.RunID {
			continue
		}
		b.deliverLocked(s, event)
		if s.runID != "" && event.Terminal() {
			b.removeLocked(id)
		}
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many events were discarded because a subscriber lagged
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// deliverLocked must be called with b.mu held; the publisher is then the only sender on s.ch.
func (b *Broadcaster) deliverLocked(s *Subscription, event Event) {
	select {
	case s.ch <- event:
		return
	default:
	}

	select {
	case <-s.ch:
		b.recordDrop()
	default:
	}

	select {
	case s.ch <- event:
	default:
		b.recordDrop()
	}
}

func (b *Broadcaster) recordDrop() {
	b.dropped.Add(1)
	if b.onDrop != nil {
		b.onDrop()
	}
}

func (b *Broadcaster) removeLocked(id uint64) {
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(s.ch)
}
