// Package events implements the daemon's in-memory typed event bus:
// exact-type and wildcard subscription, non-blocking publish, and a
// bounded ring of recently emitted events (spec.md §4.E).
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	m "github.com/ocx/hubd/internal/model"
)

// DefaultBufferSize is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts silently missing events rather than
// blocking the emitter.
const DefaultBufferSize = 100

// DefaultRingSize is the minimum bound spec.md §4.E requires for the
// recent-event ring.
const DefaultRingSize = 10000

// Bus is an in-process pub/sub event bus. Subscribers receive
// DelegationEvents in real time; a bounded ring retains recent history
// for getRecent queries.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *m.DelegationEvent // event type -> channels
	allSubs     []chan *m.DelegationEvent            // wildcard subscribers
	logger      *slog.Logger
	bufferSize  int

	ringMu sync.Mutex
	ring   []*m.DelegationEvent
	ringAt int
	ringN  int
}

// New creates a new event bus. ringSize is raised to DefaultRingSize if
// smaller; bufferSize falls back to DefaultBufferSize if zero.
func New(bufferSize, ringSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if ringSize < DefaultRingSize {
		ringSize = DefaultRingSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string][]chan *m.DelegationEvent),
		allSubs:     make([]chan *m.DelegationEvent, 0),
		logger:      logger,
		bufferSize:  bufferSize,
		ring:        make([]*m.DelegationEvent, ringSize),
	}
}

// Subscribe creates a channel that receives events of the given types.
// Pass no types (or "*") to receive every event.
func (eb *Bus) Subscribe(eventTypes ...string) chan *m.DelegationEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *m.DelegationEvent, eb.bufferSize)

	if len(eventTypes) == 0 {
		eb.allSubs = append(eb.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		if et == "*" {
			eb.allSubs = append(eb.allSubs, ch)
			continue
		}
		eb.subscribers[et] = append(eb.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (eb *Bus) Unsubscribe(ch chan *m.DelegationEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for et, subs := range eb.subscribers {
		eb.subscribers[et] = filterOut(subs, ch)
	}
	eb.allSubs = filterOut(eb.allSubs, ch)
	close(ch)
}

func filterOut(subs []chan *m.DelegationEvent, target chan *m.DelegationEvent) []chan *m.DelegationEvent {
	filtered := make([]chan *m.DelegationEvent, 0, len(subs))
	for _, s := range subs {
		if s != target {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Publish sends an event to every matching subscriber, non-blocking, and
// appends it to the bounded recent-event ring. A subscriber whose buffer
// is full is skipped rather than stalling the emitter or other
// subscribers.
func (eb *Bus) Publish(event *m.DelegationEvent) {
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt-%d", time.Now().UnixNano())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	eb.appendRing(event)

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[string(event.Type)] {
		select {
		case ch <- event:
		default:
			eb.logger.Warn("events: subscriber buffer full, dropping event", "type", event.Type, "id", event.ID)
		}
	}
	for _, ch := range eb.allSubs {
		select {
		case ch <- event:
		default:
			eb.logger.Warn("events: wildcard subscriber buffer full, dropping event", "type", event.Type, "id", event.ID)
		}
	}
}

// Emit is a convenience wrapper that builds and publishes a
// DelegationEvent for taskID carrying data.
func (eb *Bus) Emit(eventType m.TaskEventType, taskID string, data map[string]interface{}) {
	eb.Publish(&m.DelegationEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		Data:      data,
	})
}

func (eb *Bus) appendRing(event *m.DelegationEvent) {
	eb.ringMu.Lock()
	defer eb.ringMu.Unlock()

	eb.ring[eb.ringAt] = event
	eb.ringAt = (eb.ringAt + 1) % len(eb.ring)
	if eb.ringN < len(eb.ring) {
		eb.ringN++
	}
}

// RecentFilter narrows GetRecent's snapshot to an exact type and/or a
// minimum timestamp.
type RecentFilter struct {
	Type  string
	Since time.Time
}

// GetRecent returns a snapshot of the recent-event ring, oldest first.
func (eb *Bus) GetRecent(filter RecentFilter) []*m.DelegationEvent {
	eb.ringMu.Lock()
	n := eb.ringN
	size := len(eb.ring)
	start := eb.ringAt
	snapshot := make([]*m.DelegationEvent, 0, n)
	for i := 0; i < n; i++ {
		idx := (start-n+i+size) % size
		snapshot = append(snapshot, eb.ring[idx])
	}
	eb.ringMu.Unlock()

	if filter.Type == "" && filter.Since.IsZero() {
		return snapshot
	}
	out := make([]*m.DelegationEvent, 0, len(snapshot))
	for _, e := range snapshot {
		if filter.Type != "" && string(e.Type) != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// SubscriberCount returns the total number of active subscriber channels.
func (eb *Bus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	count := len(eb.allSubs)
	for _, subs := range eb.subscribers {
		count += len(subs)
	}
	return count
}
