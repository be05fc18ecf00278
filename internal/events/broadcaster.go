// Package events fans hook events out to in-process subscribers.
package events

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/sevir/clubhoused/pkg/models"
)

// DefaultBuffer is the per-subscriber channel size used when callers pass 0.
const DefaultBuffer = 64

// Broadcaster delivers each published event to every current subscriber.
// Delivery is at-most-once: a subscriber whose buffer is full misses the
// event, matching the best-effort hook callbacks that feed it.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan models.HookEvent
	closed      bool
	dropped     uint64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]chan models.HookEvent)}
}

// Subscribe registers a subscriber. The returned cancel func removes it and
// closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan models.HookEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	id := uuid.NewString()
	ch := make(chan models.HookEvent, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Broadcaster) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(ch)
}

// Publish never blocks.
func (b *Broadcaster) Publish(event models.HookEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped++
			log.Printf("Warning: hook_event=dropped subscriber=%s agent_id=%s event=%s", id, event.AgentID, event.EventName)
		}
	}
}

// HandleHookEvent adapts Publish to the hook listener's sink signature.
func (b *Broadcaster) HandleHookEvent(event models.HookEvent) {
	b.Publish(event)
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
