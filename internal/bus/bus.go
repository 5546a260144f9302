package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Operation event topics.
const (
	TopicOperationStateChanged = "operation.state_changed"
	TopicOperationProgress     = "operation.progress"
	TopicIndexUpdated          = "documents.index_updated"
	TopicRetentionSwept        = "retention.swept"
)

// OperationStateChangedEvent is published after every status write.
type OperationStateChangedEvent struct {
	OperationID   string `json:"operation_id"`
	OperationType string `json:"operation_type"`
	OldStatus     string `json:"old_status"` // empty on create
	NewStatus     string `json:"new_status"`
	At            int64  `json:"at"` // unix millis
}

// OperationProgressEvent is published when counters or current_item change.
type OperationProgressEvent struct {
	OperationID    string `json:"operation_id"`
	ProcessedItems *int   `json:"processed_items,omitempty"`
	FailedItems    *int   `json:"failed_items,omitempty"`
	CurrentItem    string `json:"current_item,omitempty"`
}

// IndexUpdatedEvent is published after the document index has changed.
type IndexUpdatedEvent struct {
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
}

// RetentionSweptEvent is published after each retention sweep.
type RetentionSweptEvent struct {
	Deleted int64 `json:"deleted"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes and closes every subscription. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
