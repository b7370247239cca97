package events

import (
	"strings"
	"sync"
	"time"
)

// Well-known event paths. Store operations additionally append one of
// ".start", ".stop", or ".exception".
const (
	PathStoreLoad   = "runtime.store.load"
	PathStoreSave   = "runtime.store.save"
	PathStoreDelete = "runtime.store.delete"

	PathInstanceActivated   = "runtime.instance.activated"
	PathInstanceHibernated  = "runtime.instance.hibernated"
	PathInstanceWoken       = "runtime.instance.woken"
	PathInstanceTerminated  = "runtime.instance.terminated"
	PathInstanceHandlerFail = "runtime.instance.handler_failure"

	PathAlarmScheduled = "runtime.alarm.scheduled"
	PathAlarmClaimed   = "runtime.alarm.claimed"
	PathAlarmFired     = "runtime.alarm.fired"
	PathAlarmRetired   = "runtime.alarm.retired"
	PathAlarmOrphaned  = "runtime.alarm.orphaned"

	PathNodeJoined   = "runtime.node.joined"
	PathNodeDown     = "runtime.node.down"
	PathNodeIsolated = "runtime.node.isolated"
)

// Event is one observability measurement emitted by the runtime.
type Event struct {
	// Path is a dot-separated name, e.g. "runtime.store.save.stop".
	Path      string
	Timestamp time.Time

	// Duration is set on .stop and .exception events.
	Duration time.Duration

	// Fields carries event metadata: entity type and id, store driver,
	// error kind and cause, and similar.
	Fields map[string]any
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]string // subscriber -> path prefix filter
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]string),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a subscription for all events under the given path
// prefix and returns its channel. An empty prefix receives every event.
func (b *Broker) Subscribe(prefix string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = prefix
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all matching subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Emit is shorthand for Publish with inline fields.
func (b *Broker) Emit(path string, fields map[string]any) {
	b.Publish(&Event{Path: path, Fields: fields})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, prefix := range b.subscribers {
		if prefix != "" && !strings.HasPrefix(event.Path, prefix) {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
