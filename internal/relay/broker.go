// Package relay fans coordinator lifecycle events out to host subscribers.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const subscriberBufSize = 256

// Event kinds published by the coordinator.
const (
	KindBrowserCreated   = "browser.created"
	KindBrowserDestroyed = "browser.destroyed"
	KindPopupStep        = "popup.step"
	KindPopupCancelled   = "popup.cancelled"
	KindOwnerTimeout     = "owner.timeout"
	KindFrameAttached    = "frame.attached"
	KindFrameDetached    = "frame.detached"
	KindProcessDestroyed = "process.destroyed"
)

// Event is one lifecycle notification sent via SSE.
type Event struct {
	ID      string
	Kind    string
	Time    time.Time
	Payload string
}

// NewEvent encodes data as the event payload.
func NewEvent(kind string, at time.Time, data any) Event {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Warn("relay event payload not encodable", "kind", kind, "error", err)
		payload = []byte("{}")
	}
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Time:    at,
		Payload: string(payload),
	}
}

// Broker fans out events to all subscribed SSE clients.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
	published   atomic.Int64
	dropped     atomic.Int64
}

// NewBroker creates a new SSE event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. Returns the subscriber ID and a channel
// to receive events on. The channel is buffered; slow consumers will have
// events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: slow clients
// have events dropped.
func (b *Broker) Publish(evt Event) {
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats reports how many events were published and how many deliveries were
// dropped for slow subscribers.
func (b *Broker) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}
