// ABOUTME: In-memory fan-out broadcaster for instance lifecycle and message events
// ABOUTME: Keyed by owner so each user's SSE stream sees only their instances

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Event names emitted by sessions and the ingestion pipeline.
const (
	EventPairingCode  = "pairing-code"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
	EventNewMessage   = "new-message"
)

// Event is a single notification delivered to an owner's subscribers.
// Payload is event-specific and must be JSON-serializable.
type Event struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
	Payload    any    `json:"payload,omitempty"`
}

// Broadcaster provides in-memory pub/sub keyed by owner ID. Sessions publish
// lifecycle and message events; the SSE layer subscribes per connection.
// Delivery is best-effort with no replay.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // ownerID -> subID -> ch
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for the given owner's events. Returns a
// channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, ownerID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[ownerID]; !ok {
		b.subscribers[ownerID] = make(map[string]chan Event)
	}
	b.subscribers[ownerID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "owner_id", ownerID, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(ownerID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all of the owner's subscribers. Non-blocking:
// events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(ownerID string, event Event) {
	// Sends happen under the read lock. Channels are only closed under the
	// write lock, so no send can race a close.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[ownerID] {
		select {
		case ch <- event:
			// Sent
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"owner_id", ownerID,
				"event", event.Name)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ownerID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[ownerID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, ownerID)
	}

	b.logger.Debug("subscriber removed", "owner_id", ownerID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ownerID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, ownerID)
	}

	b.logger.Debug("broadcaster closed")
}
