// ABOUTME: In-memory fan-out of gateway notifications to subscribers
// ABOUTME: Non-blocking publish; slow subscribers drop events instead of stalling sessions

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 256
)

// Hub delivers every published notification to all current subscribers.
// Publish never blocks, so a session dispatching a command is never held up
// by a consumer.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Notification
	closed      bool
	done        chan struct{}
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]chan Notification),
		done:        make(chan struct{}),
		logger:      logger.With("component", "notify"),
	}
}

// Subscribe registers a subscriber and returns its channel and id. The
// subscription is removed when ctx is cancelled or the hub is closed, at
// which point the channel is closed.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Notification, string) {
	subID := uuid.New().String()
	ch := make(chan Notification, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	h.subscribers[subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			h.Unsubscribe(subID)
		case <-h.done:
		}
	}()

	return ch, subID
}

// Publish sends n to every subscriber whose buffer has room.
func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- n:
		default:
			h.logger.Warn("dropped notification for slow subscriber",
				"sub_id", id,
				"kind", n.Kind(),
				"session_id", n.Source().ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[subID]
	if !ok {
		return
	}
	delete(h.subscribers, subID)
	close(ch)

	h.logger.Debug("subscriber removed", "sub_id", subID)
}

// Consume subscribes and runs handle for every notification until ctx is
// cancelled or the hub is closed.
func (h *Hub) Consume(ctx context.Context, handle func(Notification)) {
	ch, _ := h.Subscribe(ctx)
	for n := range ch {
		handle(n)
	}
}

// Close closes all subscriber channels. Later subscriptions get a closed
// channel and later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	h.closed = true
	close(h.done)

	h.logger.Debug("hub closed")
}
