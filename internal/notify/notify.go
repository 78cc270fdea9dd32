// Package notify fans dispatch events out to in-process listeners. Delivery
// is fire and forget: a slow subscriber loses events rather than slowing the
// pipeline.
package notify

import (
	"log/slog"
	"sync"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// DefaultSubscriberBufferSize is the buffer of each subscriber channel.
const DefaultSubscriberBufferSize = 32

// Hub distributes dispatch events to subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan models.DispatchEvent
	nextID int
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan models.DispatchEvent)}
}

// Subscribe registers a listener. The returned cancel function removes the
// subscription and closes its channel.
func (h *Hub) Subscribe() (<-chan models.DispatchEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan models.DispatchEvent, DefaultSubscriberBufferSize)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking. Full
// subscriber buffers drop the event.
func (h *Hub) Publish(evt models.DispatchEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			slog.Debug("notify.Hub: subscriber buffer full, dropping event",
				"subscriber", id, "eventType", evt.Type)
		}
	}
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	slog.Debug("notify.Hub: closed")
}
