package api

import (
	"sync"

	"github.com/dnetguru/wallpaper-engine-controller/internal/controller"
)

// Hub fans controller events out to websocket listeners. It implements
// controller.Reporter and never blocks the control loop: a listener whose
// buffer is full misses the event.
type Hub struct {
	mu        sync.RWMutex
	listeners []chan controller.Event
	bufSize   int
}

// NewHub creates a hub whose listeners buffer bufSize events each.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Hub{bufSize: bufSize}
}

// Subscribe adds a listener for controller events
func (h *Hub) Subscribe() chan controller.Event {
	ch := make(chan controller.Event, h.bufSize)
	h.mu.Lock()
	h.listeners = append(h.listeners, ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel
func (h *Hub) Unsubscribe(ch chan controller.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, listener := range h.listeners {
		if listener == ch {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Listeners returns the number of subscribed listeners.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Report delivers e to every listener with room for it.
func (h *Hub) Report(e controller.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, listener := range h.listeners {
		select {
		case listener <- e:
		default:
			// Slow listener, drop
		}
	}
}

// Close unsubscribes every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.listeners {
		close(ch)
	}
	h.listeners = nil
}

var _ controller.Reporter = (*Hub)(nil)
