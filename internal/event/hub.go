package event

import (
	"sync"
)

// Hub is a Sink that fans records out to any number of subscribers. Slow
// subscribers miss events instead of blocking delivery.
type Hub struct {
	mu        sync.RWMutex
	listeners []chan Record
	closed    bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		listeners: make([]chan Record, 0),
	}
}

// Handle implements Sink
func (h *Hub) Handle(session uint32, e Event) {
	h.Publish(ToRecord(session, e))
}

// Publish sends r to every subscriber that has room for it
func (h *Hub) Publish(r Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, listener := range h.listeners {
		select {
		case listener <- r:
		default:
			// Skip if channel is full
		}
	}
}

// Subscribe adds a listener. The returned channel is closed by Unsubscribe
// or Close.
func (h *Hub) Subscribe() chan Record {
	ch := make(chan Record, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.listeners = append(h.listeners, ch)
	return ch
}

// Unsubscribe removes a listener
func (h *Hub) Unsubscribe(ch chan Record) {
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

// Close closes all subscriber channels; later subscribers get a closed channel
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, listener := range h.listeners {
		close(listener)
	}
	h.listeners = nil
}

// Len returns the number of subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
