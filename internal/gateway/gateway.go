package gateway

import (
	"context"
	"sync"
	"time"
)

// Signal is what the actuator hardware consumes: grant or deny for one
// access point. The wire protocol past this hub is a collaborator concern.
type Signal struct {
	AccessPointID string    `json:"access_point_id"`
	Granted       bool      `json:"granted"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// Hub fan-outs decision signals to all active subscribers (SSE clients,
// device bridges).
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Signal
	next int
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[int]chan Signal)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// signals. The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan Signal {
	ch := make(chan Signal, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the signal to all subscribers.
func (h *Hub) Publish(sig Signal) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- sig:
		default:
			// Drop when subscriber is slow to avoid blocking the decision path.
		}
	}
}
