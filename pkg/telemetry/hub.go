package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types carried on the per-host progress hub.
const (
	EventTypeOperation  = "operation.progress"
	EventTypeBootstrap  = "bootstrap.step"
	EventTypeTaskRun    = "task.run"
	EventTypeDeployment = "deployment.status"
)

// Event is one message delivered to host subscribers.
type Event struct {
	ID        string    `json:"id"`
	HostID    string    `json:"host_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Hub fans events out to subscribers of a single host. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Event
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

// NewHub creates a hub with the given configuration.
func NewHub(cfg HubConfig) *Hub {
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]map[uint64]chan Event),
	}
}

// Publish delivers data to every current subscriber of hostID.
func (h *Hub) Publish(hostID, eventType string, data any) {
	event := Event{
		ID:        uuid.New().String(),
		HostID:    hostID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for _, ch := range h.subs[hostID] {
		select {
		case ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber for hostID. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(hostID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	if h.subs[hostID] == nil {
		h.subs[hostID] = make(map[uint64]chan Event)
	}
	h.subs[hostID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subs[hostID]; ok {
				if c, ok := subs[id]; ok {
					delete(subs, id)
					close(c)
				}
				if len(subs) == 0 {
					delete(h.subs, hostID)
				}
			}
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers for hostID.
func (h *Hub) SubscriberCount(hostID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[hostID])
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Shutdown closes every subscriber channel. Later publishes are discarded.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for hostID, subs := range h.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(h.subs, hostID)
	}
	return nil
}
