// Package stream fans pipeline activity out to live observers. The
// assistant publishes a stage event per audit entry and a verdict
// event per completed trace; the websocket endpoint relays them.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

type Event struct {
	Type    string          `json:"type"`
	TraceID string          `json:"trace_id,omitempty"`
	At      string          `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps the event with the current time. Data that cannot
// be marshaled is dropped rather than blocking the publish path.
func NewEvent(eventType, traceID string, data any) Event {
	evt := Event{
		Type:    eventType,
		TraceID: traceID,
		At:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			evt.Data = b
		}
	}
	return evt
}

// Subscription is one observer's buffered feed. Close detaches it from
// the hub and is safe to call more than once.
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	hub  *Hub
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish never blocks: a subscriber that has fallen behind loses the
// event. The audit trail is the durable record, not this stream.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
		}
	}
}
