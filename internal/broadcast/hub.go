// Package broadcast fans distribution events out to connected observers.
// A Hub is transport agnostic; SSE, WebSocket and gRPC front ends subscribe
// to it like any in-process observer.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/banshee-data/sonde.report/internal/monitoring"
)

// Distribution event names.
const (
	EventScan      = "scan_event"
	EventTask      = "task_event"
	EventTelemetry = "telemetry_event"
	EventLog       = "log_event"
)

// Namespace is the path prefix of the distribution channel. Control
// messages from observers use a separate route under it.
const Namespace = "/update_status"

// LogTag marks the hub's own log lines. The log forwarder never republishes
// a tagged line.
const LogTag = "[broadcast]"

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 64

// Event is one published payload, encoded once as JSON.
type Event struct {
	Name string
	Data []byte
}

type subscriber struct {
	id    string
	names map[string]bool
	ch    chan Event
}

func (s *subscriber) wants(name string) bool {
	return len(s.names) == 0 || s.names[name]
}

// Hub is a publish/subscribe fan-out. Delivery is at most once: subscribers
// only see events published after they subscribed, and a subscriber whose
// buffer is full misses the event.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[string]*subscriber)}
}

// Publish encodes payload and delivers it to every subscriber of name
// without blocking. A nil payload is sent as an empty object.
func (h *Hub) Publish(name string, payload any) {
	data := []byte("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			monitoring.Errorf("%s failed to encode %s payload: %v", LogTag, name, err)
			return
		}
		data = b
	}
	ev := Event{Name: name, Data: data}

	var dropped int64
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	for _, s := range h.subs {
		if !s.wants(name) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	h.published.Add(1)
	if dropped > 0 {
		h.dropped.Add(dropped)
		monitoring.Debugf("%s dropped %s for %d slow subscriber(s)", LogTag, name, dropped)
	}
}

// Subscribe registers an observer for the named events, or for every event
// when no names are given. The channel is closed by Unsubscribe or Close.
func (h *Hub) Subscribe(names ...string) (string, <-chan Event) {
	s := &subscriber{
		id: uuid.NewString(),
		ch: make(chan Event, h.buffer),
	}
	if len(names) > 0 {
		s.names = make(map[string]bool, len(names))
		for _, n := range names {
			s.names[n] = true
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.id, s.ch
	}
	h.subs[s.id] = s
	total := len(h.subs)
	h.mu.Unlock()

	monitoring.Debugf("%s subscriber %s connected (total: %d)", LogTag, s.id, total)
	return s.id, s.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(s.ch)
	}
	total := len(h.subs)
	h.mu.Unlock()

	if ok {
		monitoring.Debugf("%s subscriber %s disconnected (remaining: %d)", LogTag, id, total)
	}
}

// Close disconnects every subscriber. Later Publish calls are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}

// HubStats contains hub counters.
type HubStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return HubStats{
		Subscribers: n,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}
