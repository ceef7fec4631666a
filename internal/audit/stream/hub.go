package stream

import (
	"context"
	"sync"

	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	"auditchain/internal/platform/metrics"
)

const DefaultSubscriberBuffer = 64

// Filter selects the events a subscriber receives. The zero Filter matches
// everything.
type Filter struct {
	ActorID   string
	EventType policy.EventType
}

func (f Filter) Matches(e *models.Event) bool {
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.EventType != "" && e.Type != f.EventType {
		return false
	}
	return true
}

// Subscription is one live feed. Events arrive on C until Close is called.
type Subscription struct {
	C <-chan *models.Event

	ch     chan *models.Event
	hub    *Hub
	filter Filter
	once   sync.Once
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// hubEntry groups subscribers sharing a filter. It lives exactly as long as
// it has subscribers.
type hubEntry struct {
	subs map[*Subscription]struct{}
}

// Hub is an in-process subscription registry. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	entries map[Filter]*hubEntry
	buffer  int
	metrics *metrics.Metrics
}

type HubOption func(*Hub)

func WithSubscriberBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		entries: make(map[Filter]*hubEntry),
		buffer:  DefaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Subscribe(filter Filter) *Subscription {
	ch := make(chan *models.Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, filter: filter}

	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[filter]
	if !ok {
		entry = &hubEntry{subs: make(map[*Subscription]struct{})}
		h.entries[filter] = entry
	}
	entry.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[sub.filter]
	if !ok {
		return
	}
	delete(entry.subs, sub)
	close(sub.ch)
	if len(entry.subs) == 0 {
		delete(h.entries, sub.filter)
	}
}

// Publish hands e to every matching subscriber.
func (h *Hub) Publish(e *models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for filter, entry := range h.entries {
		if !filter.Matches(e) {
			continue
		}
		for sub := range entry.subs {
			select {
			case sub.ch <- e.Clone():
			default:
				h.metrics.IncSubscriberDrop()
			}
		}
	}
}

// Filters reports how many distinct filters currently have subscribers.
func (h *Hub) Filters() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Subscribers reports the subscriber count for filter.
func (h *Hub) Subscribers(filter Filter) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if entry, ok := h.entries[filter]; ok {
		return len(entry.subs)
	}
	return 0
}

// Name and Emit let the dispatcher treat the hub as one more sink.
func (h *Hub) Name() string { return "hub" }

func (h *Hub) Emit(_ context.Context, e *models.Event) error {
	h.Publish(e)
	return nil
}
