// Package events fans job and log change notifications out to named groups
// of subscribers. Delivery is best-effort: it is not part of the durability
// contract, and a subscriber that fails to accept an event is dropped from
// its groups. Subscribers recover missed events on reconnect via replay.
package events

import (
	"log/slog"
	"sync"
)

// Subscriber receives published events. SendEvent must be safe for
// concurrent use; returning an error drops the subscriber.
type Subscriber interface {
	SendEvent(v any) error
}

// Hub tracks subscriber groups and publishes events to them.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	groups map[string]map[Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		groups: make(map[string]map[Subscriber]struct{}),
	}
}

// Subscribe adds sub to the named group.
func (h *Hub) Subscribe(group string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.groups[group]
	if !ok {
		subs = make(map[Subscriber]struct{})
		h.groups[group] = subs
	}
	subs[sub] = struct{}{}
}

// Unsubscribe removes sub from the named group. Removing the last
// subscriber removes the group.
func (h *Hub) Unsubscribe(group string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.groups[group]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.groups, group)
	}
}

// Publish delivers v to every subscriber of the named group. Failing
// subscribers are dropped; Publish itself never fails.
func (h *Hub) Publish(group string, v any) {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.groups[group]))
	for sub := range h.groups[group] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.SendEvent(v); err != nil {
			h.log.Debug("dropping subscriber", "group", group, "error", err)
			h.Unsubscribe(group, sub)
		}
	}
}

// Count returns the number of subscribers in a group.
func (h *Hub) Count(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}
