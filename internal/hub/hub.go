// Package hub fans broadcast events out to realtime subscribers. Clients
// subscribe to a clinic channel (staff consoles, TV displays) or to a single
// entry (the anonymous patient tracker); events carry signal names only and
// subscribers re-query the API on receipt.
package hub

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
)

// Subscription selects which events a client receives. Either field may be
// empty; a client with both empty receives nothing.
type Subscription struct {
	ClinicID string
	EntryID  string
}

// Event is the envelope pushed to subscribers.
type Event struct {
	Type     string          `json:"type"`
	ClinicID string          `json:"clinic_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type client struct {
	sub Subscription
	ch  chan Event
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func New() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Register adds a subscriber and returns its event channel. The channel is
// buffered; a subscriber that falls behind loses events rather than blocking
// the broadcast loop, which is acceptable because events are invalidation
// signals and the client re-queries anyway.
func (h *Hub) Register(id string, sub Subscription) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &client{sub: sub, ch: make(chan Event, 16)}
	h.clients[id] = c
	return c.ch
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.ch)
	}
}

// UpdateSubscription retargets an existing client, keeping its channel.
func (h *Hub) UpdateSubscription(id string, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		c.sub = sub
	}
}

// Broadcast delivers the event to every client whose subscription matches
// the event's clinic, or whose watched entry appears in the payload.
func (h *Hub) Broadcast(ev Event, entryID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if !matches(c.sub, ev.ClinicID, entryID) {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			log.Printf("level=warn msg=\"subscriber lagging, event dropped\" client=%s type=%s", id, ev.Type)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func matches(sub Subscription, clinicID, entryID string) bool {
	if sub.ClinicID != "" && sub.ClinicID == clinicID {
		return true
	}
	return sub.EntryID != "" && entryID != "" && sub.EntryID == entryID
}

type subscribeMessage struct {
	Action   string `json:"action"`
	ClinicID string `json:"clinic_id"`
	EntryID  string `json:"entry_id"`
}

// ParseSubscribe decodes a client subscribe frame. Only the subscribe action
// is recognized; anything else is ignored so protocol additions stay
// backward compatible.
func ParseSubscribe(raw string) (Subscription, bool) {
	var msg subscribeMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Subscription{}, false
	}
	if msg.Action != "subscribe" {
		return Subscription{}, false
	}
	sub := Subscription{
		ClinicID: strings.TrimSpace(msg.ClinicID),
		EntryID:  strings.TrimSpace(msg.EntryID),
	}
	if sub.ClinicID == "" && sub.EntryID == "" {
		return Subscription{}, false
	}
	return sub, true
}
