package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlasconnect/pam/models"
	"github.com/google/uuid"
)

// Event is one message pushed to live subscribers
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps and encodes an event
func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Subscription receives events until it is unsubscribed
type Subscription struct {
	C       chan Event
	session *uuid.UUID
}

// Hub fans committed ledger entries out to websocket subscribers. Slow
// subscribers miss events rather than stall the ledger.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
}

// NewHub creates a hub whose subscriptions buffer up to buffer events
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: map[*Subscription]struct{}{}, buffer: buffer}
}

// Subscribe registers a subscriber. A non-nil session limits it to that session's entries.
func (h *Hub) Subscribe(session *uuid.UUID) *Subscription {
	sub := &Subscription{C: make(chan Event, h.buffer), session: session}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, exists := h.subs[sub]
	if exists {
		delete(h.subs, sub)
	}
	h.mu.Unlock()
	if exists {
		close(sub.C)
	}
}

// Publish sends a ledger entry to matching subscribers without blocking
func (h *Hub) Publish(entry *models.AuditEntry) {
	evt := NewEvent("audit."+string(entry.Action), entry)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.session != nil && *sub.session != entry.SessionID {
			continue
		}
		select {
		case sub.C <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events slow subscribers missed
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
