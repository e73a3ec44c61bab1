// Package sync holds the hub's live view of sessions and machines: in-memory
// caches layered over the store, the event publisher feeding the delivery
// fanout, and the liveness sweep.
package sync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds, as delivered to subscribed clients.
const (
	KindSessionAdded       = "session-added"
	KindSessionUpdated     = "session-updated"
	KindSessionRemoved     = "session-removed"
	KindMessageReceived    = "message-received"
	KindMachineUpdated     = "machine-updated"
	KindConnectionChanged  = "connection-changed"
	KindSortPrefUpdated    = "session-sort-preference-updated"
	KindToast              = "toast"
)

// Event is one realtime update. SessionID/MachineID drive scope routing;
// UserID, when set, restricts delivery to that user's subscriptions.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Namespace string    `json:"-"`
	SessionID string    `json:"session_id,omitempty"`
	MachineID string    `json:"machine_id,omitempty"`
	UserID    string    `json:"-"`
	Payload   any       `json:"payload,omitempty"`
	Time      time.Time `json:"ts"`
}

// Publisher delivers events synchronously to all registered handlers.
// Handlers must not block; the fanout enqueues into bounded per-subscription
// queues and returns.
type Publisher struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Event)
}

func NewPublisher() *Publisher {
	return &Publisher{handlers: make(map[int]func(Event))}
}

// Subscribe registers a handler and returns an unsubscribe func.
func (p *Publisher) Subscribe(fn func(Event)) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.handlers[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

// Emit assigns the event an id and timestamp if unset and invokes every
// handler on the caller's goroutine.
func (p *Publisher) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	p.mu.RLock()
	handlers := make([]func(Event), 0, len(p.handlers))
	for _, fn := range p.handlers {
		handlers = append(handlers, fn)
	}
	p.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
