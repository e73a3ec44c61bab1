// Package fanout routes published events to live client subscriptions with
// scope filtering and bounded per-subscription queues.
package fanout

import (
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayhub-ai/relayhub/internal/sync"
)

// Queue depth per subscription. Overflow closes the subscription; the client
// reconnects and catches up through pagination.
const queueSize = 256

// HeartbeatInterval is the shared keepalive cadence for all subscriptions.
const HeartbeatInterval = 30 * time.Second

// Sink is one subscription's transport. Send and SendHeartbeat may be called
// from different goroutines; implementations serialize their own writes.
type Sink interface {
	Send(ev sync.Event) error
	SendHeartbeat() error
	Close()
}

// Scope selects which events a subscription receives.
type Scope struct {
	All       bool
	SessionID string
	MachineID string
}

// Subscription is one registered client sink with its routing state.
type Subscription struct {
	ID        string
	Namespace string
	UserID    string
	Scope     Scope

	mu      stdsync.Mutex
	visible bool

	queue     chan sync.Event
	done      chan struct{}
	closeOnce stdsync.Once
	sink      Sink
}

// Visible reports whether the subscription currently receives toasts.
func (s *Subscription) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Fanout delivers events emitted by the publisher to every matching
// subscription. Each subscription owns a bounded queue drained by one
// worker, preserving emit order.
type Fanout struct {
	logger *slog.Logger

	mu     stdsync.Mutex
	subs   map[string]*Subscription
	hbStop chan struct{}

	unsubscribePub func()
}

func New(pub *sync.Publisher, logger *slog.Logger) *Fanout {
	f := &Fanout{
		logger: logger.With("component", "fanout"),
		subs:   make(map[string]*Subscription),
	}
	f.unsubscribePub = pub.Subscribe(f.broadcast)
	return f
}

// Close detaches from the publisher and drops every subscription.
func (f *Fanout) Close() {
	f.unsubscribePub()
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		f.Unsubscribe(s.ID)
	}
}

// Subscribe registers a sink with the given scope and starts its drain
// worker. The shared heartbeat ticker starts with the first subscriber.
func (f *Fanout) Subscribe(namespace, userID string, scope Scope, visible bool, sink Sink) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		Namespace: namespace,
		UserID:    userID,
		Scope:     scope,
		visible:   visible,
		queue:     make(chan sync.Event, queueSize),
		done:      make(chan struct{}),
		sink:      sink,
	}

	f.mu.Lock()
	f.subs[sub.ID] = sub
	if len(f.subs) == 1 {
		f.hbStop = make(chan struct{})
		go f.heartbeatLoop(f.hbStop)
	}
	f.mu.Unlock()

	go f.drain(sub)

	f.logger.Debug("subscribed", "subscription_id", sub.ID, "all", scope.All,
		"session_id", scope.SessionID, "machine_id", scope.MachineID)
	return sub
}

// Unsubscribe drops a subscription and closes its sink. The heartbeat ticker
// stops when the last subscriber leaves.
func (f *Fanout) Unsubscribe(id string) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	if ok {
		delete(f.subs, id)
		if len(f.subs) == 0 && f.hbStop != nil {
			close(f.hbStop)
			f.hbStop = nil
		}
	}
	f.mu.Unlock()

	if ok {
		sub.closeOnce.Do(func() { close(sub.done) })
		sub.sink.Close()
	}
}

// SetVisibility toggles toast delivery for a subscription.
func (f *Fanout) SetVisibility(id string, visible bool) bool {
	f.mu.Lock()
	sub, ok := f.subs[id]
	f.mu.Unlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	sub.visible = visible
	sub.mu.Unlock()
	return true
}

// Count reports the number of live subscriptions.
func (f *Fanout) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Fanout) drain(sub *Subscription) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			if err := sub.sink.Send(ev); err != nil {
				f.logger.Debug("send failed, dropping subscription",
					"subscription_id", sub.ID, "error", err)
				f.Unsubscribe(sub.ID)
				return
			}
		}
	}
}

func (f *Fanout) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.mu.Lock()
			subs := make([]*Subscription, 0, len(f.subs))
			for _, s := range f.subs {
				subs = append(subs, s)
			}
			f.mu.Unlock()
			for _, s := range subs {
				if err := s.sink.SendHeartbeat(); err != nil {
					f.Unsubscribe(s.ID)
				}
			}
		}
	}
}

// broadcast enqueues an event for every matching subscription. A full queue
// closes that subscription so slow clients cannot stall the rest.
func (f *Fanout) broadcast(ev sync.Event) {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		if !shouldDeliver(sub, ev) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			f.logger.Warn("subscription queue overflow", "subscription_id", sub.ID)
			f.Unsubscribe(sub.ID)
		}
	}
}

func shouldDeliver(sub *Subscription, ev sync.Event) bool {
	// User-targeted kinds go to every subscription of that user.
	if ev.Kind == sync.KindConnectionChanged || ev.Kind == sync.KindSortPrefUpdated {
		return ev.UserID != "" && ev.UserID == sub.UserID
	}
	if ev.Namespace != sub.Namespace {
		return false
	}
	switch ev.Kind {
	case sync.KindMessageReceived:
		return sub.Scope.All || sub.Scope.SessionID == ev.SessionID
	case sync.KindToast:
		if !sub.Visible() {
			return false
		}
	}
	if sub.Scope.All {
		return true
	}
	if ev.SessionID != "" && sub.Scope.SessionID == ev.SessionID {
		return true
	}
	if ev.MachineID != "" && sub.Scope.MachineID == ev.MachineID {
		return true
	}
	return false
}
