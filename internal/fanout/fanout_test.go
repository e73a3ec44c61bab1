package fanout

import (
	"errors"
	"io"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/relayhub-ai/relayhub/internal/sync"
)

// recordingSink collects delivered events; failSend makes Send error.
type recordingSink struct {
	mu       stdsync.Mutex
	events   []sync.Event
	closed   bool
	failSend bool
	block    chan struct{} // when set, Send blocks until it is closed
}

func (s *recordingSink) Send(ev sync.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return errors.New("gone")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) SendHeartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return errors.New("gone")
	}
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func (s *recordingSink) waitFor(t *testing.T, n int) []sync.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.events) >= n {
			out := make([]sync.Event, len(s.events))
			copy(out, s.events)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink received %d events, want %d", len(s.kinds()), n)
	return nil
}

func newTestFanout(t *testing.T) (*Fanout, *sync.Publisher) {
	t.Helper()
	pub := sync.NewPublisher()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := New(pub, logger)
	t.Cleanup(f.Close)
	return f, pub
}

func TestScopeFiltering(t *testing.T) {
	f, pub := newTestFanout(t)

	allSink := &recordingSink{}
	sessionSink := &recordingSink{}
	otherSink := &recordingSink{}
	f.Subscribe("default", "u1", Scope{All: true}, true, allSink)
	f.Subscribe("default", "u1", Scope{SessionID: "s1"}, true, sessionSink)
	f.Subscribe("default", "u1", Scope{SessionID: "s2"}, true, otherSink)

	pub.Emit(sync.Event{Kind: sync.KindSessionUpdated, Namespace: "default", SessionID: "s1"})
	pub.Emit(sync.Event{Kind: sync.KindMessageReceived, Namespace: "default", SessionID: "s1"})

	allSink.waitFor(t, 2)
	sessionSink.waitFor(t, 2)
	time.Sleep(20 * time.Millisecond)
	if got := otherSink.kinds(); len(got) != 0 {
		t.Errorf("out-of-scope subscription received %v", got)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	f, pub := newTestFanout(t)

	sink := &recordingSink{}
	f.Subscribe("team-a", "u1", Scope{All: true}, true, sink)

	pub.Emit(sync.Event{Kind: sync.KindSessionUpdated, Namespace: "team-b", SessionID: "s1"})
	time.Sleep(20 * time.Millisecond)
	if got := sink.kinds(); len(got) != 0 {
		t.Errorf("cross-namespace event delivered: %v", got)
	}
}

func TestMachineScope(t *testing.T) {
	f, pub := newTestFanout(t)

	sink := &recordingSink{}
	f.Subscribe("default", "u1", Scope{MachineID: "m1"}, true, sink)

	pub.Emit(sync.Event{Kind: sync.KindMachineUpdated, Namespace: "default", MachineID: "m1"})
	pub.Emit(sync.Event{Kind: sync.KindMachineUpdated, Namespace: "default", MachineID: "m2"})
	// message-received never matches a machine scope.
	pub.Emit(sync.Event{Kind: sync.KindMessageReceived, Namespace: "default", SessionID: "s1", MachineID: "m1"})

	events := sink.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	if got := sink.kinds(); len(got) != 1 || events[0].MachineID != "m1" {
		t.Errorf("machine-scoped delivery: %v", got)
	}
}

func TestUserTargetedKinds(t *testing.T) {
	f, pub := newTestFanout(t)

	mine := &recordingSink{}
	theirs := &recordingSink{}
	f.Subscribe("default", "u1", Scope{SessionID: "s-unrelated"}, true, mine)
	f.Subscribe("default", "u2", Scope{All: true}, true, theirs)

	pub.Emit(sync.Event{Kind: sync.KindSortPrefUpdated, Namespace: "default", UserID: "u1"})

	mine.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	if got := theirs.kinds(); len(got) != 0 {
		t.Errorf("user-targeted event leaked to another user: %v", got)
	}
}

func TestToastVisibilityGating(t *testing.T) {
	f, pub := newTestFanout(t)

	visible := &recordingSink{}
	hidden := &recordingSink{}
	f.Subscribe("default", "u1", Scope{All: true}, true, visible)
	sub := f.Subscribe("default", "u1", Scope{All: true}, false, hidden)

	pub.Emit(sync.Event{Kind: sync.KindToast, Namespace: "default"})
	visible.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	if got := hidden.kinds(); len(got) != 0 {
		t.Errorf("hidden subscription got a toast: %v", got)
	}

	f.SetVisibility(sub.ID, true)
	pub.Emit(sync.Event{Kind: sync.KindToast, Namespace: "default"})
	hidden.waitFor(t, 1)
}

func TestFailedSendUnsubscribes(t *testing.T) {
	f, pub := newTestFanout(t)

	sink := &recordingSink{failSend: true}
	f.Subscribe("default", "u1", Scope{All: true}, true, sink)

	pub.Emit(sync.Event{Kind: sync.KindSessionUpdated, Namespace: "default", SessionID: "s1"})

	deadline := time.Now().Add(2 * time.Second)
	for f.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.Count() != 0 {
		t.Fatal("failing subscription not dropped")
	}
	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	if !closed {
		t.Error("sink not closed on drop")
	}
}

func TestQueueOverflowCloses(t *testing.T) {
	f, pub := newTestFanout(t)

	sink := &recordingSink{block: make(chan struct{})}
	f.Subscribe("default", "u1", Scope{All: true}, true, sink)

	// The drain worker blocks on the first event; the queue then fills.
	for i := 0; i < queueSize+2; i++ {
		pub.Emit(sync.Event{Kind: sync.KindSessionUpdated, Namespace: "default", SessionID: "s1"})
	}
	close(sink.block)

	deadline := time.Now().Add(2 * time.Second)
	for f.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.Count() != 0 {
		t.Fatal("overflowing subscription not closed")
	}
}

func TestOrderPreservedPerSubscription(t *testing.T) {
	f, pub := newTestFanout(t)

	sink := &recordingSink{}
	f.Subscribe("default", "u1", Scope{SessionID: "s1"}, true, sink)

	for i := 0; i < 50; i++ {
		pub.Emit(sync.Event{Kind: sync.KindSessionUpdated, Namespace: "default", SessionID: "s1",
			Payload: i})
	}
	events := sink.waitFor(t, 50)
	for i, ev := range events {
		if ev.Payload.(int) != i {
			t.Fatalf("event %d out of order: %v", i, ev.Payload)
		}
	}
}
