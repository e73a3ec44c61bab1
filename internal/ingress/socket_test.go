package ingress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relayhub-ai/relayhub/internal/auth"
	"github.com/relayhub-ai/relayhub/internal/config"
	"github.com/relayhub-ai/relayhub/internal/permission"
	"github.com/relayhub-ai/relayhub/internal/store"
	"github.com/relayhub-ai/relayhub/internal/sync"
	"github.com/relayhub-ai/relayhub/pkg/protocol"
)

type testEnv struct {
	socket   *Socket
	server   *httptest.Server
	store    store.Store
	sessions *sync.SessionCache
	machines *sync.MachineCache
	broker   *permission.Broker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := sync.NewPublisher()
	sessions := sync.NewSessionCache(st, pub, logger)
	machines := sync.NewMachineCache(st, pub, logger)
	messages := sync.NewMessageLog(st, pub)
	broker := permission.NewBroker(sessions, logger)

	authSvc := auth.NewService(st, config.AuthConfig{
		JWTSecret:    "test-secret-at-least-32-chars-long",
		JWTExpiry:    config.Duration{Duration: time.Hour},
		RunnerTokens: []config.RunnerTokenEntry{{Token: "tok-1", Namespace: "default"}},
	})

	socket := New(sessions, machines, messages, broker, authSvc, nil, logger)
	srv := httptest.NewServer(socket.Routes())
	t.Cleanup(srv.Close)

	return &testEnv{socket: socket, server: srv, store: st, sessions: sessions, machines: machines, broker: broker}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType, sessionID string, payload any) {
	t.Helper()
	env := protocol.Envelope{Type: msgType, SessionID: sessionID, Timestamp: time.Now(), Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) inboundEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return env
}

// dialRunner connects and completes the hello handshake.
func dialRunner(t *testing.T, e *testEnv, machineID, token string) (*websocket.Conn, protocol.HelloAck) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	sendEnvelope(t, conn, protocol.TypeRunnerHello, "", protocol.RunnerHello{
		MachineID: machineID,
		Token:     token,
		Metadata:  json.RawMessage(`{"host":"laptop"}`),
	})
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeHelloAck {
		t.Fatalf("expected hello.ack, got %q", env.Type)
	}
	var ack protocol.HelloAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatal(err)
	}
	return conn, ack
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	e := newTestEnv(t)
	_, ack := dialRunner(t, e, "m1", "wrong-token")
	if ack.OK {
		t.Fatal("handshake accepted an invalid token")
	}
	if ack.Error == "" {
		t.Error("expected an error message in the ack")
	}
}

func TestHandshakeRegistersMachine(t *testing.T) {
	e := newTestEnv(t)
	_, ack := dialRunner(t, e, "m1", "tok-1")
	if !ack.OK {
		t.Fatalf("handshake failed: %s", ack.Error)
	}

	ctx := context.Background()
	waitFor(t, func() bool {
		m, _ := e.machines.Get(ctx, "default", "m1")
		return m != nil && m.Active
	}, "machine never became active")

	if !e.socket.MachineConnected("default", "m1") {
		t.Error("MachineConnected = false for a live connection")
	}
	if e.socket.MachineConnected("default", "other") {
		t.Error("MachineConnected = true for an unknown machine")
	}
}

func TestSessionHeartbeatOverSocket(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sess, err := e.sessions.GetOrCreate(ctx, "default", "tag-1", "{}", "{}")
	if err != nil {
		t.Fatal(err)
	}

	conn, ack := dialRunner(t, e, "m1", "tok-1")
	if !ack.OK {
		t.Fatalf("handshake failed: %s", ack.Error)
	}

	thinking := true
	sendEnvelope(t, conn, protocol.TypeSessionAlive, sess.ID, protocol.SessionAlive{
		SessionID: sess.ID,
		Time:      time.Now().UnixMilli(),
		Thinking:  &thinking,
	})

	waitFor(t, func() bool {
		v, _ := e.sessions.Get(ctx, "default", sess.ID)
		return v != nil && v.Active && v.Thinking
	}, "session never became active")

	sendEnvelope(t, conn, protocol.TypeSessionEnd, sess.ID, protocol.SessionEnd{
		SessionID: sess.ID,
		Time:      time.Now().UnixMilli(),
	})
	waitFor(t, func() bool {
		v, _ := e.sessions.Get(ctx, "default", sess.ID)
		return v != nil && !v.Active
	}, "session never went inactive after session.end")
}

func TestAppendStoresMessageAndTodos(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sess, err := e.sessions.GetOrCreate(ctx, "default", "tag-1", "{}", "{}")
	if err != nil {
		t.Fatal(err)
	}

	conn, _ := dialRunner(t, e, "m1", "tok-1")

	content := `{"name":"TodoWrite","input":{"todos":[{"content":"write tests","status":"pending"}]}}`
	sendEnvelope(t, conn, protocol.TypeAppend, sess.ID, protocol.Append{
		SessionID: sess.ID,
		Message:   protocol.AppendPayload{Content: json.RawMessage(content), LocalID: "l-1"},
	})

	waitFor(t, func() bool {
		msgs, _ := e.store.GetMessages(ctx, "default", sess.ID, 10, 0)
		return len(msgs) == 1 && msgs[0].Seq == 1
	}, "message never stored")

	waitFor(t, func() bool {
		v, _ := e.sessions.Get(ctx, "default", sess.ID)
		return v != nil && strings.Contains(string(v.Todos), "write tests")
	}, "todos never extracted from the appended message")

	// A duplicate localId must not create a second message.
	sendEnvelope(t, conn, protocol.TypeAppend, sess.ID, protocol.Append{
		SessionID: sess.ID,
		Message:   protocol.AppendPayload{Content: json.RawMessage(content), LocalID: "l-1"},
	})
	sendEnvelope(t, conn, protocol.TypeAppend, sess.ID, protocol.Append{
		SessionID: sess.ID,
		Message:   protocol.AppendPayload{Content: json.RawMessage(`{"text":"second"}`), LocalID: "l-2"},
	})
	waitFor(t, func() bool {
		msgs, _ := e.store.GetMessages(ctx, "default", sess.ID, 10, 0)
		return len(msgs) == 2 && msgs[1].Seq == 2
	}, "duplicate localId consumed a sequence number")
}

func TestPermissionDecisionDelivery(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sess, err := e.sessions.GetOrCreate(ctx, "default", "tag-1", "{}", "{}")
	if err != nil {
		t.Fatal(err)
	}

	conn, _ := dialRunner(t, e, "m1", "tok-1")

	sendEnvelope(t, conn, protocol.TypePermissionRequest, sess.ID, protocol.PermissionRequest{
		SessionID: sess.ID,
		RequestID: "req-1",
		Tool:      "bash",
		Options: []protocol.PermissionOption{
			{ID: "o-allow", Name: "Allow", Kind: protocol.OptionAllowOnce},
			{ID: "o-deny", Name: "Deny", Kind: protocol.OptionRejectOnce},
		},
	})

	waitFor(t, func() bool {
		return e.broker.PendingCount("default", sess.ID) == 1
	}, "permission request never registered")

	resolved, err := e.broker.Resolve(ctx, "default", sess.ID, "req-1", permission.DecisionApproved, permission.Extras{})
	if err != nil || !resolved {
		t.Fatalf("resolve: resolved=%v err=%v", resolved, err)
	}

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypePermissionDecision {
		t.Fatalf("expected permission.decision, got %q", env.Type)
	}
	var dec protocol.PermissionDecision
	if err := json.Unmarshal(env.Payload, &dec); err != nil {
		t.Fatal(err)
	}
	if dec.RequestID != "req-1" || dec.OptionID != "o-allow" || dec.Cancelled {
		t.Errorf("decision = %+v", dec)
	}
}

func TestDisconnectCancelsPending(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sess, err := e.sessions.GetOrCreate(ctx, "default", "tag-1", "{}", "{}")
	if err != nil {
		t.Fatal(err)
	}

	conn, _ := dialRunner(t, e, "m1", "tok-1")
	sendEnvelope(t, conn, protocol.TypePermissionRequest, sess.ID, protocol.PermissionRequest{
		SessionID: sess.ID,
		RequestID: "req-1",
		Tool:      "bash",
		Options:   []protocol.PermissionOption{{ID: "o-1", Kind: protocol.OptionAllowOnce}},
	})
	waitFor(t, func() bool {
		return e.broker.PendingCount("default", sess.ID) == 1
	}, "permission request never registered")

	conn.Close()

	waitFor(t, func() bool {
		return e.broker.PendingCount("default", sess.ID) == 0
	}, "pending request survived the disconnect")
	waitFor(t, func() bool {
		m, _ := e.machines.Get(ctx, "default", "m1")
		return m != nil && !m.Active
	}, "machine stayed active after disconnect")
}

func TestRPCRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	conn, _ := dialRunner(t, e, "m1", "tok-1")

	// Play the runner side: answer the first rpc.request that arrives.
	go func() {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env inboundEnvelope
		if json.Unmarshal(data, &env) != nil || env.Type != protocol.TypeRPCRequest {
			return
		}
		var req protocol.RPCRequest
		if json.Unmarshal(env.Payload, &req) != nil {
			return
		}
		resp := protocol.Envelope{
			Type:      protocol.TypeRPCResponse,
			Timestamp: time.Now(),
			Payload: protocol.RPCResponse{
				ID:     req.ID,
				OK:     true,
				Result: json.RawMessage(`{"exists":true}`),
			},
		}
		out, _ := json.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, out)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := e.socket.Call(ctx, "default", "m1", protocol.RPCPathExists, protocol.PathExistsParams{Path: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(result), `"exists":true`) {
		t.Errorf("result = %s", result)
	}

	if _, err := e.socket.Call(ctx, "default", "missing", protocol.RPCPathExists, nil); err != ErrNotConnected {
		t.Errorf("call to unknown machine: %v", err)
	}
}

func TestReconnectClosesPreviousConnection(t *testing.T) {
	e := newTestEnv(t)
	first, _ := dialRunner(t, e, "m1", "tok-1")
	_, ack := dialRunner(t, e, "m1", "tok-1")
	if !ack.OK {
		t.Fatalf("second handshake failed: %s", ack.Error)
	}

	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			return // previous connection was closed by the hub
		}
	}
}
