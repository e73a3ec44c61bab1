// Package ingress terminates the runner-facing channel: the persistent
// WebSocket a CLI runner keeps open to report heartbeats, append messages,
// and wait on permission decisions.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relayhub-ai/relayhub/internal/auth"
	"github.com/relayhub-ai/relayhub/internal/permission"
	"github.com/relayhub-ai/relayhub/internal/sync"
	"github.com/relayhub-ai/relayhub/pkg/protocol"
)

const (
	readLimit      = 1 << 20 // 1MB per frame
	helloTimeout   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	defaultRPCWait = 30 * time.Second
)

// ErrNotConnected is returned when a hub-to-runner delivery has no live
// connection to go through.
var ErrNotConnected = errors.New("runner not connected")

// MakeUpgrader builds a websocket upgrader with origin checking. An empty
// allowlist permits all origins; requests without an Origin header (CLI
// runners, non-browser clients) are always allowed.
func MakeUpgrader(allowedOrigins []string) websocket.Upgrader {
	originSet := make(map[string]bool, len(allowedOrigins))
	allowAll := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// inboundEnvelope mirrors protocol.Envelope with the payload left raw so each
// handler decodes its own type.
type inboundEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// runnerConn is one live runner connection. Writes are serialized through mu;
// gorilla/websocket allows only one concurrent writer.
type runnerConn struct {
	machineID string
	namespace string
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce stdsync.Once

	mu stdsync.Mutex // guards conn writes

	sessMu   stdsync.Mutex
	sessions map[string]struct{} // session ids seen on this connection
}

func (rc *runnerConn) send(msgType, sessionID, id string, payload any) error {
	env := protocol.Envelope{
		Type:      msgType,
		ID:        id,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return rc.conn.WriteMessage(websocket.TextMessage, data)
}

// CancelPrompt tells the runner to stop the agent's current prompt. This is
// the transport hook the permission broker invokes on abort.
func (rc *runnerConn) CancelPrompt(ctx context.Context, sessionID, reason string) error {
	return rc.send(protocol.TypeCancelPrompt, sessionID, "", protocol.CancelPrompt{
		SessionID: sessionID,
		Reason:    reason,
	})
}

func (rc *runnerConn) track(sessionID string) {
	rc.sessMu.Lock()
	if rc.sessions == nil {
		rc.sessions = make(map[string]struct{})
	}
	rc.sessions[sessionID] = struct{}{}
	rc.sessMu.Unlock()
}

func (rc *runnerConn) untrack(sessionID string) {
	rc.sessMu.Lock()
	delete(rc.sessions, sessionID)
	rc.sessMu.Unlock()
}

func (rc *runnerConn) sessionIDs() []string {
	rc.sessMu.Lock()
	defer rc.sessMu.Unlock()
	ids := make([]string, 0, len(rc.sessions))
	for id := range rc.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (rc *runnerConn) close() {
	rc.closeOnce.Do(func() { close(rc.done) })
	rc.conn.Close()
}

// Socket owns all live runner connections and routes frames between them and
// the session, machine, message, and permission layers.
type Socket struct {
	sessions *sync.SessionCache
	machines *sync.MachineCache
	messages *sync.MessageLog
	broker   *permission.Broker
	auth     auth.RunnerAuthProvider
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        stdsync.Mutex
	runners   map[string]*runnerConn // ns+"\x00"+machineID
	bySession map[string]*runnerConn // ns+"\x00"+sessionID

	rpcMu stdsync.Mutex
	rpc   map[string]chan protocol.RPCResponse
}

func New(sessions *sync.SessionCache, machines *sync.MachineCache, messages *sync.MessageLog,
	broker *permission.Broker, runnerAuth auth.RunnerAuthProvider, allowedOrigins []string, logger *slog.Logger) *Socket {
	return &Socket{
		sessions:  sessions,
		machines:  machines,
		messages:  messages,
		broker:    broker,
		auth:      runnerAuth,
		logger:    logger.With("component", "ingress"),
		upgrader:  MakeUpgrader(allowedOrigins),
		runners:   make(map[string]*runnerConn),
		bySession: make(map[string]*runnerConn),
	}
}

func connKey(namespace, id string) string {
	return namespace + "\x00" + id
}

// HandleWS upgrades a runner connection and runs its read loop until the
// runner disconnects. The first frame must be a runner.hello carrying a valid
// token; everything before a successful handshake is unauthenticated.
func (s *Socket) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx := context.Background()

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != protocol.TypeRunnerHello {
		conn.Close()
		return
	}
	var hello protocol.RunnerHello
	if err := json.Unmarshal(env.Payload, &hello); err != nil || hello.MachineID == "" {
		conn.Close()
		return
	}

	rc := &runnerConn{
		machineID: hello.MachineID,
		conn:      conn,
		done:      make(chan struct{}),
	}

	namespace, ok := s.auth.ValidateRunnerToken(hello.Token)
	if !ok {
		rc.send(protocol.TypeHelloAck, "", "", protocol.HelloAck{OK: false, Error: "invalid runner credentials"})
		conn.Close()
		return
	}
	rc.namespace = namespace

	if _, err := s.machines.Upsert(ctx, namespace, hello.MachineID, string(hello.Metadata), string(hello.RunnerState)); err != nil {
		s.logger.Error("machine upsert failed", "machine_id", hello.MachineID, "error", err)
		rc.send(protocol.TypeHelloAck, "", "", protocol.HelloAck{OK: false, Error: "internal error"})
		conn.Close()
		return
	}

	s.register(rc)
	s.machines.SetConnected(ctx, namespace, hello.MachineID, true)

	if err := rc.send(protocol.TypeHelloAck, "", "", protocol.HelloAck{OK: true}); err != nil {
		s.cleanup(ctx, rc)
		return
	}

	s.logger.Info("runner connected", "machine_id", hello.MachineID, "namespace", namespace)

	if s.auth.RunnerTokenSecret() != "" && s.auth.RunnerTokenLifetime() > 0 {
		go s.scheduleTokenRefresh(rc)
	}

	defer s.cleanup(ctx, rc)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundEnvelope
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("unparseable frame", "machine_id", rc.machineID, "error", err)
			continue
		}
		s.handleMessage(ctx, rc, msg)
	}
}

// register installs the connection, closing any previous connection for the
// same machine. Reconnects win.
func (s *Socket) register(rc *runnerConn) {
	key := connKey(rc.namespace, rc.machineID)
	s.mu.Lock()
	prev := s.runners[key]
	s.runners[key] = rc
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("closing previous runner connection", "machine_id", rc.machineID)
		prev.close()
	}
}

// cleanup tears down a connection. A reconnect replaces the registration
// before the old read loop exits, so everything here acts only on state this
// connection still owns.
func (s *Socket) cleanup(ctx context.Context, rc *runnerConn) {
	rc.close()

	key := connKey(rc.namespace, rc.machineID)
	s.mu.Lock()
	current := s.runners[key] == rc
	if current {
		delete(s.runners, key)
	}
	var owned []string
	for _, sid := range rc.sessionIDs() {
		sk := connKey(rc.namespace, sid)
		if s.bySession[sk] == rc {
			delete(s.bySession, sk)
			owned = append(owned, sid)
		}
	}
	s.mu.Unlock()

	if current {
		s.machines.SetConnected(ctx, rc.namespace, rc.machineID, false)
	}

	for _, sid := range owned {
		if n := s.broker.CancelAll(ctx, rc.namespace, sid, "disconnected", ""); n > 0 {
			s.logger.Info("cancelled pending permissions on disconnect", "session_id", sid, "count", n)
		}
	}

	s.logger.Info("runner disconnected", "machine_id", rc.machineID, "namespace", rc.namespace)
}

// trackSession associates a session with the connection carrying it so
// hub-to-runner deliveries and disconnect cleanup can find it.
func (s *Socket) trackSession(rc *runnerConn, sessionID string) {
	if sessionID == "" {
		return
	}
	rc.track(sessionID)
	s.mu.Lock()
	s.bySession[connKey(rc.namespace, sessionID)] = rc
	s.mu.Unlock()
}

func (s *Socket) untrackSession(rc *runnerConn, sessionID string) {
	rc.untrack(sessionID)
	sk := connKey(rc.namespace, sessionID)
	s.mu.Lock()
	if s.bySession[sk] == rc {
		delete(s.bySession, sk)
	}
	s.mu.Unlock()
}

func (s *Socket) handleMessage(ctx context.Context, rc *runnerConn, env inboundEnvelope) {
	switch env.Type {
	case protocol.TypeMachineAlive:
		var p protocol.MachineAlive
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.machines.HandleAlive(ctx, rc.namespace, rc.machineID, p.Time)

	case protocol.TypeSessionAlive:
		var p protocol.SessionAlive
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		s.trackSession(rc, p.SessionID)
		s.sessions.HandleAlive(ctx, rc.namespace, p.SessionID, p.Time, p.Thinking, p.PermissionMode, p.ModelMode)

	case protocol.TypeSessionEnd:
		var p protocol.SessionEnd
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		s.sessions.HandleEnd(ctx, rc.namespace, p.SessionID)
		s.broker.CancelAll(ctx, rc.namespace, p.SessionID, "disconnected", "")
		s.untrackSession(rc, p.SessionID)

	case protocol.TypeAppend:
		var p protocol.Append
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		s.trackSession(rc, p.SessionID)
		msg, inserted, err := s.messages.Append(ctx, rc.namespace, p.SessionID, string(p.Message.Content), p.Message.LocalID)
		if err != nil {
			s.logger.Error("append failed", "session_id", p.SessionID, "error", err)
			return
		}
		if inserted {
			if todos := sync.ExtractTodos(p.Message.Content); todos != nil {
				if _, err := s.sessions.SetTodos(ctx, rc.namespace, p.SessionID, string(todos), msg.CreatedAt.UnixMilli()); err != nil {
					s.logger.Warn("todo update failed", "session_id", p.SessionID, "error", err)
				}
			}
		}

	case protocol.TypePermissionRequest:
		var p protocol.PermissionRequest
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" || p.RequestID == "" {
			return
		}
		s.trackSession(rc, p.SessionID)
		pending, err := s.broker.Submit(ctx, rc.namespace, p, rc)
		if err != nil {
			s.logger.Error("permission submit failed", "session_id", p.SessionID, "error", err)
			return
		}
		go s.awaitDecision(rc, p, pending)

	case protocol.TypeRPCResponse:
		var p protocol.RPCResponse
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if p.ID == "" {
			p.ID = env.ID
		}
		s.deliverRPC(p)

	case protocol.TypePing:
		rc.send(protocol.TypePong, "", env.ID, nil)

	default:
		s.logger.Debug("unhandled frame type", "type", env.Type, "machine_id", rc.machineID)
	}
}

// awaitDecision blocks until the broker resolves the request, then pushes the
// decision frame to the runner. A dead connection ends the wait; the broker's
// disconnect cancellation covers the outcome.
func (s *Socket) awaitDecision(rc *runnerConn, req protocol.PermissionRequest, pending *permission.Pending) {
	select {
	case out := <-pending.Done():
		dec := protocol.PermissionDecision{
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			OptionID:  out.OptionID,
			Cancelled: out.Cancelled,
			Reason:    out.Reason,
		}
		if err := rc.send(protocol.TypePermissionDecision, req.SessionID, "", dec); err != nil {
			s.logger.Warn("delivering permission decision failed",
				"session_id", req.SessionID, "request_id", req.RequestID, "error", err)
		}
	case <-rc.done:
	}
}

// scheduleTokenRefresh pushes a fresh runner token at 80% of the token
// lifetime so the runner can reconnect without its credential expiring.
func (s *Socket) scheduleTokenRefresh(rc *runnerConn) {
	interval := time.Duration(float64(s.auth.RunnerTokenLifetime()) * 0.8)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rc.done:
			return
		case <-ticker.C:
			token := s.auth.GenerateRunnerToken(rc.namespace)
			if err := rc.send(protocol.TypeTokenRefresh, "", "", protocol.TokenRefresh{Token: token}); err != nil {
				s.logger.Debug("token refresh write failed", "machine_id", rc.machineID, "error", err)
				return
			}
		}
	}
}

func (s *Socket) runnerFor(namespace, machineID string) *runnerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[connKey(namespace, machineID)]
}

func (s *Socket) runnerForSession(namespace, sessionID string) *runnerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bySession[connKey(namespace, sessionID)]
}

// MachineConnected reports whether a live runner connection exists for the
// machine.
func (s *Socket) MachineConnected(namespace, machineID string) bool {
	return s.runnerFor(namespace, machineID) != nil
}

// SendNewMessage delivers a stored user message to the runner carrying the
// session.
func (s *Socket) SendNewMessage(ctx context.Context, namespace, sessionID string, msg protocol.StoredMessage) error {
	rc := s.runnerForSession(namespace, sessionID)
	if rc == nil {
		return ErrNotConnected
	}
	return rc.send(protocol.TypeNewMessage, sessionID, "", protocol.NewMessage{
		SessionID: sessionID,
		Message:   msg,
	})
}

// CancelPrompt asks the runner carrying the session to stop the agent's
// current prompt. Missing connections are not an error; there is nothing to
// stop.
func (s *Socket) CancelPrompt(ctx context.Context, namespace, sessionID, reason string) error {
	rc := s.runnerForSession(namespace, sessionID)
	if rc == nil {
		return nil
	}
	return rc.CancelPrompt(ctx, sessionID, reason)
}

// SendSessionConfig pushes permission or model mode changes to the runner.
func (s *Socket) SendSessionConfig(ctx context.Context, namespace, sessionID, permissionMode, modelMode string) error {
	rc := s.runnerForSession(namespace, sessionID)
	if rc == nil {
		return ErrNotConnected
	}
	return rc.send(protocol.TypeSessionConfig, sessionID, "", protocol.SessionConfig{
		SessionID:      sessionID,
		PermissionMode: permissionMode,
		ModelMode:      modelMode,
	})
}

func (s *Socket) registerRPC(id string) chan protocol.RPCResponse {
	ch := make(chan protocol.RPCResponse, 1)
	s.rpcMu.Lock()
	if s.rpc == nil {
		s.rpc = make(map[string]chan protocol.RPCResponse)
	}
	s.rpc[id] = ch
	s.rpcMu.Unlock()
	return ch
}

func (s *Socket) unregisterRPC(id string) {
	s.rpcMu.Lock()
	delete(s.rpc, id)
	s.rpcMu.Unlock()
}

func (s *Socket) deliverRPC(resp protocol.RPCResponse) {
	s.rpcMu.Lock()
	ch := s.rpc[resp.ID]
	delete(s.rpc, resp.ID)
	s.rpcMu.Unlock()
	if ch != nil {
		ch <- resp
	}
}

// Call performs a request/response round trip over a machine's runner
// connection. It blocks until the runner answers, the connection dies, or the
// context or default wait expires.
func (s *Socket) Call(ctx context.Context, namespace, machineID, method string, params any) (json.RawMessage, error) {
	rc := s.runnerFor(namespace, machineID)
	if rc == nil {
		return nil, ErrNotConnected
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.New().String()
	ch := s.registerRPC(id)
	defer s.unregisterRPC(id)

	req := protocol.RPCRequest{ID: id, Method: method, Params: raw}
	if err := rc.send(protocol.TypeRPCRequest, "", id, req); err != nil {
		return nil, fmt.Errorf("send rpc: %w", err)
	}

	timer := time.NewTimer(defaultRPCWait)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.OK {
			if resp.Error == "" {
				resp.Error = "rpc failed"
			}
			return nil, errors.New(resp.Error)
		}
		return resp.Result, nil
	case <-rc.done:
		return nil, ErrNotConnected
	case <-timer.C:
		return nil, fmt.Errorf("rpc %s timed out", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
