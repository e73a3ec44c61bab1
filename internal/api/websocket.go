package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relayhub-ai/relayhub/internal/fanout"
	"github.com/relayhub-ai/relayhub/internal/sync"
	"github.com/relayhub-ai/relayhub/pkg/protocol"
)

// tokenFromRequest extracts a bearer token from the query string or the
// Authorization header. WebSocket and EventSource clients cannot always set
// headers, so ?token= is accepted too.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

// wsSink pushes fanned-out events over a client WebSocket. Writes are
// serialized; gorilla/websocket allows only one concurrent writer.
type wsSink struct {
	conn *websocket.Conn
	mu   stdsync.Mutex

	// detached marks a sink replaced by a new subscription on the same
	// connection; its Close must leave the connection alone.
	detached bool
}

func (k *wsSink) detach() {
	k.mu.Lock()
	k.detached = true
	k.mu.Unlock()
}

func (k *wsSink) write(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return k.conn.WriteMessage(websocket.TextMessage, data)
}

func (k *wsSink) Send(ev sync.Event) error {
	return k.write(protocol.Envelope{
		Type:      protocol.TypeEvent,
		SessionID: ev.SessionID,
		Timestamp: time.Now(),
		Payload:   ev,
	})
}

func (k *wsSink) SendHeartbeat() error {
	return k.write(protocol.Envelope{Type: protocol.TypePing, Timestamp: time.Now()})
}

func (k *wsSink) Close() {
	k.mu.Lock()
	detached := k.detached
	k.mu.Unlock()
	if !detached {
		k.conn.Close()
	}
}

// clientConn tracks one webapp connection so REST calls can address its
// current fanout subscription by connection id.
type clientConn struct {
	userID string

	mu    stdsync.Mutex
	subID string
}

func (c *clientConn) setSubID(id string) {
	c.mu.Lock()
	c.subID = id
	c.mu.Unlock()
}

func (c *clientConn) currentSubID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subID
}

func (s *Server) registerConn(connID string, cc *clientConn) {
	s.connMu.Lock()
	s.conns[connID] = cc
	s.connMu.Unlock()
}

func (s *Server) unregisterConn(connID string) {
	s.connMu.Lock()
	delete(s.conns, connID)
	s.connMu.Unlock()
}

func (s *Server) lookupConn(connID string) *clientConn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conns[connID]
}

// handleClientWS serves the webapp channel: authenticate, upgrade, subscribe
// to the event fanout, and process subscribe/visibility frames until the
// client disconnects.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	identity, err := s.authProvider.ValidateToken(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("client upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(64 * 1024)

	connID := uuid.New().String()
	sink := &wsSink{conn: conn}

	// Clients start on the firehose; a subscribe frame narrows the scope.
	sub := s.fanout.Subscribe(identity.Namespace, identity.UserID, fanout.Scope{All: true}, true, sink)

	cc := &clientConn{userID: identity.UserID, subID: sub.ID}
	s.registerConn(connID, cc)

	s.pub.Emit(sync.Event{
		Kind:    sync.KindConnectionChanged,
		UserID:  identity.UserID,
		Payload: map[string]any{"connection_id": connID, "connected": true},
	})
	s.logger.Info("client connected", "user", identity.Username, "connection_id", connID)

	defer func() {
		s.unregisterConn(connID)
		s.fanout.Unsubscribe(sub.ID)
		s.pub.Emit(sync.Event{
			Kind:    sync.KindConnectionChanged,
			UserID:  identity.UserID,
			Payload: map[string]any{"connection_id": connID, "connected": false},
		})
		s.logger.Info("client disconnected", "user", identity.Username, "connection_id", connID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type    string          `json:"type"`
			ID      string          `json:"id"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeSubscribe:
			var req protocol.Subscribe
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				continue
			}
			visible := req.Visibility != "hidden"
			scope := fanout.Scope{All: req.All, SessionID: req.SessionID, MachineID: req.MachineID}
			if !scope.All && scope.SessionID == "" && scope.MachineID == "" {
				scope.All = true
			}
			// Replace the subscription; the queue of the old scope is dropped.
			sink.detach()
			s.fanout.Unsubscribe(sub.ID)
			sink = &wsSink{conn: conn}
			sub = s.fanout.Subscribe(identity.Namespace, identity.UserID, scope, visible, sink)
			cc.setSubID(sub.ID)

		case protocol.TypeVisibility:
			var req protocol.VisibilityUpdate
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				continue
			}
			s.fanout.SetVisibility(sub.ID, req.Visibility != "hidden")

		case protocol.TypePing:
			sink.write(protocol.Envelope{Type: protocol.TypePong, ID: env.ID, Timestamp: time.Now()})
		}
	}
}

// handleSetVisibility flips toast delivery for one of the caller's live
// connections. The connection id comes from the connection-changed event.
func (s *Server) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	var req struct {
		ConnectionID string `json:"connection_id"`
		Visibility   string `json:"visibility"`
	}
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}
	if req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "connection_id is required")
		return
	}

	cc := s.lookupConn(req.ConnectionID)
	if cc == nil || cc.userID != identity.UserID {
		writeError(w, http.StatusNotFound, "not_found", "connection not found")
		return
	}

	s.fanout.SetVisibility(cc.currentSubID(), req.Visibility != "hidden")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// sseSink pushes fanned-out events over an SSE response stream.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     stdsync.Mutex
	closed bool
	done   chan struct{}
}

func (k *sseSink) Send(ev sync.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fmt.Errorf("stream closed")
	}
	if _, err := fmt.Fprintf(k.w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	k.flusher.Flush()
	return nil
}

func (k *sseSink) SendHeartbeat() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fmt.Errorf("stream closed")
	}
	if _, err := fmt.Fprint(k.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	k.flusher.Flush()
	return nil
}

func (k *sseSink) Close() {
	k.mu.Lock()
	if !k.closed {
		k.closed = true
		close(k.done)
	}
	k.mu.Unlock()
}

// handleEvents serves the SSE fallback stream. The scope comes from query
// params; EventSource cannot send frames to narrow it later.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing token")
		return
	}
	identity, err := s.authProvider.ValidateToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	scope := fanout.Scope{
		SessionID: r.URL.Query().Get("session_id"),
		MachineID: r.URL.Query().Get("machine_id"),
	}
	if scope.SessionID == "" && scope.MachineID == "" {
		scope.All = true
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher, done: make(chan struct{})}
	sub := s.fanout.Subscribe(identity.Namespace, identity.UserID, scope, true, sink)

	select {
	case <-r.Context().Done():
	case <-sink.done:
	}
	s.fanout.Unsubscribe(sub.ID)
	// Wait out any in-flight write before the handler returns.
	sink.mu.Lock()
	sink.closed = true
	sink.mu.Unlock()
}
