package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayhub-ai/relayhub/internal/store"
)

// Timing defaults. AliveMonitor and the fanout heartbeat share these.
const (
	LivenessWindow    = 30 * time.Second
	HeartbeatCoalesce = 10 * time.Second
	MaxClockSkew      = 5 * time.Second

	// How many trailing messages the one-shot todo backfill scans.
	todoBackfillScan = 200
)

// ErrSessionActive is returned when a delete is refused because the session
// still has a live heartbeat.
var ErrSessionActive = errors.New("session is active")

// SessionView is the hydrated session shape sent to clients. Opaque blobs
// that fail to parse are left null; the row itself is kept.
type SessionView struct {
	ID                string          `json:"id"`
	Tag               string          `json:"tag,omitempty"`
	Seq               int64           `json:"seq"`
	Metadata          json.RawMessage `json:"metadata"`
	MetadataVersion   int64           `json:"metadata_version"`
	AgentState        json.RawMessage `json:"agent_state"`
	AgentStateVersion int64           `json:"agent_state_version"`
	Todos             json.RawMessage `json:"todos"`
	TodosUpdatedAt    int64           `json:"todos_updated_at,omitempty"`
	Active            bool            `json:"active"`
	ActiveAt          int64           `json:"active_at,omitempty"` // unix ms
	Thinking          bool            `json:"thinking"`
	ThinkingAt        int64           `json:"thinking_at,omitempty"`
	PermissionMode    string          `json:"permission_mode,omitempty"`
	ModelMode         string          `json:"model_mode,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// sessionEntry is the cached liveness state for one session. Mutations hold
// entry.mu; store I/O and event emission happen after release.
type sessionEntry struct {
	mu              sync.Mutex
	active          bool
	activeAt        int64 // unix ms, monotonic
	thinking        bool
	thinkingAt      int64
	permissionMode  string
	modelMode       string
	lastBroadcastAt time.Time
	todoBackfilled  bool
}

// SessionCache is the in-memory authoritative view of session liveness and
// derived state, layered over the store.
type SessionCache struct {
	store  store.Store
	pub    *Publisher
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*sessionEntry // namespace + "\x00" + id
}

func NewSessionCache(st store.Store, pub *Publisher, logger *slog.Logger) *SessionCache {
	return &SessionCache{
		store:   st,
		pub:     pub,
		logger:  logger.With("component", "session-cache"),
		now:     time.Now,
		entries: make(map[string]*sessionEntry),
	}
}

func cacheKey(namespace, id string) string {
	return namespace + "\x00" + id
}

func (c *SessionCache) entry(namespace, id string) *sessionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(namespace, id)
	e, ok := c.entries[key]
	if !ok {
		e = &sessionEntry{}
		c.entries[key] = e
	}
	return e
}

func (c *SessionCache) lookup(namespace, id string) *sessionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[cacheKey(namespace, id)]
}

func (c *SessionCache) evict(namespace, id string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(namespace, id))
	c.mu.Unlock()
}

// rawOrNull validates an opaque blob for client hydration.
func rawOrNull(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

// view hydrates a stored row with the cached liveness fields.
func (c *SessionCache) view(sess *store.Session) *SessionView {
	v := &SessionView{
		ID:                sess.ID,
		Tag:               sess.Tag,
		Seq:               sess.Seq,
		Metadata:          rawOrNull(sess.Metadata),
		MetadataVersion:   sess.MetadataVersion,
		AgentState:        rawOrNull(sess.AgentState),
		AgentStateVersion: sess.AgentStateVersion,
		Todos:             rawOrNull(sess.Todos),
		TodosUpdatedAt:    sess.TodosUpdatedAt,
		CreatedAt:         sess.CreatedAt,
		UpdatedAt:         sess.UpdatedAt,
	}
	if e := c.lookup(sess.Namespace, sess.ID); e != nil {
		e.mu.Lock()
		v.Active = e.active
		v.ActiveAt = e.activeAt
		v.Thinking = e.thinking
		v.ThinkingAt = e.thinkingAt
		v.PermissionMode = e.permissionMode
		v.ModelMode = e.modelMode
		e.mu.Unlock()
	}
	return v
}

// GetOrCreate resolves a (namespace, tag) pair to a session, creating one if
// needed, and refreshes the cache entry.
func (c *SessionCache) GetOrCreate(ctx context.Context, namespace, tag, metadata, agentState string) (*SessionView, error) {
	sess, err := c.store.CreateSession(ctx, namespace, tag, metadata, agentState)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return c.Refresh(ctx, namespace, sess.ID)
}

// Get returns the hydrated session or nil when absent.
func (c *SessionCache) Get(ctx context.Context, namespace, id string) (*SessionView, error) {
	sess, err := c.store.GetSession(ctx, namespace, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	return c.view(sess), nil
}

// List returns all sessions in the namespace, most recently updated first.
func (c *SessionCache) List(ctx context.Context, namespace string) ([]*SessionView, error) {
	rows, err := c.store.ListSessions(ctx, namespace)
	if err != nil {
		return nil, err
	}
	views := make([]*SessionView, 0, len(rows))
	for i := range rows {
		views = append(views, c.view(&rows[i]))
	}
	return views, nil
}

// Refresh reloads a session from the store and emits the matching event:
// session-added for a new cache entry, session-updated otherwise,
// session-removed (plus eviction) when the store no longer has the row.
// A fresh entry with no stored todos triggers the one-shot backfill.
func (c *SessionCache) Refresh(ctx context.Context, namespace, id string) (*SessionView, error) {
	sess, err := c.store.GetSession(ctx, namespace, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		if c.lookup(namespace, id) != nil {
			c.evict(namespace, id)
			c.pub.Emit(Event{Kind: KindSessionRemoved, Namespace: namespace, SessionID: id,
				Payload: map[string]string{"id": id}})
		}
		return nil, nil
	}

	isNew := c.lookup(namespace, id) == nil
	e := c.entry(namespace, id)
	v := c.view(sess)

	kind := KindSessionUpdated
	if isNew {
		kind = KindSessionAdded
	}
	c.pub.Emit(Event{Kind: kind, Namespace: namespace, SessionID: id, Payload: v})

	e.mu.Lock()
	needBackfill := sess.Todos == "" && !e.todoBackfilled
	e.todoBackfilled = true
	e.mu.Unlock()
	if needBackfill {
		go c.backfillTodos(namespace, id)
	}
	return v, nil
}

// backfillTodos scans the trailing messages of a session for the most recent
// todo write and persists it. Runs at most once per cache entry.
func (c *SessionCache) backfillTodos(namespace, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msgs, err := c.store.GetMessages(ctx, namespace, id, todoBackfillScan, 0)
	if err != nil {
		c.logger.Warn("todo backfill scan failed", "session_id", id, "error", err)
		return
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		todos := ExtractTodos([]byte(msgs[i].Content))
		if todos == nil {
			continue
		}
		applied, err := c.store.SetSessionTodos(ctx, namespace, id, string(todos), msgs[i].CreatedAt.UnixMilli())
		if err != nil {
			c.logger.Warn("todo backfill write failed", "session_id", id, "error", err)
			return
		}
		if applied {
			c.emitSnapshot(ctx, namespace, id)
		}
		return
	}
}

// HandleAlive processes a session heartbeat. The runner clock is clamped:
// timestamps more than MaxClockSkew in the future collapse to now, and
// activeAt never decreases. A session-updated event is emitted when the
// session transitioned to active, thinking flipped, a mode changed, or the
// coalescing gap elapsed.
func (c *SessionCache) HandleAlive(ctx context.Context, namespace, id string, at int64, thinking *bool, permissionMode, modelMode string) {
	now := c.now()
	nowMs := now.UnixMilli()
	if at > nowMs+MaxClockSkew.Milliseconds() {
		at = nowMs
	}

	e := c.entry(namespace, id)
	e.mu.Lock()
	material := !e.active
	e.active = true
	if at > e.activeAt {
		e.activeAt = at
	}
	if thinking != nil && *thinking != e.thinking {
		e.thinking = *thinking
		e.thinkingAt = at
		material = true
	}
	if permissionMode != "" && permissionMode != e.permissionMode {
		e.permissionMode = permissionMode
		material = true
	}
	if modelMode != "" && modelMode != e.modelMode {
		e.modelMode = modelMode
		material = true
	}
	emit := material || now.Sub(e.lastBroadcastAt) > HeartbeatCoalesce
	if emit {
		e.lastBroadcastAt = now
	}
	e.mu.Unlock()

	if emit {
		c.emitSnapshot(ctx, namespace, id)
	}
}

// HandleEnd marks a session's agent process as exited.
func (c *SessionCache) HandleEnd(ctx context.Context, namespace, id string) {
	e := c.entry(namespace, id)
	e.mu.Lock()
	changed := e.active || e.thinking
	e.active = false
	e.thinking = false
	e.lastBroadcastAt = c.now()
	e.mu.Unlock()

	if changed {
		c.emitSnapshot(ctx, namespace, id)
	}
}

// ExpireInactive demotes sessions whose last heartbeat fell out of the
// liveness window. Returns how many sessions were demoted.
func (c *SessionCache) ExpireInactive(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-LivenessWindow).UnixMilli()

	type expired struct{ namespace, id string }
	var demoted []expired

	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.mu.Lock()
		e := c.entries[key]
		c.mu.Unlock()
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.active && e.activeAt < cutoff {
			e.active = false
			e.thinking = false
			e.lastBroadcastAt = now
			ns, id := splitCacheKey(key)
			demoted = append(demoted, expired{ns, id})
		}
		e.mu.Unlock()
	}

	for _, d := range demoted {
		c.emitSnapshot(ctx, d.namespace, d.id)
	}
	return len(demoted)
}

func splitCacheKey(key string) (namespace, id string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}

// ApplyConfig sets the cached mode fields and emits a full snapshot.
func (c *SessionCache) ApplyConfig(ctx context.Context, namespace, id, permissionMode, modelMode string) {
	e := c.entry(namespace, id)
	e.mu.Lock()
	if permissionMode != "" {
		e.permissionMode = permissionMode
	}
	if modelMode != "" {
		e.modelMode = modelMode
	}
	e.lastBroadcastAt = c.now()
	e.mu.Unlock()

	c.emitSnapshot(ctx, namespace, id)
}

// Rename updates metadata.name through the version-checked write, without
// touching updatedAt so the session list order is stable under renames.
// On a stale expectedVersion the returned view is the current snapshot and
// the error is store.ErrVersionMismatch.
func (c *SessionCache) Rename(ctx context.Context, namespace, id, name string, expectedVersion int64) (*SessionView, error) {
	sess, err := c.store.GetSession(ctx, namespace, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	fields := parseObject(sess.Metadata)
	nameJSON, _ := json.Marshal(name)
	fields[metaName] = nameJSON
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	updated, err := c.store.UpdateSessionMetadata(ctx, namespace, id, string(merged), expectedVersion, false)
	if updated == nil || (err != nil && !errors.Is(err, store.ErrVersionMismatch)) {
		return nil, err
	}
	v := c.view(updated)
	if err == nil {
		c.pub.Emit(Event{Kind: KindSessionUpdated, Namespace: namespace, SessionID: id, Payload: v})
	}
	return v, err
}

// Delete removes a session. Refused while the session is active.
func (c *SessionCache) Delete(ctx context.Context, namespace, id string) (bool, error) {
	if e := c.lookup(namespace, id); e != nil {
		e.mu.Lock()
		active := e.active
		e.mu.Unlock()
		if active {
			return false, ErrSessionActive
		}
	}

	deleted, err := c.store.DeleteSession(ctx, namespace, id)
	if err != nil {
		return false, err
	}
	if deleted {
		c.evict(namespace, id)
		c.pub.Emit(Event{Kind: KindSessionRemoved, Namespace: namespace, SessionID: id,
			Payload: map[string]string{"id": id}})
	}
	return deleted, nil
}

// Merge folds oldID into newID: messages move over (renumbered to continue
// the target's seq), metadata merges conservatively, todos carry when newer,
// then the old session is deleted.
func (c *SessionCache) Merge(ctx context.Context, namespace, oldID, newID string) error {
	oldSess, err := c.store.GetSession(ctx, namespace, oldID)
	if err != nil {
		return err
	}
	newSess, err := c.store.GetSession(ctx, namespace, newID)
	if err != nil {
		return err
	}
	if oldSess == nil || newSess == nil {
		return fmt.Errorf("merge: session not found")
	}

	if err := c.store.MergeSessionMessages(ctx, namespace, oldID, newID); err != nil {
		return fmt.Errorf("merge messages: %w", err)
	}

	merged := MergeMetadata(oldSess.Metadata, newSess.Metadata)
	if merged != newSess.Metadata {
		for attempt := 0; attempt < 3; attempt++ {
			cur, err := c.store.GetSession(ctx, namespace, newID)
			if err != nil || cur == nil {
				break
			}
			_, err = c.store.UpdateSessionMetadata(ctx, namespace, newID, merged, cur.MetadataVersion, true)
			if !errors.Is(err, store.ErrVersionMismatch) {
				break
			}
		}
	}

	if oldSess.Todos != "" && oldSess.TodosUpdatedAt > newSess.TodosUpdatedAt {
		if _, err := c.store.SetSessionTodos(ctx, namespace, newID, oldSess.Todos, oldSess.TodosUpdatedAt); err != nil {
			c.logger.Warn("merge: carrying todos failed", "session_id", newID, "error", err)
		}
	}

	if _, err := c.store.DeleteSession(ctx, namespace, oldID); err != nil {
		return fmt.Errorf("merge: delete old session: %w", err)
	}
	c.evict(namespace, oldID)

	c.pub.Emit(Event{Kind: KindSessionRemoved, Namespace: namespace, SessionID: oldID,
		Payload: map[string]string{"id": oldID}})
	c.emitSnapshot(ctx, namespace, newID)
	return nil
}

// SetTodos applies a todo update guarded by its logical timestamp.
func (c *SessionCache) SetTodos(ctx context.Context, namespace, id string, todos string, updatedAt int64) (bool, error) {
	applied, err := c.store.SetSessionTodos(ctx, namespace, id, todos, updatedAt)
	if err != nil {
		return false, err
	}
	if applied {
		c.emitSnapshot(ctx, namespace, id)
	}
	return applied, nil
}

// UpdateAgentState is the version-checked agent state write.
func (c *SessionCache) UpdateAgentState(ctx context.Context, namespace, id, state string, expectedVersion int64) (*SessionView, error) {
	updated, err := c.store.UpdateSessionAgentState(ctx, namespace, id, state, expectedVersion)
	if updated == nil || (err != nil && !errors.Is(err, store.ErrVersionMismatch)) {
		return nil, err
	}
	v := c.view(updated)
	if err == nil {
		c.pub.Emit(Event{Kind: KindSessionUpdated, Namespace: namespace, SessionID: id, Payload: v})
	}
	return v, err
}

// agentStateMaps are the permission bookkeeping fields inside the otherwise
// opaque agent state blob.
type agentStateMaps struct {
	Requests          map[string]json.RawMessage
	CompletedRequests map[string]json.RawMessage
	rest              map[string]json.RawMessage
}

func parseAgentState(s string) *agentStateMaps {
	fields := parseObject(s)
	m := &agentStateMaps{
		Requests:          make(map[string]json.RawMessage),
		CompletedRequests: make(map[string]json.RawMessage),
		rest:              fields,
	}
	if raw, ok := fields["requests"]; ok {
		json.Unmarshal(raw, &m.Requests)
	}
	if raw, ok := fields["completedRequests"]; ok {
		json.Unmarshal(raw, &m.CompletedRequests)
	}
	return m
}

func (m *agentStateMaps) marshal() (string, error) {
	reqJSON, err := json.Marshal(m.Requests)
	if err != nil {
		return "", err
	}
	doneJSON, err := json.Marshal(m.CompletedRequests)
	if err != nil {
		return "", err
	}
	m.rest["requests"] = reqJSON
	m.rest["completedRequests"] = doneJSON
	out, err := json.Marshal(m.rest)
	return string(out), err
}

// mutateAgentState applies fn under a short CAS retry loop.
func (c *SessionCache) mutateAgentState(ctx context.Context, namespace, id string, fn func(*agentStateMaps) bool) error {
	for attempt := 0; attempt < 5; attempt++ {
		sess, err := c.store.GetSession(ctx, namespace, id)
		if err != nil {
			return err
		}
		if sess == nil {
			return nil
		}
		state := parseAgentState(sess.AgentState)
		if !fn(state) {
			return nil
		}
		blob, err := state.marshal()
		if err != nil {
			return err
		}
		updated, err := c.store.UpdateSessionAgentState(ctx, namespace, id, blob, sess.AgentStateVersion)
		if errors.Is(err, store.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return err
		}
		if updated != nil {
			c.pub.Emit(Event{Kind: KindSessionUpdated, Namespace: namespace, SessionID: id,
				Payload: c.view(updated)})
		}
		return nil
	}
	return fmt.Errorf("agent state update for session %s kept conflicting", id)
}

// RecordPermissionRequest mirrors a pending request into agentState.requests.
func (c *SessionCache) RecordPermissionRequest(ctx context.Context, namespace, sessionID, requestID string, request json.RawMessage) error {
	return c.mutateAgentState(ctx, namespace, sessionID, func(m *agentStateMaps) bool {
		m.Requests[requestID] = request
		return true
	})
}

// CompletePermissionRequest moves a request from the pending to the completed
// map, annotated with its outcome. Unknown ids are a no-op.
func (c *SessionCache) CompletePermissionRequest(ctx context.Context, namespace, sessionID, requestID, status, decision, reason string, allowTools []string, answers json.RawMessage) error {
	return c.mutateAgentState(ctx, namespace, sessionID, func(m *agentStateMaps) bool {
		original, ok := m.Requests[requestID]
		if !ok {
			return false
		}
		delete(m.Requests, requestID)

		completed := make(map[string]json.RawMessage)
		json.Unmarshal(original, &completed)
		completed["status"], _ = json.Marshal(status)
		completed["decision"], _ = json.Marshal(decision)
		if reason != "" {
			completed["reason"], _ = json.Marshal(reason)
		}
		if len(allowTools) > 0 {
			completed["allowTools"], _ = json.Marshal(allowTools)
		}
		if len(answers) > 0 {
			completed["answers"] = answers
		}
		completed["completedAt"], _ = json.Marshal(c.now().UnixMilli())

		entry, err := json.Marshal(completed)
		if err != nil {
			return false
		}
		m.CompletedRequests[requestID] = entry
		return true
	})
}

// emitSnapshot reads the stored row and publishes a session-updated event
// with the hydrated view. Errors are logged, not surfaced; the caller's
// mutation already committed.
func (c *SessionCache) emitSnapshot(ctx context.Context, namespace, id string) {
	sess, err := c.store.GetSession(ctx, namespace, id)
	if err != nil {
		c.logger.Warn("snapshot read failed", "session_id", id, "error", err)
		return
	}
	if sess == nil {
		return
	}
	c.pub.Emit(Event{Kind: KindSessionUpdated, Namespace: namespace, SessionID: id,
		Payload: c.view(sess)})
}
