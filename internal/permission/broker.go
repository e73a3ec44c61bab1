// Package permission brokers approval requests between blocked agent
// invocations on the runner side and the clients that decide them.
package permission

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/relayhub-ai/relayhub/pkg/protocol"
)

// Decision is a client-chosen outcome for a pending request.
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionApprovedForSession Decision = "approved_for_session"
	DecisionDenied             Decision = "denied"
	DecisionAbort              Decision = "abort"
)

// Outcome is the final state handed to the waiting transport.
type Outcome struct {
	OptionID  string
	Cancelled bool
	Reason    string
}

// Extras are the optional fields a client may attach to a decision.
type Extras struct {
	AllowTools []string
	Answers    json.RawMessage
	Reason     string
}

// PromptCanceller is the transport capability used when an abort decision
// must also stop the agent's current prompt.
type PromptCanceller interface {
	CancelPrompt(ctx context.Context, sessionID, reason string) error
}

// SessionState mirrors pending and completed requests into the session's
// agent state so clients see them in snapshots.
type SessionState interface {
	RecordPermissionRequest(ctx context.Context, namespace, sessionID, requestID string, request json.RawMessage) error
	CompletePermissionRequest(ctx context.Context, namespace, sessionID, requestID, status, decision, reason string, allowTools []string, answers json.RawMessage) error
}

// Pending is the completion handle the ingress side blocks on. Exactly one
// Outcome is ever delivered.
type Pending struct {
	done chan Outcome
}

// Done yields the outcome once the request is resolved.
func (p *Pending) Done() <-chan Outcome {
	return p.done
}

type entry struct {
	namespace string
	sessionID string
	requestID string
	options   []protocol.PermissionOption
	transport PromptCanceller
	createdAt time.Time
	pending   *Pending
}

// Broker tracks pending permission requests per session and resolves each at
// most once. Resolution paths: a client decision, a cancel-all (abort or
// runner disconnect), or the timeout sweep.
type Broker struct {
	sessions SessionState
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]map[string]*entry // session key -> requestId -> entry
}

func NewBroker(sessions SessionState, logger *slog.Logger) *Broker {
	return &Broker{
		sessions: sessions,
		logger:   logger.With("component", "permission-broker"),
		now:      time.Now,
		pending:  make(map[string]map[string]*entry),
	}
}

func sessionKey(namespace, sessionID string) string {
	return namespace + "\x00" + sessionID
}

// Submit registers a pending request, mirrors it into the session's agent
// state, and returns the completion handle the transport waits on.
func (b *Broker) Submit(ctx context.Context, namespace string, req protocol.PermissionRequest, transport PromptCanceller) (*Pending, error) {
	e := &entry{
		namespace: namespace,
		sessionID: req.SessionID,
		requestID: req.RequestID,
		options:   req.Options,
		transport: transport,
		createdAt: b.now(),
		pending:   &Pending{done: make(chan Outcome, 1)},
	}

	b.mu.Lock()
	key := sessionKey(namespace, req.SessionID)
	if b.pending[key] == nil {
		b.pending[key] = make(map[string]*entry)
	}
	b.pending[key][req.RequestID] = e
	b.mu.Unlock()

	raw, err := json.Marshal(map[string]any{
		"tool":      req.Tool,
		"arguments": req.Arguments,
		"options":   req.Options,
		"createdAt": e.createdAt.UnixMilli(),
	})
	if err == nil {
		err = b.sessions.RecordPermissionRequest(ctx, namespace, req.SessionID, req.RequestID, raw)
	}
	if err != nil {
		b.logger.Warn("mirroring permission request failed",
			"session_id", req.SessionID, "request_id", req.RequestID, "error", err)
	}
	return e.pending, nil
}

// take removes and returns a pending entry, or nil when unknown.
func (b *Broker) take(namespace, sessionID, requestID string) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := sessionKey(namespace, sessionID)
	e := b.pending[key][requestID]
	if e != nil {
		delete(b.pending[key], requestID)
		if len(b.pending[key]) == 0 {
			delete(b.pending, key)
		}
	}
	return e
}

// takeSession removes and returns every pending entry of a session.
func (b *Broker) takeSession(namespace, sessionID string) []*entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := sessionKey(namespace, sessionID)
	entries := make([]*entry, 0, len(b.pending[key]))
	for _, e := range b.pending[key] {
		entries = append(entries, e)
	}
	delete(b.pending, key)
	return entries
}

// pickOption maps a decision onto the request's options.
func pickOption(options []protocol.PermissionOption, decision Decision) (protocol.PermissionOption, bool) {
	var order []protocol.OptionKind
	switch decision {
	case DecisionApprovedForSession:
		order = []protocol.OptionKind{protocol.OptionAllowAlways, protocol.OptionAllowOnce}
	case DecisionApproved:
		order = []protocol.OptionKind{protocol.OptionAllowOnce, protocol.OptionAllowAlways}
	case DecisionDenied:
		order = []protocol.OptionKind{protocol.OptionRejectOnce, protocol.OptionRejectAlways}
	default:
		return protocol.PermissionOption{}, false
	}
	for _, kind := range order {
		for _, opt := range options {
			if opt.Kind == kind {
				return opt, true
			}
		}
	}
	return protocol.PermissionOption{}, false
}

func statusFor(decision Decision) string {
	switch decision {
	case DecisionApproved, DecisionApprovedForSession:
		return "approved"
	case DecisionDenied:
		return "denied"
	default:
		return "canceled"
	}
}

// Resolve applies a client decision to one pending request. Unknown ids are
// a silent no-op so reprocessed responses stay idempotent. Returns whether a
// pending entry was resolved.
func (b *Broker) Resolve(ctx context.Context, namespace, sessionID, requestID string, decision Decision, extras Extras) (bool, error) {
	if decision == DecisionAbort {
		return b.abort(ctx, namespace, sessionID, requestID, extras)
	}

	e := b.take(namespace, sessionID, requestID)
	if e == nil {
		return false, nil
	}

	opt, ok := pickOption(e.options, decision)
	outcome := Outcome{OptionID: opt.ID}
	status := statusFor(decision)
	reason := extras.Reason
	if !ok {
		// The request offered no option of the decided kind; the only safe
		// final state is cancellation.
		outcome = Outcome{Cancelled: true, Reason: "no matching option"}
		status = "canceled"
		reason = "no matching option"
	}
	e.pending.done <- outcome

	err := b.sessions.CompletePermissionRequest(ctx, namespace, sessionID, requestID,
		status, string(decision), reason, extras.AllowTools, extras.Answers)
	if err != nil {
		b.logger.Warn("completing permission request failed",
			"session_id", sessionID, "request_id", requestID, "error", err)
	}
	return true, nil
}

// abort cancels the named request and every other pending request of the
// session, and stops the agent's current prompt through the transport.
func (b *Broker) abort(ctx context.Context, namespace, sessionID, requestID string, extras Extras) (bool, error) {
	// The named id resolves first so its completed entry carries the client's
	// extras; cancelAll covers the rest.
	e := b.take(namespace, sessionID, requestID)
	resolved := e != nil
	if e != nil {
		e.pending.done <- Outcome{Cancelled: true, Reason: "user aborted"}
		if err := b.sessions.CompletePermissionRequest(ctx, namespace, sessionID, requestID,
			"canceled", string(DecisionAbort), extras.Reason, extras.AllowTools, extras.Answers); err != nil {
			b.logger.Warn("completing aborted request failed",
				"session_id", sessionID, "request_id", requestID, "error", err)
		}
		if e.transport != nil {
			if err := e.transport.CancelPrompt(ctx, sessionID, "user aborted"); err != nil {
				b.logger.Warn("cancel prompt failed", "session_id", sessionID, "error", err)
			}
		}
	}
	b.CancelAll(ctx, namespace, sessionID, "user aborted", string(DecisionAbort))
	return resolved, nil
}

// CancelAll resolves every pending request of a session as cancelled.
// Used for aborts (reason "user aborted") and runner disconnects
// (reason "disconnected"). Returns how many requests were cancelled.
func (b *Broker) CancelAll(ctx context.Context, namespace, sessionID, reason, decision string) int {
	entries := b.takeSession(namespace, sessionID)
	for _, e := range entries {
		e.pending.done <- Outcome{Cancelled: true, Reason: reason}
		if err := b.sessions.CompletePermissionRequest(ctx, namespace, sessionID, e.requestID,
			"canceled", decision, reason, nil, nil); err != nil {
			b.logger.Warn("cancelling permission request failed",
				"session_id", sessionID, "request_id", e.requestID, "error", err)
		}
	}
	return len(entries)
}

// ExpireOlderThan cancels pending requests older than the given age with
// reason "timeout". Called by the liveness sweep.
func (b *Broker) ExpireOlderThan(ctx context.Context, age time.Duration) int {
	cutoff := b.now().Add(-age)

	b.mu.Lock()
	var stale []*entry
	for key, reqs := range b.pending {
		for id, e := range reqs {
			if e.createdAt.Before(cutoff) {
				stale = append(stale, e)
				delete(reqs, id)
			}
		}
		if len(reqs) == 0 {
			delete(b.pending, key)
		}
	}
	b.mu.Unlock()

	for _, e := range stale {
		e.pending.done <- Outcome{Cancelled: true, Reason: "timeout"}
		if err := b.sessions.CompletePermissionRequest(ctx, e.namespace, e.sessionID, e.requestID,
			"canceled", "", "timeout", nil, nil); err != nil {
			b.logger.Warn("timing out permission request failed",
				"session_id", e.sessionID, "request_id", e.requestID, "error", err)
		}
	}
	return len(stale)
}

// PendingCount reports the number of pending requests for a session.
func (b *Broker) PendingCount(namespace, sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[sessionKey(namespace, sessionID)])
}
