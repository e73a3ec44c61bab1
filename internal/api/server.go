// Package api provides the client-facing HTTP surface of the hub: REST
// endpoints, the webapp WebSocket channel, and the SSE event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relayhub-ai/relayhub/internal/auth"
	"github.com/relayhub-ai/relayhub/internal/config"
	"github.com/relayhub-ai/relayhub/internal/fanout"
	"github.com/relayhub-ai/relayhub/internal/ingress"
	"github.com/relayhub-ai/relayhub/internal/permission"
	"github.com/relayhub-ai/relayhub/internal/store"
	"github.com/relayhub-ai/relayhub/internal/sync"
	"github.com/relayhub-ai/relayhub/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	sessions      *sync.SessionCache
	machines      *sync.MachineCache
	messages      *sync.MessageLog
	broker        *permission.Broker
	fanout        *fanout.Fanout
	ingress       *ingress.Socket
	pub           *sync.Publisher
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	upgrader      websocket.Upgrader
	loginRL       *rateLimiter
	rl            *rateLimiter

	connMu stdsync.Mutex
	conns  map[string]*clientConn
}

// Options bundles the collaborators the server routes requests to.
type Options struct {
	Store         store.Store
	AuthProvider  auth.Provider
	LoginProvider auth.LoginProvider
	Sessions      *sync.SessionCache
	Machines      *sync.MachineCache
	Messages      *sync.MessageLog
	Broker        *permission.Broker
	Fanout        *fanout.Fanout
	Ingress       *ingress.Socket
	Publisher     *sync.Publisher
}

// NewServer creates a new API server.
func NewServer(opts Options, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         opts.Store,
		authProvider:  opts.AuthProvider,
		loginProvider: opts.LoginProvider,
		sessions:      opts.Sessions,
		machines:      opts.Machines,
		messages:      opts.Messages,
		broker:        opts.Broker,
		fanout:        opts.Fanout,
		ingress:       opts.Ingress,
		pub:           opts.Publisher,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		upgrader:      ingress.MakeUpgrader(cfg.Server.AllowedOrigins),
		conns:         make(map[string]*clientConn),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if opts.LoginProvider != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// Runner-facing surface (runner-token auth handled inside).
	mux.Mount("/cli", opts.Ingress.Routes())

	// Webapp WebSocket and SSE stream (token auth handled inside).
	mux.Get("/webapp", srv.handleClientWS)
	mux.Get("/api/events", srv.handleEvents)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)

		r.Get("/api/sessions", srv.handleListSessions)
		r.Get("/api/sessions/{sessionID}", srv.handleGetSession)
		r.Patch("/api/sessions/{sessionID}", srv.handleRenameSession)
		r.Delete("/api/sessions/{sessionID}", srv.handleDeleteSession)
		r.Post("/api/sessions/merge", srv.handleMergeSessions)
		r.Get("/api/sessions/{sessionID}/messages", srv.handleGetMessages)
		r.Post("/api/sessions/{sessionID}/messages", srv.handlePostMessage)
		r.Post("/api/sessions/{sessionID}/abort", srv.handleAbortSession)
		r.Post("/api/sessions/{sessionID}/permission-mode", srv.handlePermissionMode)
		r.Post("/api/sessions/{sessionID}/model", srv.handleModelMode)
		r.Post("/api/sessions/{sessionID}/agent-state", srv.handleUpdateAgentState)
		r.Post("/api/sessions/{sessionID}/permissions/{requestID}/approve", srv.handleApprovePermission)
		r.Post("/api/sessions/{sessionID}/permissions/{requestID}/deny", srv.handleDenyPermission)

		r.Get("/api/machines", srv.handleListMachines)
		r.Get("/api/machines/{machineID}", srv.handleGetMachine)
		r.Post("/api/machines/{machineID}/metadata", srv.handleUpdateMachineMetadata)
		r.Post("/api/machines/{machineID}/spawn", srv.handleSpawnSession)
		r.Post("/api/machines/{machineID}/paths/exists", srv.handlePathExists)

		r.Post("/api/visibility", srv.handleSetVisibility)

		r.Get("/api/preferences", srv.handleListPreferences)
		r.Put("/api/preferences/{key}", srv.handleSetPreference)

		r.Post("/api/push-subscriptions", srv.handleAddPushSubscription)
		r.Delete("/api/push-subscriptions/{subscriptionID}", srv.handleDeletePushSubscription)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			if opts.LoginProvider != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// writeVersionMismatch returns 409 with the current snapshot so clients can
// rebase their edit.
func writeVersionMismatch(w http.ResponseWriter, current any) {
	writeJSON(w, http.StatusConflict, map[string]any{
		"error":   "version_mismatch",
		"current": current,
	})
}

// sessionMiss answers a namespaced session lookup that found nothing: a
// foreign-namespace id gets 403 so the caller learns nothing about other
// tenants' data, a genuinely unknown id gets 404.
func (s *Server) sessionMiss(w http.ResponseWriter, r *http.Request, sessionID string) {
	ns, err := s.store.GetSessionNamespace(r.Context(), sessionID)
	if err == nil && ns != "" {
		writeError(w, http.StatusForbidden, "access-denied", "session belongs to another namespace")
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "session not found")
}

func (s *Server) machineMiss(w http.ResponseWriter, r *http.Request, machineID string) {
	exists, err := s.store.MachineExists(r.Context(), machineID)
	if err == nil && exists {
		writeError(w, http.StatusForbidden, "access-denied", "machine belongs to another namespace")
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "machine not found")
}

func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return false
	}
	return true
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "bad_request", "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":        identity.UserID,
		"username":  identity.Username,
		"role":      identity.Role,
		"namespace": identity.Namespace,
	})
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	views, err := s.sessions.List(r.Context(), identity.Namespace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to list sessions")
		return
	}
	if views == nil {
		views = []*sync.SessionView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	view, err := s.sessions.Get(r.Context(), identity.Namespace, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to get session")
		return
	}
	if view == nil {
		s.sessionMiss(w, r, sessionID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Name            string `json:"name"`
		ExpectedVersion int64  `json:"expected_version"`
	}
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}

	view, err := s.sessions.Rename(r.Context(), identity.Namespace, sessionID, req.Name, req.ExpectedVersion)
	if errors.Is(err, store.ErrVersionMismatch) {
		writeVersionMismatch(w, view)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "rename failed")
		return
	}
	if view == nil {
		s.sessionMiss(w, r, sessionID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	deleted, err := s.sessions.Delete(r.Context(), identity.Namespace, sessionID)
	if errors.Is(err, sync.ErrSessionActive) {
		writeError(w, http.StatusConflict, "session_active", "session is active; end it before deleting")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "delete failed")
		return
	}
	if !deleted {
		s.sessionMiss(w, r, sessionID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMergeSessions(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	var req struct {
		OldSessionID string `json:"old_session_id"`
		NewSessionID string `json:"new_session_id"`
	}
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}
	if req.OldSessionID == "" || req.NewSessionID == "" || req.OldSessionID == req.NewSessionID {
		writeError(w, http.StatusBadRequest, "bad_request", "old and new session ids are required and must differ")
		return
	}

	if err := s.sessions.Merge(r.Context(), identity.Namespace, req.OldSessionID, req.NewSessionID); err != nil {
		s.logger.Error("session merge failed", "old", req.OldSessionID, "new", req.NewSessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "merge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "merged"})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	view, err := s.sessions.Get(r.Context(), identity.Namespace, sessionID)
	if err != nil || view == nil {
		s.sessionMiss(w, r, sessionID)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	var beforeSeq int64
	if v := r.URL.Query().Get("beforeSeq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			beforeSeq = n
		}
	}

	page, err := s.messages.Page(r.Context(), identity.Namespace, sessionID, limit, beforeSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to get messages")
		return
	}

	// Permission requests overlapping the returned window ride along so the
	// client can interleave them with messages.
	var sinceMs int64
	if len(page.Messages) > 0 {
		sinceMs = page.Messages[0].CreatedAt.UnixMilli()
	}
	perms := permissionsSince(view.AgentState, sinceMs)

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": page.Messages,
		"page": map[string]any{
			"limit":         limit,
			"beforeSeq":     beforeSeq,
			"nextBeforeSeq": page.NextBeforeSeq,
			"hasMore":       page.HasMore,
		},
		"permissions": perms,
	})
}

// permissionsSince extracts permission request entries from an agent state
// blob whose createdAt is at or after sinceMs. A sinceMs of 0 keeps all.
func permissionsSince(agentState json.RawMessage, sinceMs int64) map[string]json.RawMessage {
	var state struct {
		Requests          map[string]json.RawMessage `json:"requests"`
		CompletedRequests map[string]json.RawMessage `json:"completedRequests"`
	}
	out := make(map[string]json.RawMessage)
	if len(agentState) == 0 || json.Unmarshal(agentState, &state) != nil {
		return out
	}

	keep := func(entries map[string]json.RawMessage) {
		for id, raw := range entries {
			if sinceMs > 0 {
				var meta struct {
					CreatedAt int64 `json:"createdAt"`
				}
				if json.Unmarshal(raw, &meta) == nil && meta.CreatedAt > 0 && meta.CreatedAt < sinceMs {
					continue
				}
			}
			out[id] = raw
		}
	}
	keep(state.Requests)
	keep(state.CompletedRequests)
	return out
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Content json.RawMessage `json:"content"`
		LocalID string          `json:"local_id"`
	}
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}
	if len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "message content is required")
		return
	}

	view, err := s.sessions.Get(r.Context(), identity.Namespace, sessionID)
	if err != nil || view == nil {
		s.sessionMiss(w, r, sessionID)
		return
	}

	localID := req.LocalID
	if localID == "" {
		localID = uuid.New().String()
	}

	msg, inserted, err := s.messages.Append(r.Context(), identity.Namespace, sessionID, string(req.Content), localID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "append failed")
		return
	}

	if inserted {
		stored := protocol.StoredMessage{
			ID:        msg.ID,
			SessionID: sessionID,
			Seq:       msg.Seq,
			LocalID:   msg.LocalID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		}
		if err := s.ingress.SendNewMessage(r.Context(), identity.Namespace, sessionID, stored); err != nil {
			if !errors.Is(err, ingress.ErrNotConnected) {
				s.logger.Warn("runner delivery failed", "session_id", sessionID, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "inserted": inserted})
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	view, err := s.sessions.Get(r.Context(), identity.Namespace, sessionID)
	if err != nil || view == nil {
		s.sessionMiss(w, r, sessionID)
		return
	}

	cancelled := s.broker.CancelAll(r.Context(), identity.Namespace, sessionID, "user aborted", string(permission.DecisionAbort))
	if err := s.ingress.CancelPrompt(r.Context(), identity.Namespace, sessionID, "user aborted"); err != nil {
		s.logger.Warn("cancel prompt failed", "session_id", sessionID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "aborted", "cancelled_requests": cancelled})
}

func (s *Server) handlePermissionMode(w http.ResponseWriter, r *http.Request) {
	s.applySessionMode(w, r, false)
}

func (s *Server) handleModelMode(w http.ResponseWriter, r *http.Request) {
	s.applySessionMode(w, r, true)
}

// applySessionMode updates either the permission mode or the model mode and
// pushes the new config to the runner when one is connected.
func (s *Server) applySessionMode(w http.ResponseWriter, r *http.Request, model bool) {
	identity := identityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Mode string `json:"mode"`
	}
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}
	if req.Mode == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "mode is required")
		return
	}

	view, err := s.sessions.Get(r.Context(), identity.Namespace, sessionID)
	if err != nil || view == nil {
		s.sessionMiss(w, r, sessionID)
		return
	}

	permissionMode, modelMode := req.Mode, ""
	if model {
		permissionMode, modelMode = "", req.Mode
	}
	s.sessions.ApplyConfig(r.Context(), identity.Namespace, sessionID, permissionMode, modelMode)
	if err := s.ingress.SendSessionConfig(r.Context(), identity.Namespace, sessionID, permissionMode, modelMode); err != nil {
		if !errors.Is(err, ingress.ErrNotConnected) {
			s.logger.Warn("config push failed", "session_id", sessionID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleUpdateAgentState(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		AgentState      json.RawMessage `json:"agent_state"`
		ExpectedVersion int64           `json:"expected_version"`
	}
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}
	if len(req.AgentState) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "agent_state is required")
		return
	}

	view, err := s.sessions.UpdateAgentState(r.Context(), identity.Namespace, sessionID, string(req.AgentState), req.ExpectedVersion)
	if errors.Is(err, store.ErrVersionMismatch) {
		writeVersionMismatch(w, view)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "update failed")
		return
	}
	if view == nil {
		s.sessionMiss(w, r, sessionID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleApprovePermission(w http.ResponseWriter, r *http.Request) {
	s.resolvePermission(w, r, true)
}

func (s *Server) handleDenyPermission(w http.ResponseWriter, r *http.Request) {
	s.resolvePermission(w, r, false)
}

// resolvePermission answers a pending permission request. The verb fixes the
// direction; the optional decision field refines it (approved_for_session on
// approve, abort on deny). An approval may carry a mode switch that takes
// effect in the same call.
func (s *Server) resolvePermission(w http.ResponseWriter, r *http.Request, approve bool) {
	identity := identityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	requestID := chi.URLParam(r, "requestID")

	// Every body field is optional; an empty body means the verb's default.
	var req struct {
		Decision   string          `json:"decision"`
		Mode       string          `json:"mode"`
		Reason     string          `json:"reason"`
		AllowTools []string        `json:"allowTools"`
		Answers    json.RawMessage `json:"answers"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	var decision permission.Decision
	if approve {
		switch req.Decision {
		case "", string(permission.DecisionApproved):
			decision = permission.DecisionApproved
		case string(permission.DecisionApprovedForSession):
			decision = permission.DecisionApprovedForSession
		default:
			writeError(w, http.StatusBadRequest, "bad_request", "decision does not match approve")
			return
		}
	} else {
		switch req.Decision {
		case "", string(permission.DecisionDenied):
			decision = permission.DecisionDenied
		case string(permission.DecisionAbort):
			decision = permission.DecisionAbort
		default:
			writeError(w, http.StatusBadRequest, "bad_request", "decision does not match deny")
			return
		}
	}

	if approve && req.Mode != "" {
		s.sessions.ApplyConfig(r.Context(), identity.Namespace, sessionID, req.Mode, "")
		if err := s.ingress.SendSessionConfig(r.Context(), identity.Namespace, sessionID, req.Mode, ""); err != nil {
			if !errors.Is(err, ingress.ErrNotConnected) {
				s.logger.Warn("config push failed", "session_id", sessionID, "error", err)
			}
		}
	}

	resolved, err := s.broker.Resolve(r.Context(), identity.Namespace, sessionID, requestID, decision, permission.Extras{
		AllowTools: req.AllowTools,
		Answers:    req.Answers,
		Reason:     req.Reason,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "decision failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}

// --- Machine handlers ---

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	views, err := s.machines.List(r.Context(), identity.Namespace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to list machines")
		return
	}
	if views == nil {
		views = []*sync.MachineView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	machineID := chi.URLParam(r, "machineID")
	view, err := s.machines.Get(r.Context(), identity.Namespace, machineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to get machine")
		return
	}
	if view == nil {
		s.machineMiss(w, r, machineID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdateMachineMetadata(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	machineID := chi.URLParam(r, "machineID")

	var req struct {
		Metadata        json.RawMessage `json:"metadata"`
		ExpectedVersion int64           `json:"expected_version"`
	}
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}
	if len(req.Metadata) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "metadata is required")
		return
	}

	view, err := s.machines.UpdateMetadata(r.Context(), identity.Namespace, machineID, string(req.Metadata), req.ExpectedVersion)
	if errors.Is(err, store.ErrVersionMismatch) {
		writeVersionMismatch(w, view)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "update failed")
		return
	}
	if view == nil {
		s.machineMiss(w, r, machineID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	machineID := chi.URLParam(r, "machineID")

	var req protocol.SpawnParams
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}

	result, err := s.ingress.Call(r.Context(), identity.Namespace, machineID, protocol.RPCSpawnSession, req)
	if errors.Is(err, ingress.ErrNotConnected) {
		writeError(w, http.StatusServiceUnavailable, "runner_offline", "no live runner connection for this machine")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "rpc_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": json.RawMessage(result)})
}

func (s *Server) handlePathExists(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	machineID := chi.URLParam(r, "machineID")

	var req protocol.PathExistsParams
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path is required")
		return
	}

	result, err := s.ingress.Call(r.Context(), identity.Namespace, machineID, protocol.RPCPathExists, req)
	if errors.Is(err, ingress.ErrNotConnected) {
		writeError(w, http.StatusServiceUnavailable, "runner_offline", "no live runner connection for this machine")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "rpc_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": json.RawMessage(result)})
}

// --- Preference handlers ---

func (s *Server) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	prefs, err := s.store.ListUserPreferences(r.Context(), identity.Namespace, identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to list preferences")
		return
	}
	if prefs == nil {
		prefs = []store.UserPreference{}
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	key := chi.URLParam(r, "key")

	var req struct {
		Value string `json:"value"`
	}
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}

	if err := s.store.SetUserPreference(r.Context(), identity.Namespace, identity.UserID, key, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to save preference")
		return
	}

	// Preference changes go only to the owning user's other devices.
	s.pub.Emit(sync.Event{
		Kind:   sync.KindSortPrefUpdated,
		UserID: identity.UserID,
		Payload: map[string]string{
			"key":   key,
			"value": req.Value,
		},
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// --- Push subscription handlers ---

func (s *Server) handleAddPushSubscription(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	var req struct {
		Endpoint string          `json:"endpoint"`
		Keys     json.RawMessage `json:"keys"`
	}
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "endpoint is required")
		return
	}

	sub := &store.PushSubscription{
		ID:        uuid.New().String(),
		Namespace: identity.Namespace,
		UserID:    identity.UserID,
		Endpoint:  req.Endpoint,
		Keys:      string(req.Keys),
		CreatedAt: time.Now(),
	}
	if err := s.store.UpsertPushSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to save subscription")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleDeletePushSubscription(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	id := chi.URLParam(r, "subscriptionID")
	if err := s.store.DeletePushSubscription(r.Context(), identity.Namespace, id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to delete subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Admin handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	users, err := s.store.ListUsers(r.Context(), identity.Namespace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if !decodeBody(w, r, s.maxBodyBytes, &req) {
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "bad_request", "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "bad_request", "password must be 8-128 characters")
		return
	}

	if err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role); err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "conflict", "user already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
