package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/relayhub-ai/relayhub/internal/sync"
	"github.com/relayhub-ai/relayhub/pkg/protocol"
)

type ctxKey int

const namespaceKey ctxKey = iota

// Namespace returns the runner namespace resolved by the auth middleware.
func Namespace(ctx context.Context) string {
	ns, _ := ctx.Value(namespaceKey).(string)
	return ns
}

// Routes returns the runner-facing HTTP surface: the WebSocket endpoint plus
// a small REST API runners use for catch-up reads and idempotent setup.
func (s *Socket) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/ws", s.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireRunnerToken)

		r.Post("/machines", s.handleUpsertMachine)
		r.Get("/machines/{machineID}", s.handleGetMachine)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Get("/sessions/{sessionID}/messages", s.handleTailMessages)
		r.Post("/sessions/{sessionID}/messages", s.handleAppendMessage)
	})

	return r
}

// requireRunnerToken authenticates Bearer runner tokens and stores the
// resolved namespace in the request context.
func (s *Socket) requireRunnerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing runner token")
			return
		}
		namespace, valid := s.auth.ValidateRunnerToken(token)
		if !valid {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid runner token")
			return
		}
		ctx := context.WithValue(r.Context(), namespaceKey, namespace)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": protocol.ErrorResponse{Code: code, Message: message}})
}

type upsertMachineRequest struct {
	ID          string          `json:"id"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	RunnerState json.RawMessage `json:"runner_state,omitempty"`
}

func (s *Socket) handleUpsertMachine(w http.ResponseWriter, r *http.Request) {
	var req upsertMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "machine id is required")
		return
	}
	view, err := s.machines.Upsert(r.Context(), Namespace(r.Context()), req.ID, string(req.Metadata), string(req.RunnerState))
	if err != nil {
		s.logger.Error("machine upsert failed", "machine_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "machine upsert failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Socket) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "machineID")
	view, err := s.machines.Get(r.Context(), Namespace(r.Context()), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "machine read failed")
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "not_found", "machine not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createSessionRequest struct {
	Tag        string          `json:"tag"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	AgentState json.RawMessage `json:"agent_state,omitempty"`
}

func (s *Socket) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
		return
	}
	view, err := s.sessions.GetOrCreate(r.Context(), Namespace(r.Context()), req.Tag, string(req.Metadata), string(req.AgentState))
	if err != nil {
		s.logger.Error("session create failed", "tag", req.Tag, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "session create failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Socket) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	view, err := s.sessions.Get(r.Context(), Namespace(r.Context()), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "session read failed")
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleTailMessages serves the catch-up read runners use after a reconnect:
// everything after a known sequence number, in ascending order.
func (s *Socket) handleTailMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("afterSeq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	msgs, err := s.messages.Tail(r.Context(), Namespace(r.Context()), id, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "message read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type appendMessageRequest struct {
	Content json.RawMessage `json:"content"`
	LocalID string          `json:"local_id,omitempty"`
}

func (s *Socket) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var req appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "message content is required")
		return
	}

	ns := Namespace(r.Context())
	msg, inserted, err := s.messages.Append(r.Context(), ns, id, string(req.Content), req.LocalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "append failed")
		return
	}
	if inserted {
		if todos := sync.ExtractTodos(req.Content); todos != nil {
			if _, err := s.sessions.SetTodos(r.Context(), ns, id, string(todos), msg.CreatedAt.UnixMilli()); err != nil {
				s.logger.Warn("todo update failed", "session_id", id, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "inserted": inserted})
}
