// Package store defines the storage interface for the hub and provides SQLite
// and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrVersionMismatch is returned by version-checked updates when the caller's
// expected version is stale. The accompanying row is the current snapshot.
var ErrVersionMismatch = errors.New("version mismatch")

// Store is the persistence interface for the hub. Every operation is scoped
// to a namespace; rows from other namespaces are invisible.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, namespace, tag, metadata, agentState string) (*Session, error)
	GetSession(ctx context.Context, namespace, id string) (*Session, error)
	GetSessionByTag(ctx context.Context, namespace, tag string) (*Session, error)
	ListSessions(ctx context.Context, namespace string) ([]Session, error)
	DeleteSession(ctx context.Context, namespace, id string) (bool, error)
	UpdateSessionMetadata(ctx context.Context, namespace, id, metadata string, expectedVersion int64, touchUpdatedAt bool) (*Session, error)
	UpdateSessionAgentState(ctx context.Context, namespace, id, state string, expectedVersion int64) (*Session, error)
	SetSessionTodos(ctx context.Context, namespace, id, todos string, updatedAt int64) (bool, error)
	// GetSessionNamespace resolves a session id to its owning namespace
	// regardless of the caller's scope, or "" when the id does not exist.
	// Callers use it to tell a foreign id (access denied) from a missing one.
	GetSessionNamespace(ctx context.Context, id string) (string, error)

	// Messages
	AddMessage(ctx context.Context, namespace, sessionID, content, localID string) (*Message, bool, error)
	GetMessages(ctx context.Context, namespace, sessionID string, limit int, beforeSeq int64) ([]Message, error)
	GetMessagesAfter(ctx context.Context, namespace, sessionID string, afterSeq int64, limit int) ([]Message, error)
	MergeSessionMessages(ctx context.Context, namespace, oldID, newID string) error

	// Machines
	UpsertMachine(ctx context.Context, namespace, id, metadata, runnerState string) (*Machine, error)
	GetMachine(ctx context.Context, namespace, id string) (*Machine, error)
	ListMachines(ctx context.Context, namespace string) ([]Machine, error)
	UpdateMachineMetadata(ctx context.Context, namespace, id, metadata string, expectedVersion int64) (*Machine, error)
	UpdateMachineRunnerState(ctx context.Context, namespace, id, state string, expectedVersion int64) (*Machine, error)
	// MachineExists reports whether any namespace has a machine with this id.
	MachineExists(ctx context.Context, id string) (bool, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, namespace, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, namespace string) ([]User, error)

	// Push subscriptions
	UpsertPushSubscription(ctx context.Context, sub *PushSubscription) error
	ListPushSubscriptions(ctx context.Context, namespace, userID string) ([]PushSubscription, error)
	DeletePushSubscription(ctx context.Context, namespace, id string) error

	// User preferences
	GetUserPreference(ctx context.Context, namespace, userID, key string) (*UserPreference, error)
	SetUserPreference(ctx context.Context, namespace, userID, key, value string) error
	ListUserPreferences(ctx context.Context, namespace, userID string) ([]UserPreference, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Session is one agent conversation with an append-only message log.
// Metadata, agent state and todos are opaque JSON blobs; the hub only
// understands them through narrow parsers.
type Session struct {
	ID                string    `json:"id"`
	Namespace         string    `json:"-"`
	Tag               string    `json:"tag,omitempty"` // optional reconnection key, unique per namespace
	Seq               int64     `json:"seq"`           // high-water message sequence
	Metadata          string    `json:"-"`
	MetadataVersion   int64     `json:"metadata_version"`
	AgentState        string    `json:"-"`
	AgentStateVersion int64     `json:"agent_state_version"`
	Todos             string    `json:"-"`
	TodosUpdatedAt    int64     `json:"todos_updated_at,omitempty"` // unix ms logical timestamp
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Message is one record in a session's log. Seq is dense from 1 per session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	LocalID   string    `json:"local_id,omitempty"` // client idempotency key
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Machine is one runner host. The ID is supplied by the runner.
type Machine struct {
	ID                 string    `json:"id"`
	Namespace          string    `json:"-"`
	Metadata           string    `json:"-"`
	MetadataVersion    int64     `json:"metadata_version"`
	RunnerState        string    `json:"-"`
	RunnerStateVersion int64     `json:"runner_state_version"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// User is a hub user within a namespace.
type User struct {
	ID           string    `json:"id"`
	Namespace    string    `json:"namespace"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// PushSubscription is a stored web-push endpoint. Delivery is handled by an
// external collaborator; the hub only records them.
type PushSubscription struct {
	ID        string    `json:"id"`
	Namespace string    `json:"-"`
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	Keys      string    `json:"keys"` // opaque JSON
	CreatedAt time.Time `json:"created_at"`
}

// UserPreference is one keyed preference value for a user.
type UserPreference struct {
	Namespace string    `json:"-"`
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
