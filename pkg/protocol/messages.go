// Package protocol defines the wire protocol messages exchanged between
// Relay components (CLI runner ↔ hub ↔ web/mobile client) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"` // correlation ID for request/response frames
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// --- Runner ↔ Hub messages ---

// RunnerHello is sent by the CLI runner immediately after connecting.
type RunnerHello struct {
	MachineID   string          `json:"machine_id"`
	Token       string          `json:"token"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	RunnerState json.RawMessage `json:"runner_state,omitempty"`
}

// HelloAck is the hub's response to RunnerHello.
type HelloAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// MachineAlive is a machine-level heartbeat (runner → hub).
type MachineAlive struct {
	MachineID string `json:"machine_id"`
	Time      int64  `json:"time"` // unix milliseconds, runner clock
}

// SessionAlive is a session-level heartbeat (runner → hub).
type SessionAlive struct {
	SessionID      string `json:"session_id"`
	Time           int64  `json:"time"` // unix milliseconds, runner clock
	Thinking       *bool  `json:"thinking,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	ModelMode      string `json:"model_mode,omitempty"`
}

// SessionEnd signals that the agent process for a session exited.
type SessionEnd struct {
	SessionID string `json:"session_id"`
	Time      int64  `json:"time"`
}

// Append carries an agent-produced message to be recorded (runner → hub).
type Append struct {
	SessionID string        `json:"session_id"`
	Message   AppendPayload `json:"message"`
}

// AppendPayload is the message body of an Append frame.
type AppendPayload struct {
	Content json.RawMessage `json:"content"`
	LocalID string          `json:"local_id,omitempty"` // idempotency key
}

// --- Permission flow ---

// OptionKind classifies a permission outcome the user may choose.
type OptionKind string

const (
	OptionAllowOnce    OptionKind = "allow_once"
	OptionAllowAlways  OptionKind = "allow_always"
	OptionRejectOnce   OptionKind = "reject_once"
	OptionRejectAlways OptionKind = "reject_always"
)

// PermissionOption is one named outcome presented to the user.
type PermissionOption struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Kind OptionKind `json:"kind"`
}

// PermissionRequest is sent by a runner when a blocked agent invocation
// needs user approval (runner → hub).
type PermissionRequest struct {
	SessionID string             `json:"session_id"`
	RequestID string             `json:"request_id"`
	Tool      string             `json:"tool"`
	Arguments json.RawMessage    `json:"arguments,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// PermissionDecision carries the resolved outcome back to the runner.
// Exactly one of OptionID or Cancelled is meaningful.
type PermissionDecision struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	OptionID  string `json:"option_id,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// CancelPrompt tells the runner to abort the agent's current prompt.
type CancelPrompt struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// --- Hub → Runner delivery ---

// NewMessage delivers a user message to the runner for the agent.
type NewMessage struct {
	SessionID string        `json:"session_id"`
	Message   StoredMessage `json:"message"`
}

// SessionConfig pushes mode changes down to the runner.
type SessionConfig struct {
	SessionID      string `json:"session_id"`
	PermissionMode string `json:"permission_mode,omitempty"`
	ModelMode      string `json:"model_mode,omitempty"`
}

// TokenRefresh carries a new runner token from hub to runner.
type TokenRefresh struct {
	Token string `json:"token"`
}

// --- RPC over the runner channel ---

// RPC method names the hub may invoke on a runner.
const (
	RPCSpawnSession = "spawn-session"
	RPCPathExists   = "path-exists"
)

// RPCRequest is a hub-initiated call over the runner channel.
type RPCRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is the runner's answer, correlated by ID.
type RPCResponse struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// SpawnParams are the params of a spawn-session RPC.
type SpawnParams struct {
	Directory string `json:"directory,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

// PathExistsParams are the params of a path-exists RPC.
type PathExistsParams struct {
	Path string `json:"path"`
}

// --- Client ↔ Hub (webapp channel) ---

// Subscribe opens a scoped event subscription on the webapp channel.
type Subscribe struct {
	All        bool   `json:"all,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	MachineID  string `json:"machine_id,omitempty"`
	Visibility string `json:"visibility,omitempty"` // "visible" (default) or "hidden"
}

// VisibilityUpdate toggles a subscription's visibility flag.
type VisibilityUpdate struct {
	Visibility string `json:"visibility"`
}

// StoredMessage is a persisted message in a session's log.
type StoredMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	LocalID   string          `json:"local_id,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// ErrorResponse carries an error from hub to client.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Message type constants ---

const (
	// Runner ↔ Hub
	TypeRunnerHello        = "runner.hello"
	TypeHelloAck           = "hello.ack"
	TypeMachineAlive       = "machine.alive"
	TypeSessionAlive       = "session.alive"
	TypeSessionEnd         = "session.end"
	TypeAppend             = "append"
	TypePermissionRequest  = "permission.request"
	TypePermissionDecision = "permission.decision"
	TypeCancelPrompt       = "prompt.cancel"
	TypeNewMessage         = "message.new"
	TypeSessionConfig      = "session.config"
	TypeTokenRefresh       = "runner.token_refresh"
	TypeRPCRequest         = "rpc.request"
	TypeRPCResponse        = "rpc.response"
	TypePing               = "ping"
	TypePong               = "pong"

	// Client ↔ Hub (webapp channel)
	TypeSubscribe     = "subscribe"
	TypeVisibility    = "visibility"
	TypeEvent         = "event"
	TypeErrorResponse = "error"
)
