// Package protocol defines the JSON frames exchanged with executor and
// requester peers and decodes inbound frames into explicit message kinds.
package protocol

import (
	"encoding/json"
	"strings"
)

// Frame types.
const (
	TypeCommand         = "command"
	TypeResponse        = "response"
	TypeResult          = "result"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeHeartbeat       = "heartbeat"
	TypeAuth            = "auth"
	TypeAuthResponse    = "auth_response"
	TypeCommandReceived = "command_received"
	TypeError           = "error"
)

// Envelope is the wire shape shared by every inbound frame and by commands
// forwarded to executors. URL and FullPage mirror params for executors that
// read them from the top level.
type Envelope struct {
	Type      string          `json:"type,omitempty"`
	ID        string          `json:"id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Command   string          `json:"command,omitempty"`
	Action    string          `json:"action,omitempty"`
	Source    string          `json:"source,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	URL       string          `json:"url,omitempty"`
	FullPage  bool            `json:"fullPage,omitempty"`
	APIKey    string          `json:"apiKey,omitempty"`
}

// CorrelationID returns message_id when present, otherwise id.
func (e Envelope) CorrelationID() string {
	if id := strings.TrimSpace(e.MessageID); id != "" {
		return id
	}
	return strings.TrimSpace(e.ID)
}

// WithExchangeID stamps id into both correlation fields.
func (e Envelope) WithExchangeID(id string) Envelope {
	e.ID = id
	e.MessageID = id
	return e
}

// ServerStatus is reported in pong frames and by the status command.
type ServerStatus struct {
	Running          bool    `json:"running"`
	ExecutorCount    int     `json:"executor_count"`
	RequesterCount   int     `json:"requester_count"`
	PendingExchanges int     `json:"pending_exchanges"`
	TaskQueueSize    int     `json:"task_queue_size"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// AuthResponse answers a successful handshake.
type AuthResponse struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	ClientID string `json:"clientId"`
	Message  string `json:"message"`
}

// CommandReceived acknowledges an enqueued command.
type CommandReceived struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Command string `json:"command"`
	Message string `json:"message"`
}

// Result carries a task outcome back to the requester.
type Result struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Command string `json:"command"`
	Status  string `json:"status"`
	Result  any    `json:"result"`
}

// Pong answers a ping.
type Pong struct {
	Type         string       `json:"type"`
	Timestamp    string       `json:"timestamp"`
	ServerStatus ServerStatus `json:"server_status"`
}

// ErrorFrame is the structured error sent to a peer. The connection stays
// open unless the code says otherwise.
type ErrorFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Timestamp string `json:"timestamp"`
}
