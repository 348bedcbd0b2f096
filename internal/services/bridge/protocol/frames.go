package protocol

import (
	"encoding/json"
	"time"
)

const timestampLayout = time.RFC3339Nano

// LegacyParams is the params shape implied by flat {command, url, fullPage}
// frames.
type LegacyParams struct {
	URL      string `json:"url"`
	FullPage bool   `json:"fullPage,omitempty"`
}

// CommandParams returns the frame params, synthesizing them from the flat
// url/fullPage fields when params is absent.
func (e Envelope) CommandParams() json.RawMessage {
	if len(e.Params) > 0 && string(e.Params) != "null" {
		return e.Params
	}
	if e.URL == "" {
		return json.RawMessage(`{}`)
	}
	data, err := json.Marshal(LegacyParams{URL: e.URL, FullPage: e.FullPage})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// NewAuthResponse builds the handshake success frame.
func NewAuthResponse(clientID, message string) AuthResponse {
	return AuthResponse{Type: TypeAuthResponse, Success: true, ClientID: clientID, Message: message}
}

// NewCommandReceived builds the command acknowledgement.
func NewCommandReceived(id, command string) CommandReceived {
	return CommandReceived{
		Type:    TypeCommandReceived,
		ID:      id,
		Command: command,
		Message: "command " + command + " queued",
	}
}

// NewResult builds a successful task result frame.
func NewResult(id, command string, value any) Result {
	return Result{Type: TypeResult, ID: id, Command: command, Status: "ok", Result: value}
}

// NewPong builds a pong carrying the current server status.
func NewPong(now time.Time, status ServerStatus) Pong {
	return Pong{Type: TypePong, Timestamp: now.UTC().Format(timestampLayout), ServerStatus: status}
}

// NewError builds an error frame.
func NewError(now time.Time, id, code, message string, retryable bool) ErrorFrame {
	return ErrorFrame{
		Type:      TypeError,
		ID:        id,
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Timestamp: now.UTC().Format(timestampLayout),
	}
}
