package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Kind classifies an inbound frame.
type Kind int

const (
	KindMalformed Kind = iota
	KindCommand
	KindReply
	KindControl
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindReply:
		return "reply"
	case KindControl:
		return "control"
	case KindAuth:
		return "auth"
	default:
		return "malformed"
	}
}

// Malformed reasons double as localization keys.
const (
	ReasonInvalidJSON    = "invalid JSON"
	ReasonUnknownType    = "unknown message type"
	ReasonMissingCommand = "missing command name"
)

// Message is a decoded inbound frame. Raw keeps the original bytes so reply
// payloads reach their waiter untouched.
type Message struct {
	Kind     Kind
	Envelope Envelope
	Raw      json.RawMessage
	Reason   string
}

// ID returns the frame's correlation ID, if any.
func (m Message) ID() string {
	return m.Envelope.CorrelationID()
}

// TrackFunc reports whether an exchange ID is currently pending.
type TrackFunc func(id string) bool

// Decode classifies raw. Frames answering a pending exchange are replies even
// when they carry an error type; explicit commands never are.
func Decode(raw []byte, tracked TrackFunc) Message {
	msg := Message{Raw: json.RawMessage(bytes.Clone(raw))}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		msg.Reason = ReasonInvalidJSON
		return msg
	}
	if err := json.Unmarshal(trimmed, &msg.Envelope); err != nil {
		msg.Reason = ReasonInvalidJSON
		return msg
	}

	env := msg.Envelope
	kind := strings.ToLower(strings.TrimSpace(env.Type))
	id := env.CorrelationID()
	command := strings.TrimSpace(env.Command)

	switch kind {
	case TypeAuth:
		msg.Kind = KindAuth
		return msg
	case TypePing, TypePong, TypeHeartbeat:
		msg.Kind = KindControl
		return msg
	}

	if kind != TypeCommand && id != "" && tracked != nil && tracked(id) {
		msg.Kind = KindReply
		return msg
	}

	if kind == TypeCommand || (kind == "" && command != "") {
		if command == "" {
			msg.Reason = ReasonMissingCommand
			return msg
		}
		msg.Kind = KindCommand
		return msg
	}

	switch {
	case kind == TypeResponse || kind == TypeResult:
		msg.Kind = KindReply
	case kind == "" && id != "":
		msg.Kind = KindReply
	default:
		msg.Reason = ReasonUnknownType
	}
	return msg
}
