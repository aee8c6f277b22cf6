package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved message types consumed by the transport layer. They are never
// forwarded to consumer handlers.
const (
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
	TypeConnection = "connection"
	TypeRegistered = "registered"
	TypeRegister   = "register"
	TypeAuth       = "auth"
)

// TypeConnectionLost is the terminal notification dispatched to consumers
// when the retry policy gives up. Unlike the reserved types above it goes
// through the dispatcher, so interested consumers can surface it.
const TypeConnectionLost = "connection_lost"

// Sender identifies the originator of a message when the server relays it.
type Sender struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// Message is the envelope exchanged in both directions. Payload stays opaque
// to the transport; only Type is inspected for routing. Timestamp and
// ConnectionID are stamped by the transport layer at send time, never by the
// caller, so downstream consumers can order and deduplicate.
type Message struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Sender       *Sender         `json:"sender,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
}

// Reserved reports whether the message type is handled internally by the
// transport rather than dispatched to consumers.
func (m *Message) Reserved() bool {
	switch m.Type {
	case TypePing, TypePong, TypeError, TypeConnection, TypeRegistered:
		return true
	}
	return false
}

// Stamp fills in the transport-owned fields. Existing values are overwritten
// so callers cannot forge ordering metadata.
func (m *Message) Stamp(connectionID string, at time.Time) {
	m.ConnectionID = connectionID
	m.Timestamp = at.UnixMilli()
}

// Handshake is the first frame sent after a primary channel opens, and the
// registration payload for the fallback channel.
type Handshake struct {
	Type      string `json:"type"` // "register" or "auth"
	ID        string `json:"id"`
	OwnerKey  string `json:"ownerKey"`
	Role      string `json:"role"`
	Token     string `json:"token,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ParseMessage decodes an inbound frame. Malformed payloads are reported as
// errors so the caller can log and drop them without tearing the channel down.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message frame missing type")
	}
	return &msg, nil
}
