// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON in a consistent envelope with a type discriminator,
// and required fields are validated at this boundary before any event
// reaches the engine.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeFindPartner  = "find_partner"
	TypeMessage      = "message"
	TypeEndChat      = "end_chat"
	TypeCancelSearch = "cancel_search"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeWaiting         = "waiting"
	TypeSearchCancelled = "search_cancelled"
	TypeSessionJoined   = "session_joined"
	TypeMessageAck      = "message_ack"
	TypeSessionEnded    = "session_ended"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidInput    = "invalid_input"
	CodeInvalidMessage  = "invalid_message"
	CodeNotParticipant  = "not_participant"
	CodeSessionNotFound = "session_not_found"
	CodeRateLimited     = "rate_limited"
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// FindPartnerMsg is sent by the client to request a chat partner. UserID
// is the caller-supplied opaque identity token; DeviceID is a client-
// stable identifier reused as the default dedup nonce, matching retried
// sends across page reloads.
type FindPartnerMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// ChatMsg is a text message sent by the client within a session. Nonce is
// optional; when empty the server falls back to the connection's device ID.
type ChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Nonce     string `json:"nonce,omitempty"`
}

// EndChatMsg is sent by the client to end a chat session.
type EndChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// CancelSearchMsg is sent by the client to leave the waiting pool.
type CancelSearchMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// WaitingMsg confirms the client has been placed in the waiting pool.
type WaitingMsg struct {
	Type string `json:"type"`
}

// SearchCancelledMsg confirms a cancel_search request.
type SearchCancelledMsg struct {
	Type string `json:"type"`
}

// HistoryMessage is one persisted message in a session_joined snapshot.
type HistoryMessage struct {
	ID       string `json:"id"`
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
	Ts       int64  `json:"ts"`
}

// SessionJoinedMsg tells the client it is in a session. History carries
// the persisted snapshot on reconnect resync; it is empty for a fresh
// pairing.
type SessionJoinedMsg struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	History   []HistoryMessage `json:"history,omitempty"`
}

// ServerChatMsg is a relayed message pushed to the counterpart.
type ServerChatMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// MessageAckMsg confirms the sender's own message with its assigned ID.
// A retried send inside the dedup window acks the same ID again.
type MessageAckMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Ts        int64  `json:"ts"`
}

// SessionEndedMsg tells the client its session ended. Reason is "user" or
// "disconnect".
type SessionEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ErrorMsg communicates a rejection to the client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client
// message and validates required fields. It returns the message type
// string, the decoded struct, and any error encountered. An error is
// returned for unknown or server-only message types and for payloads
// missing required identifiers.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindPartner:
		var m FindPartnerMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.UserID == "" {
			err = fmt.Errorf("missing required field \"user_id\"")
		}
		msg = m
	case TypeMessage:
		var m ChatMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.SessionID == "" {
			err = fmt.Errorf("missing required field \"session_id\"")
		}
		msg = m
	case TypeEndChat:
		var m EndChatMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.SessionID == "" {
			err = fmt.Errorf("missing required field \"session_id\"")
		}
		msg = m
	case TypeCancelSearch:
		var m CancelSearchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
