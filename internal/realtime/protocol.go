// Package realtime implements the websocket transport: connection
// handshake and lifecycle, room membership, and fan-out of gateway events
// to connected clients.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Client frame types.
const (
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FrameMessage = "message"
	FramePing    = "ping"
)

// Server frame types.
const (
	FrameWelcome      = "welcome"
	FrameJoined       = "joined"
	FrameLeft         = "left"
	FrameSent         = "sent"
	FramePong         = "pong"
	FrameError        = "error"
	FrameNotification = "notification"
	FramePresence     = "presence"
	FrameChat         = "chat"
)

// Error codes carried in error frames and handshake rejections. Clients
// treat token_expired as "refresh and reconnect" and unauthorized as fatal.
const (
	CodeUnauthorized = "unauthorized"
	CodeTokenExpired = "token_expired"
	CodeForbidden    = "forbidden"
	CodeInvalidRoom  = "invalid_room"
	CodeBadRequest   = "bad_request"
)

// ClientFrame is a message from client to server.
type ClientFrame struct {
	Type string `json:"type"`
	// ID is an optional client correlation identifier echoed back on the
	// response frame.
	ID   string `json:"id,omitempty"`
	Room string `json:"room,omitempty"`
	Body string `json:"body,omitempty"`
}

// ServerFrame is a message from server to client.
type ServerFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Room    string          `json:"room,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload carries a machine-readable failure code plus a human-readable
// message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WelcomePayload is sent once after a successful handshake.
type WelcomePayload struct {
	UserID            uuid.UUID `json:"user_id"`
	ConnectionID      string    `json:"connection_id"`
	HeartbeatInterval int       `json:"heartbeat_interval_seconds"`
}

// SentPayload acknowledges a send frame, carrying the message ID the
// server assigned.
type SentPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// ChatPayload carries a routed chat message.
type ChatPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// PresencePayload carries a presence snapshot: transitions as well as
// connection-count and last-seen updates while the user stays online.
type PresencePayload struct {
	UserID      uuid.UUID `json:"user_id"`
	Status      string    `json:"status"`
	Connections int       `json:"connections"`
	LastSeen    time.Time `json:"last_seen"`
}

func errorFrame(id, code, message string) ServerFrame {
	return ServerFrame{
		Type:  FrameError,
		ID:    id,
		Error: &ErrorPayload{Code: code, Message: message},
	}
}

func payloadFrame(frameType, room string, payload any) (ServerFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ServerFrame{}, err
	}
	return ServerFrame{Type: frameType, Room: room, Payload: raw}, nil
}
