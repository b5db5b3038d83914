package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/relay-api/internal/domain"
)

// Topic routes events to the subscribers interested in them.
type Topic string

// Topics published through the gateway.
const (
	TopicNotificationCreated Topic = "notification.created"
	TopicPresenceChanged     Topic = "presence.changed"
	TopicMessageSent         Topic = "message.sent"
)

// Event is the interface all gateway events implement. Concrete event types
// carry their full payload as typed fields, so subscribers never decode
// loose maps.
type Event interface {
	// EventTopic identifies the topic the event is published under.
	EventTopic() Topic

	// OccurredAt is the event's creation timestamp.
	OccurredAt() time.Time
}

// NotificationCreated is published after a notification has been persisted
// (or consolidated into an existing record). The realtime layer forwards it
// to the recipient's connections.
type NotificationCreated struct {
	Notification *domain.Notification
	Consolidated bool
	At           time.Time
}

// EventTopic implements Event.
func (NotificationCreated) EventTopic() Topic { return TopicNotificationCreated }

// OccurredAt implements Event.
func (e NotificationCreated) OccurredAt() time.Time { return e.At }

// PresenceChanged is published on every presence mutation: connect,
// heartbeat, disconnect, and sweep expiry. It carries the user's recomputed
// snapshot and fans out to every connected session, the user's own
// connections included.
type PresenceChanged struct {
	Presence domain.Presence
	At       time.Time
}

// EventTopic implements Event.
func (PresenceChanged) EventTopic() Topic { return TopicPresenceChanged }

// OccurredAt implements Event.
func (e PresenceChanged) OccurredAt() time.Time { return e.At }

// MessageSent is published when a chat message is routed to a room. The
// sender's other connections receive it too, so multi-device clients stay
// in sync.
type MessageSent struct {
	MessageID uuid.UUID
	SenderID  uuid.UUID
	Room      string
	Body      string
	At        time.Time
}

// EventTopic implements Event.
func (MessageSent) EventTopic() Topic { return TopicMessageSent }

// OccurredAt implements Event.
func (e MessageSent) OccurredAt() time.Time { return e.At }
