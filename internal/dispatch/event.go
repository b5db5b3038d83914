// Package dispatch turns application events into persisted notifications.
// Events are queued and processed asynchronously by a worker pool;
// transient store failures are retried with linear backoff while validation
// failures fail the job immediately.
package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// EventKey identifies the kind of application event being dispatched.
type EventKey string

// Application events the dispatcher knows how to transform.
const (
	EventGroupInvitationSent EventKey = "group.invitation_sent"
	EventGroupNameChanged    EventKey = "group.name_changed"
	EventGroupRoleUpdated    EventKey = "group.role_updated"
	EventTaskCreated         EventKey = "task.created"
	EventTaskAssigned        EventKey = "task.assigned"
	EventTaskUnassigned      EventKey = "task.unassigned"
	EventTaskCompleted       EventKey = "task.completed"
	EventCommentAdded        EventKey = "comment.added"
	EventChatMessage         EventKey = "chat.message"
	EventSystemAnnouncement  EventKey = "system.announcement"
)

// Event is the dispatcher's input: something happened in the application
// and one or more users should be notified. Which fields are required
// depends on the event key; the transformer for each key validates them.
type Event struct {
	Key EventKey

	// ActorID is the user whose action caused the event. Actors are never
	// notified about their own actions.
	ActorID   uuid.UUID
	ActorName string

	// Recipients are the users to notify. The transformer filters the
	// actor out.
	Recipients []uuid.UUID

	GroupID   *uuid.UUID
	GroupName string

	ConversationID *uuid.UUID

	TaskID    *uuid.UUID
	TaskTitle string

	// Message carries the body text for chat, comment, and announcement
	// events. MessageID references the originating chat message so
	// consolidated records can deep-link to the latest one.
	Message   string
	MessageID *uuid.UUID

	// ExpiresAt bounds how long an invitation can be acted on.
	ExpiresAt *time.Time
}
