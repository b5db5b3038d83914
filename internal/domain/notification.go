package domain

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies a delivery path for a notification.
type Channel string

// Valid delivery channels.
const (
	ChannelInApp  Channel = "in_app"
	ChannelSocket Channel = "socket"
	ChannelEmail  Channel = "email"
)

// IsValid reports whether c is a known delivery channel.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelInApp, ChannelSocket, ChannelEmail:
		return true
	}
	return false
}

// NormalizeChannels filters unknown channels out of the given list and
// deduplicates the remainder. An empty result falls back to in_app so every
// notification has at least one delivery path.
func NormalizeChannels(channels []Channel) []Channel {
	seen := make(map[Channel]struct{}, len(channels))
	out := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if !c.IsValid() {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return []Channel{ChannelInApp}
	}
	return out
}

// Category groups notifications for client-side filtering and muting.
type Category string

// Valid notification categories.
const (
	CategoryGroup  Category = "group"
	CategoryTask   Category = "task"
	CategoryChat   Category = "chat"
	CategoryCall   Category = "call"
	CategorySystem Category = "system"
)

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryGroup, CategoryTask, CategoryChat, CategoryCall, CategorySystem:
		return true
	}
	return false
}

// NormalizeCategory maps unknown or empty categories to system.
func NormalizeCategory(c Category) Category {
	if !c.IsValid() {
		return CategorySystem
	}
	return c
}

// NotificationStatus tracks a notification through its lifecycle.
type NotificationStatus string

// Notification lifecycle statuses. Pending applies only to actionable
// notifications (invitations); everything else is created delivered.
const (
	StatusPending   NotificationStatus = "pending"
	StatusDelivered NotificationStatus = "delivered"
	StatusAccepted  NotificationStatus = "accepted"
	StatusDeclined  NotificationStatus = "declined"
	StatusFailed    NotificationStatus = "failed"
	StatusExpired   NotificationStatus = "expired"
)

// IsValid reports whether s is a known notification status.
func (s NotificationStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusAccepted, StatusDeclined, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// NotificationType identifies the application event a notification describes.
type NotificationType string

// Known notification types.
const (
	TypeGroupInvitation    NotificationType = "group_invitation"
	TypeGroupNameChanged   NotificationType = "group_name_changed"
	TypeGroupRoleUpdated   NotificationType = "group_role_updated"
	TypeTaskCreated        NotificationType = "task_created"
	TypeTaskAssigned       NotificationType = "task_assigned"
	TypeTaskUnassigned     NotificationType = "task_unassigned"
	TypeTaskCompleted      NotificationType = "task_completed"
	TypeCommentAdded       NotificationType = "comment_added"
	TypeChatMessage        NotificationType = "chat_message"
	TypeSystemAnnouncement NotificationType = "system_announcement"
)

// Actionable reports whether the type carries invitation semantics and is
// therefore created pending and subject to accept/decline and expiry.
func (t NotificationType) Actionable() bool {
	return t == TypeGroupInvitation
}

// Consolidates reports whether repeated notifications of this type for the
// same source should fold into an existing unread record instead of creating
// a new one.
func (t NotificationType) Consolidates() bool {
	return t == TypeChatMessage || t == TypeCommentAdded
}

// Notification is a persisted notification record for a single recipient.
type Notification struct {
	ID          uuid.UUID          `json:"id"`
	RecipientID uuid.UUID          `json:"recipient_id"`
	SenderID    *uuid.UUID         `json:"sender_id,omitempty"`
	Type        NotificationType   `json:"type"`
	Title       string             `json:"title"`
	Body        string             `json:"body,omitempty"`
	Category    Category           `json:"category"`
	Channels    []Channel          `json:"channels"`
	Status      NotificationStatus `json:"status"`
	Read        bool               `json:"read"`
	Archived    bool               `json:"archived"`

	// Source references scope consolidation and let clients deep-link.
	// MessageID tracks the latest chat message folded into the record.
	GroupID        *uuid.UUID `json:"group_id,omitempty"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	TaskID         *uuid.UUID `json:"task_id,omitempty"`
	MessageID      *uuid.UUID `json:"message_id,omitempty"`

	// MessageCount is at least 1 and grows as consolidation folds
	// additional events into this record.
	MessageCount int `json:"message_count"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewNotification creates a notification with normalized category and
// channels. Actionable types start pending; everything else starts
// delivered. Returns an error if validation fails.
func NewNotification(recipientID uuid.UUID, typ NotificationType, title string) (*Notification, error) {
	now := time.Now().UTC()

	status := StatusDelivered
	if typ.Actionable() {
		status = StatusPending
	}

	n := &Notification{
		ID:           uuid.New(),
		RecipientID:  recipientID,
		Type:         typ,
		Title:        title,
		Category:     CategorySystem,
		Channels:     []Channel{ChannelInApp},
		Status:       status,
		MessageCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := n.Validate(); err != nil {
		return nil, err
	}

	return n, nil
}

// Validate checks the notification's invariants.
func (n *Notification) Validate() error {
	if n.ID == uuid.Nil {
		return ErrInvalidID
	}
	if n.RecipientID == uuid.Nil {
		return ErrEmptyRecipient
	}
	if n.Type == "" {
		return ErrEmptyType
	}
	if n.Title == "" {
		return ErrEmptyTitle
	}
	if !n.Status.IsValid() {
		return ErrInvalidStatus
	}
	if n.MessageCount < 1 {
		return ErrValidation
	}
	return nil
}

// ExpiredAt reports whether the notification's invitation window has closed
// as of the given time. Only pending notifications with a deadline expire.
func (n *Notification) ExpiredAt(now time.Time) bool {
	return n.Status == StatusPending && n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

// EffectiveStatus returns the status a reader should observe at the given
// time: pending invitations past their deadline read as expired even before
// the stored row is updated.
func (n *Notification) EffectiveStatus(now time.Time) NotificationStatus {
	if n.ExpiredAt(now) {
		return StatusExpired
	}
	return n.Status
}

// Accept transitions a pending invitation to accepted. It fails when the
// type is not actionable, the invitation has expired, or the status is
// anything other than pending.
func (n *Notification) Accept(now time.Time) error {
	return n.resolve(StatusAccepted, now)
}

// Decline transitions a pending invitation to declined under the same rules
// as Accept.
func (n *Notification) Decline(now time.Time) error {
	return n.resolve(StatusDeclined, now)
}

func (n *Notification) resolve(target NotificationStatus, now time.Time) error {
	if !n.Type.Actionable() {
		return ErrNotActionable
	}
	if n.ExpiredAt(now) {
		return ErrNotificationExpired
	}
	if n.Status != StatusPending {
		return ErrInvalidTransition
	}
	n.Status = target
	n.Read = true
	n.UpdatedAt = now.UTC()
	return nil
}
