package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/relay-api/internal/domain"
)

// ListFilter narrows ListForRecipient results. Zero values mean "no filter".
type ListFilter struct {
	// UnreadOnly restricts results to unread notifications.
	UnreadOnly bool

	// Category restricts results to a single category when non-empty.
	Category domain.Category

	// IncludeArchived includes archived notifications, which are hidden
	// by default.
	IncludeArchived bool

	// Limit caps the page size. Stores clamp it to their configured maximum.
	Limit int

	// Offset skips that many records for pagination.
	Offset int
}

// NotificationStore defines the interface for notification data persistence.
type NotificationStore interface {
	// Create saves a new notification record. For pending group invitations
	// it returns ErrPendingInvitationExists when the recipient already has
	// one for the same group.
	Create(ctx context.Context, n *domain.Notification) error

	// Consolidate folds the given notification into an existing unread,
	// unarchived record with the same recipient, type, and source
	// references. On a hit it increments that record's message count,
	// refreshes title, body, and message reference, and returns the
	// updated record with consolidated=true. On a miss it returns (nil, false, nil) and the
	// caller inserts a fresh record via Create.
	Consolidate(ctx context.Context, n *domain.Notification) (updated *domain.Notification, consolidated bool, err error)

	// GetForRecipient fetches a single notification scoped to its
	// recipient. Returns ErrNotificationNotFound when the ID does not
	// exist or belongs to another user. Pending invitations past their
	// deadline are returned with status expired.
	GetForRecipient(ctx context.Context, recipientID, id uuid.UUID) (*domain.Notification, error)

	// ListForRecipient returns the recipient's notifications, newest
	// first, applying the given filter. Pending invitations past their
	// deadline are returned with status expired.
	ListForRecipient(ctx context.Context, recipientID uuid.UUID, filter ListFilter) ([]*domain.Notification, error)

	// CountUnread returns the number of unread, unarchived notifications
	// for the recipient.
	CountUnread(ctx context.Context, recipientID uuid.UUID) (int64, error)

	// MarkRead marks a single notification read.
	MarkRead(ctx context.Context, recipientID, id uuid.UUID) error

	// MarkAllRead marks all of the recipient's unread notifications read
	// and returns how many were affected.
	MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error)

	// UpdateStatus persists a status transition already validated by the
	// domain layer (accept, decline, failed, expired).
	UpdateStatus(ctx context.Context, recipientID, id uuid.UUID, status domain.NotificationStatus) error

	// Archive hides a notification from default listings.
	Archive(ctx context.Context, recipientID, id uuid.UUID) error

	// Delete removes a notification permanently. Only archived
	// notifications may be deleted; otherwise ErrDeleteFailed is returned.
	Delete(ctx context.Context, recipientID, id uuid.UUID) error

	// ExpirePending marks pending invitations whose deadline passed before
	// the given time as expired, returning how many were affected.
	ExpirePending(ctx context.Context, before time.Time) (int64, error)

	// PurgeOlderThan permanently removes notifications whose expiry passed
	// before the cutoff, plus archived ones untouched since it, returning
	// how many were removed. Used by the retention sweep; records are never
	// purged while their expiry lies ahead.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// WithTx returns a NotificationStore that runs its operations on the
	// given transaction.
	WithTx(tx *sql.Tx) NotificationStore
}

// MembershipStore answers room membership questions for the broadcast
// router. Joins are re-verified against it on every join request so revoked
// members cannot rejoin rooms from stale client state.
type MembershipStore interface {
	// IsGroupMember reports whether the user currently belongs to the group.
	IsGroupMember(ctx context.Context, userID, groupID uuid.UUID) (bool, error)

	// IsConversationMember reports whether the user currently belongs to
	// the direct conversation.
	IsConversationMember(ctx context.Context, userID, conversationID uuid.UUID) (bool, error)

	// GroupMemberIDs returns the user IDs of all current group members.
	GroupMemberIDs(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)

	// ConversationMemberIDs returns the user IDs of all participants in a
	// direct conversation.
	ConversationMemberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}
