package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/relayhq/relay-api/internal/domain"
)

// ErrUnknownEvent is returned when no transformer is registered for an
// event key.
var ErrUnknownEvent = errors.New("unknown event key")

// Transformer converts an application event into the notification records
// to persist, one per recipient. Validation failures must wrap
// domain.ErrValidation so the dispatcher fails the job without retrying.
type Transformer func(ctx context.Context, evt Event) ([]*domain.Notification, error)

// Registry maps event keys to their transformers.
type Registry struct {
	transformers map[EventKey]Transformer
}

// NewRegistry creates a registry with transformers for every known event
// key registered.
func NewRegistry() *Registry {
	r := &Registry{transformers: make(map[EventKey]Transformer)}

	r.Register(EventGroupInvitationSent, transformGroupInvitation)
	r.Register(EventGroupNameChanged, transformGroupNameChanged)
	r.Register(EventGroupRoleUpdated, transformGroupRoleUpdated)
	r.Register(EventTaskCreated, transformTaskCreated)
	r.Register(EventTaskAssigned, transformTaskAssigned)
	r.Register(EventTaskUnassigned, transformTaskUnassigned)
	r.Register(EventTaskCompleted, transformTaskCompleted)
	r.Register(EventCommentAdded, transformCommentAdded)
	r.Register(EventChatMessage, transformChatMessage)
	r.Register(EventSystemAnnouncement, transformSystemAnnouncement)

	return r
}

// Register adds or replaces the transformer for a key.
func (r *Registry) Register(key EventKey, fn Transformer) {
	r.transformers[key] = fn
}

// Transform runs the transformer registered for the event's key.
func (r *Registry) Transform(ctx context.Context, evt Event) ([]*domain.Notification, error) {
	fn, ok := r.transformers[evt.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, evt.Key)
	}
	return fn(ctx, evt)
}

// validationErr builds a non-retryable validation error.
func validationErr(key EventKey, msg string) error {
	return fmt.Errorf("%w: %s event: %s", domain.ErrValidation, key, msg)
}

// recipientsExcludingActor filters the actor out of the recipient list and
// deduplicates it. Events must end up with at least one recipient.
func recipientsExcludingActor(evt Event) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{}, len(evt.Recipients))
	out := make([]uuid.UUID, 0, len(evt.Recipients))
	for _, id := range evt.Recipients {
		if id == uuid.Nil || id == evt.ActorID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, validationErr(evt.Key, "no recipients")
	}
	return out, nil
}

// build creates one notification per recipient with shared normalization
// applied.
func build(
	evt Event,
	recipients []uuid.UUID,
	typ domain.NotificationType,
	category domain.Category,
	channels []domain.Channel,
	title, body string,
) ([]*domain.Notification, error) {
	notifications := make([]*domain.Notification, 0, len(recipients))
	for _, recipient := range recipients {
		n, err := domain.NewNotification(recipient, typ, title)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}

		n.Body = body
		n.Category = domain.NormalizeCategory(category)
		n.Channels = domain.NormalizeChannels(channels)
		n.GroupID = evt.GroupID
		n.ConversationID = evt.ConversationID
		n.TaskID = evt.TaskID
		n.MessageID = evt.MessageID
		n.ExpiresAt = evt.ExpiresAt
		if evt.ActorID != uuid.Nil {
			actor := evt.ActorID
			n.SenderID = &actor
		}

		notifications = append(notifications, n)
	}
	return notifications, nil
}

func transformGroupInvitation(_ context.Context, evt Event) ([]*domain.Notification, error) {
	if evt.GroupID == nil {
		return nil, validationErr(evt.Key, "missing group")
	}
	if evt.GroupName == "" {
		return nil, validationErr(evt.Key, "missing group name")
	}
	recipients, err := recipientsExcludingActor(evt)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("You were invited to join %s", evt.GroupName)
	return build(evt, recipients,
		domain.TypeGroupInvitation, domain.CategoryGroup,
		[]domain.Channel{domain.ChannelInApp, domain.ChannelSocket},
		title, evt.Message)
}

func transformGroupNameChanged(_ context.Context, evt Event) ([]*domain.Notification, error) {
	if evt.GroupID == nil {
		return nil, validationErr(evt.Key, "missing group")
	}
	if evt.GroupName == "" {
		return nil, validationErr(evt.Key, "missing group name")
	}
	recipients, err := recipientsExcludingActor(evt)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("%s renamed the group to %s", actorName(evt), evt.GroupName)
	return build(evt, recipients,
		domain.TypeGroupNameChanged, domain.CategoryGroup,
		[]domain.Channel{domain.ChannelInApp, domain.ChannelSocket},
		title, "")
}

func transformGroupRoleUpdated(_ context.Context, evt Event) ([]*domain.Notification, error) {
	if evt.GroupID == nil {
		return nil, validationErr(evt.Key, "missing group")
	}
	recipients, err := recipientsExcludingActor(evt)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("Your role in %s was updated", groupName(evt))
	return build(evt, recipients,
		domain.TypeGroupRoleUpdated, domain.CategoryGroup,
		[]domain.Channel{domain.ChannelInApp, domain.ChannelSocket},
		title, evt.Message)
}

func transformTaskCreated(_ context.Context, evt Event) ([]*domain.Notification, error) {
	if evt.GroupID == nil {
		return nil, validationErr(evt.Key, "missing group")
	}
	if evt.TaskID == nil || evt.TaskTitle == "" {
		return nil, validationErr(evt.Key, "missing task")
	}
	recipients, err := recipientsExcludingActor(evt)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("New task in %s: %s", groupName(evt), evt.TaskTitle)
	return build(evt, recipients,
		domain.TypeTaskCreated, domain.CategoryTask,
		[]domain.Channel{domain.ChannelInApp, domain.ChannelSocket},
		title, "")
}

func transformTaskAssigned(_ context.Context, evt Event) ([]*domain.Notification, error) {
	if evt.TaskID == nil || evt.TaskTitle == "" {
		return nil, validationErr(evt.Key, "missing task")
	}
	recipients, err := recipientsExcludingActor(evt)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("%s assigned you a task: %s", actorName(evt), evt.TaskTitle)
	return build(evt, recipients,
		domain.TypeTaskAssigned, domain.CategoryTask,
		[]domain.Channel{domain.ChannelInApp, domain.ChannelSocket, domain.ChannelEmail},
		title, "")
}

func transformTaskUnassigned(_ context.Context, evt Event) ([]*domain.Notification, error) {
	if evt.TaskID == nil || evt.TaskTitle == "" {
		return nil, validationErr(evt.Key, "missing task")
	}
	recipients, err := recipientsExcludingActor(evt)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("You were unassigned from: %s", evt.TaskTitle)
	return build(evt, recipients,
		domain.TypeTaskUnassigned, domain.CategoryTask,
		[]domain.Channel{domain.ChannelInApp, domain.ChannelSocket},
		title, "")
}

func transformTaskCompleted(_ context.Context, evt Event) ([]*domain.Notification, error) {
	if evt.TaskID == nil || evt.TaskTitle == "" {
		return nil, validationErr(evt.Key, "missing task")
	}
	recipients, err := recipientsExcludingActor(evt)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("Task completed: %s", evt.TaskTitle)
	return build(evt, recipients,
		domain.TypeTaskCompleted, domain.CategoryTask,
		[]domain.Channel{domain.ChannelInApp, domain.ChannelSocket},
		title, "")
}

func transformCommentAdded(_ context.Context, evt Event) ([]*domain.Notification, error) {
	if evt.TaskID == nil {
		return nil, validationErr(evt.Key, "missing task")
	}
	recipients, err := recipientsExcludingActor(evt)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("%s commented on: %s", actorName(evt), evt.TaskTitle)
	return build(evt, recipients,
		domain.TypeCommentAdded, domain.CategoryTask,
		[]domain.Channel{domain.ChannelInApp, domain.ChannelSocket},
		title, evt.Message)
}

func transformChatMessage(_ context.Context, evt Event) ([]*domain.Notification, error) {
	if evt.ConversationID == nil && evt.GroupID == nil {
		return nil, validationErr(evt.Key, "missing conversation or group")
	}
	if evt.Message == "" {
		return nil, validationErr(evt.Key, "empty message")
	}
	recipients, err := recipientsExcludingActor(evt)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("New message from %s", actorName(evt))
	return build(evt, recipients,
		domain.TypeChatMessage, domain.CategoryChat,
		[]domain.Channel{domain.ChannelInApp, domain.ChannelSocket},
		title, evt.Message)
}

func transformSystemAnnouncement(_ context.Context, evt Event) ([]*domain.Notification, error) {
	if evt.Message == "" {
		return nil, validationErr(evt.Key, "empty message")
	}
	if len(evt.Recipients) == 0 {
		return nil, validationErr(evt.Key, "no recipients")
	}

	// System announcements have no actor; deliver to everyone listed.
	seen := make(map[uuid.UUID]struct{}, len(evt.Recipients))
	recipients := make([]uuid.UUID, 0, len(evt.Recipients))
	for _, id := range evt.Recipients {
		if id == uuid.Nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}
	if len(recipients) == 0 {
		return nil, validationErr(evt.Key, "no recipients")
	}

	return build(evt, recipients,
		domain.TypeSystemAnnouncement, domain.CategorySystem,
		[]domain.Channel{domain.ChannelInApp, domain.ChannelSocket, domain.ChannelEmail},
		"Announcement", evt.Message)
}

func actorName(evt Event) string {
	if evt.ActorName != "" {
		return evt.ActorName
	}
	return "Someone"
}

func groupName(evt Event) string {
	if evt.GroupName != "" {
		return evt.GroupName
	}
	return "your group"
}
