package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/relay-api/internal/dispatch"
	"github.com/relayhq/relay-api/internal/domain"
)

func TestRegistryUnknownEvent(t *testing.T) {
	t.Parallel()

	r := dispatch.NewRegistry()
	_, err := r.Transform(context.Background(), dispatch.Event{Key: "mystery.event"})
	assert.ErrorIs(t, err, dispatch.ErrUnknownEvent)
}

func TestGroupInvitationTransformer(t *testing.T) {
	t.Parallel()

	r := dispatch.NewRegistry()
	groupID := uuid.New()
	actor := uuid.New()
	invitee := uuid.New()
	expiry := time.Now().Add(72 * time.Hour).UTC()

	notifications, err := r.Transform(context.Background(), dispatch.Event{
		Key:        dispatch.EventGroupInvitationSent,
		ActorID:    actor,
		ActorName:  "Alice",
		Recipients: []uuid.UUID{invitee},
		GroupID:    &groupID,
		GroupName:  "Weekend Hikers",
		ExpiresAt:  &expiry,
	})
	require.NoError(t, err)
	require.Len(t, notifications, 1)

	n := notifications[0]
	assert.Equal(t, domain.TypeGroupInvitation, n.Type)
	assert.Equal(t, domain.StatusPending, n.Status, "invitations await a response")
	assert.Equal(t, domain.CategoryGroup, n.Category)
	assert.Equal(t, invitee, n.RecipientID)
	require.NotNil(t, n.SenderID)
	assert.Equal(t, actor, *n.SenderID)
	require.NotNil(t, n.GroupID)
	assert.Equal(t, groupID, *n.GroupID)
	require.NotNil(t, n.ExpiresAt)
	assert.Equal(t, expiry, *n.ExpiresAt)
	assert.Contains(t, n.Title, "Weekend Hikers")
}

func TestTransformerValidation(t *testing.T) {
	t.Parallel()

	groupID := uuid.New()
	taskID := uuid.New()
	recipient := uuid.New()

	tests := []struct {
		name string
		evt  dispatch.Event
	}{
		{
			name: "invitation without group",
			evt: dispatch.Event{
				Key:        dispatch.EventGroupInvitationSent,
				ActorID:    uuid.New(),
				Recipients: []uuid.UUID{recipient},
				GroupName:  "Hikers",
			},
		},
		{
			name: "invitation without group name",
			evt: dispatch.Event{
				Key:        dispatch.EventGroupInvitationSent,
				ActorID:    uuid.New(),
				Recipients: []uuid.UUID{recipient},
				GroupID:    &groupID,
			},
		},
		{
			name: "task assignment without task",
			evt: dispatch.Event{
				Key:        dispatch.EventTaskAssigned,
				ActorID:    uuid.New(),
				Recipients: []uuid.UUID{recipient},
			},
		},
		{
			name: "chat message without source",
			evt: dispatch.Event{
				Key:        dispatch.EventChatMessage,
				ActorID:    uuid.New(),
				Recipients: []uuid.UUID{recipient},
				Message:    "hi",
			},
		},
		{
			name: "chat message without body",
			evt: dispatch.Event{
				Key:            dispatch.EventChatMessage,
				ActorID:        uuid.New(),
				Recipients:     []uuid.UUID{recipient},
				ConversationID: &groupID,
			},
		},
		{
			name: "announcement without message",
			evt: dispatch.Event{
				Key:        dispatch.EventSystemAnnouncement,
				Recipients: []uuid.UUID{recipient},
			},
		},
		{
			name: "no recipients after excluding actor",
			evt: func() dispatch.Event {
				actor := uuid.New()
				return dispatch.Event{
					Key:        dispatch.EventTaskAssigned,
					ActorID:    actor,
					Recipients: []uuid.UUID{actor},
					TaskID:     &taskID,
					TaskTitle:  "Write the report",
				}
			}(),
		},
	}

	r := dispatch.NewRegistry()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := r.Transform(context.Background(), tc.evt)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestSystemAnnouncementKeepsAllRecipients(t *testing.T) {
	t.Parallel()

	r := dispatch.NewRegistry()
	a, b := uuid.New(), uuid.New()

	notifications, err := r.Transform(context.Background(), dispatch.Event{
		Key:        dispatch.EventSystemAnnouncement,
		Recipients: []uuid.UUID{a, b, a},
		Message:    "Maintenance window tonight",
	})
	require.NoError(t, err)
	require.Len(t, notifications, 2, "duplicates removed, everyone else kept")

	for _, n := range notifications {
		assert.Equal(t, domain.TypeSystemAnnouncement, n.Type)
		assert.Equal(t, domain.CategorySystem, n.Category)
		assert.Nil(t, n.SenderID)
		assert.Equal(t, "Maintenance window tonight", n.Body)
	}
}

func TestChatMessageTransformer(t *testing.T) {
	t.Parallel()

	r := dispatch.NewRegistry()
	conversationID := uuid.New()
	recipient := uuid.New()
	messageID := uuid.New()

	notifications, err := r.Transform(context.Background(), dispatch.Event{
		Key:            dispatch.EventChatMessage,
		ActorID:        uuid.New(),
		ActorName:      "Alice",
		Recipients:     []uuid.UUID{recipient},
		ConversationID: &conversationID,
		Message:        "lunch?",
		MessageID:      &messageID,
	})
	require.NoError(t, err)
	require.Len(t, notifications, 1)

	n := notifications[0]
	assert.Equal(t, domain.TypeChatMessage, n.Type)
	assert.Equal(t, domain.CategoryChat, n.Category)
	assert.Equal(t, "lunch?", n.Body)
	assert.Contains(t, n.Title, "Alice")
	require.NotNil(t, n.MessageID)
	assert.Equal(t, messageID, *n.MessageID)
	assert.ElementsMatch(t,
		[]domain.Channel{domain.ChannelInApp, domain.ChannelSocket},
		n.Channels)
}
