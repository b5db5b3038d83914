package realtime

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/relayhq/relay-api/internal/domain"
	"github.com/relayhq/relay-api/internal/events"
)

// Router bridges the event gateway to connected sessions: notifications go
// to the recipient's personal room, chat messages to their target room,
// and presence transitions to everyone sharing a room with the user.
type Router struct {
	server *Server
	logger *slog.Logger
	unsubs []func()
}

// NewRouter creates a router for the given server. Call Attach to start
// forwarding.
func NewRouter(server *Server, log *slog.Logger) *Router {
	return &Router{
		server: server,
		logger: log.With(slog.String("component", "broadcast_router")),
	}
}

// Attach subscribes the router to the gateway topics it forwards.
func (r *Router) Attach(gateway *events.Gateway) {
	r.unsubs = append(r.unsubs,
		gateway.Subscribe(events.TopicNotificationCreated, r.onNotificationCreated),
		gateway.Subscribe(events.TopicMessageSent, r.onMessageSent),
		gateway.Subscribe(events.TopicPresenceChanged, r.onPresenceChanged),
	)
}

// Detach unsubscribes from the gateway.
func (r *Router) Detach() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

func (r *Router) onNotificationCreated(_ context.Context, e events.Event) {
	nc, ok := e.(events.NotificationCreated)
	if !ok || nc.Notification == nil {
		return
	}

	// Only the socket channel gets a realtime push; in_app records are
	// picked up on the next fetch and email rides its own pipeline.
	if !hasChannel(nc.Notification.Channels, domain.ChannelSocket) {
		return
	}

	// A notice with no recipient is a system-wide broadcast: every
	// connected session gets it.
	if nc.Notification.RecipientID == uuid.Nil {
		frame, err := payloadFrame(FrameNotification, "", nc.Notification)
		if err != nil {
			r.logger.Error("failed to encode notification frame", "error", err)
			return
		}
		for _, s := range r.server.registry.allSessions() {
			s.enqueue(frame)
		}
		return
	}

	frame, err := payloadFrame(FrameNotification, UserRoom(nc.Notification.RecipientID), nc.Notification)
	if err != nil {
		r.logger.Error("failed to encode notification frame", "error", err)
		return
	}
	r.server.broadcast(frame.Room, frame)
}

func (r *Router) onMessageSent(_ context.Context, e events.Event) {
	ms, ok := e.(events.MessageSent)
	if !ok {
		return
	}

	frame, err := payloadFrame(FrameChat, ms.Room, ChatPayload{
		MessageID: ms.MessageID,
		SenderID:  ms.SenderID,
		Body:      ms.Body,
		SentAt:    ms.At,
	})
	if err != nil {
		r.logger.Error("failed to encode chat frame", "error", err)
		return
	}

	// Senders get their own messages back; that is how their other
	// devices stay in sync.
	r.server.broadcast(ms.Room, frame)
}

func (r *Router) onPresenceChanged(_ context.Context, e events.Event) {
	pc, ok := e.(events.PresenceChanged)
	if !ok {
		return
	}

	frame, err := payloadFrame(FramePresence, "", PresencePayload{
		UserID:      pc.Presence.UserID,
		Status:      string(pc.Presence.Status),
		Connections: len(pc.Presence.Connections),
		LastSeen:    pc.Presence.LastSeen,
	})
	if err != nil {
		r.logger.Error("failed to encode presence frame", "error", err)
		return
	}

	// Presence goes to every connected session, the user's own included.
	// Offline transitions fire after the departing session has already
	// left its rooms, so room-scoped fan-out would miss exactly the peers
	// who care; a global broadcast sidesteps that.
	for _, s := range r.server.registry.allSessions() {
		s.enqueue(frame)
	}
}

func hasChannel(channels []domain.Channel, want domain.Channel) bool {
	for _, c := range channels {
		if c == want {
			return true
		}
	}
	return false
}
