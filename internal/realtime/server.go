package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relayhq/relay-api/internal/config"
	"github.com/relayhq/relay-api/internal/dispatch"
	"github.com/relayhq/relay-api/internal/events"
	"github.com/relayhq/relay-api/internal/platform/logger"
	"github.com/relayhq/relay-api/internal/presence"
	"github.com/relayhq/relay-api/internal/service/auth"
	"github.com/relayhq/relay-api/internal/store"
)

// Server owns the websocket endpoint: it authenticates handshakes, runs
// session lifecycles, and answers join/leave/message frames.
type Server struct {
	verifier   auth.Verifier
	tracker    *presence.Tracker
	membership store.MembershipStore
	publisher  events.Publisher
	registry   *roomRegistry
	notifier   ChatNotifier
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	heartbeatSeconds int
	pingInterval     time.Duration
	pongWait         time.Duration
	maxPayload       int64
}

// ChatNotifier persists chat notifications for room recipients who may not
// be connected when a message is sent.
type ChatNotifier interface {
	Dispatch(ctx context.Context, evt dispatch.Event) (*dispatch.Job, error)
}

// NewServer creates the websocket server.
func NewServer(
	cfg config.RealtimeConfig,
	verifier auth.Verifier,
	tracker *presence.Tracker,
	membership store.MembershipStore,
	publisher events.Publisher,
	log *slog.Logger,
) *Server {
	heartbeat := cfg.HeartbeatIntervalSeconds
	if heartbeat <= 0 {
		heartbeat = 25
	}
	maxPayload := cfg.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = 1 << 20
	}

	s := &Server{
		verifier:         verifier,
		tracker:          tracker,
		membership:       membership,
		publisher:        publisher,
		registry:         newRoomRegistry(),
		logger:           log.With(slog.String("component", "realtime_server")),
		heartbeatSeconds: heartbeat,
		pingInterval:     time.Duration(heartbeat) * time.Second,
		// Missing two consecutive heartbeats drops the connection.
		pongWait:   2*time.Duration(heartbeat)*time.Second + 5*time.Second,
		maxPayload: maxPayload,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	return s
}

// SetChatNotifier wires the dispatcher in so chat messages are persisted
// for their recipients. Without it, send frames only broadcast.
func (s *Server) SetChatNotifier(n ChatNotifier) {
	s.notifier = n
}

// originChecker allows any origin when no allowlist is configured,
// otherwise requires an exact match.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP implements http.Handler for the websocket endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logger.WithLogger(r.Context(), s.logger)

	identity, err := s.verifier.Verify(ctx, bearerToken(r))
	if err != nil {
		rejectHandshake(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	session := newSession(s, conn, identity.UserID, r.UserAgent(), r.RemoteAddr)
	s.logger.Info("client connected",
		"user_id", identity.UserID,
		"connection_id", session.meta.ID)

	// Every connection implicitly joins the user's personal room so
	// notifications reach all of their devices.
	s.registry.join(UserRoom(identity.UserID), session)

	// Presence is best-effort: a presence backend outage must not refuse
	// the connection.
	bgCtx := logger.WithLogger(context.Background(), s.logger)
	if err := s.tracker.Connect(bgCtx, identity.UserID, session.meta); err != nil {
		s.logger.Error("presence connect failed",
			"user_id", identity.UserID,
			"error", err)
	}

	go session.writePump()

	if frame, err := payloadFrame(FrameWelcome, "", WelcomePayload{
		UserID:            identity.UserID,
		ConnectionID:      session.meta.ID,
		HeartbeatInterval: s.heartbeatSeconds,
	}); err == nil {
		session.enqueue(frame)
	}

	session.readPump(bgCtx)
	s.teardown(bgCtx, session)
}

// bearerToken pulls the credential from the Authorization header or, for
// browser clients that cannot set headers on websocket dials, the token
// query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// rejectHandshake writes a 401 with a machine-readable code so clients can
// distinguish a token needing refresh from one that is plain invalid.
func rejectHandshake(w http.ResponseWriter, err error) {
	code := CodeUnauthorized
	if errors.Is(err, auth.ErrExpiredToken) {
		code = CodeTokenExpired
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": "websocket handshake rejected",
		},
	})
}

func (s *Server) teardown(ctx context.Context, session *Session) {
	session.close()
	s.registry.leaveAll(session)

	if err := s.tracker.Disconnect(ctx, session.userID, session.meta.ID); err != nil {
		s.logger.Error("presence disconnect failed",
			"user_id", session.userID,
			"error", err)
	}

	s.logger.Info("client disconnected",
		"user_id", session.userID,
		"connection_id", session.meta.ID)
}

func (s *Server) touch(ctx context.Context, session *Session) {
	if err := s.tracker.Heartbeat(ctx, session.userID, session.meta); err != nil {
		s.logger.Debug("presence heartbeat failed",
			"user_id", session.userID,
			"error", err)
	}
}

func (s *Server) handleFrame(ctx context.Context, session *Session, frame ClientFrame) {
	switch frame.Type {
	case FramePing:
		session.enqueue(ServerFrame{Type: FramePong, ID: frame.ID})
	case FrameJoin:
		s.handleJoin(ctx, session, frame)
	case FrameLeave:
		s.registry.leave(frame.Room, session)
		session.enqueue(ServerFrame{Type: FrameLeft, ID: frame.ID, Room: frame.Room})
	case FrameMessage:
		s.handleMessage(ctx, session, frame)
	default:
		session.enqueue(errorFrame(frame.ID, CodeBadRequest, "unknown frame type"))
	}
}

// handleJoin re-verifies membership on every join. Clients cannot rejoin
// rooms from stale state after being removed from a group or conversation.
func (s *Server) handleJoin(ctx context.Context, session *Session, frame ClientFrame) {
	kind, id, err := ParseRoom(frame.Room)
	if err != nil {
		session.enqueue(errorFrame(frame.ID, CodeInvalidRoom, err.Error()))
		return
	}

	allowed := false
	switch kind {
	case RoomKindUser:
		allowed = id == session.userID
	case RoomKindGroup:
		allowed, err = s.membership.IsGroupMember(ctx, session.userID, id)
	case RoomKindDirect:
		allowed, err = s.membership.IsConversationMember(ctx, session.userID, id)
	}
	if err != nil {
		s.logger.Error("membership check failed",
			"user_id", session.userID,
			"room", frame.Room,
			"error", err)
		session.enqueue(errorFrame(frame.ID, CodeBadRequest, "membership check failed"))
		return
	}
	if !allowed {
		session.enqueue(errorFrame(frame.ID, CodeForbidden, "not a member of this room"))
		return
	}

	s.registry.join(frame.Room, session)
	session.enqueue(ServerFrame{Type: FrameJoined, ID: frame.ID, Room: frame.Room})
}

// handleMessage routes a chat message to a room the sender has joined. The
// actual fan-out happens through the gateway so every node's router sees it.
func (s *Server) handleMessage(ctx context.Context, session *Session, frame ClientFrame) {
	if frame.Body == "" {
		session.enqueue(errorFrame(frame.ID, CodeBadRequest, "empty message body"))
		return
	}

	kind, roomID, err := ParseRoom(frame.Room)
	if err != nil {
		session.enqueue(errorFrame(frame.ID, CodeInvalidRoom, err.Error()))
		return
	}
	if kind == RoomKindUser {
		session.enqueue(errorFrame(frame.ID, CodeInvalidRoom, "cannot chat in a personal room"))
		return
	}
	if !s.registry.inRoom(frame.Room, session) {
		session.enqueue(errorFrame(frame.ID, CodeForbidden, "join the room before sending"))
		return
	}

	messageID := uuid.New()
	sentAt := time.Now().UTC()
	s.publisher.Publish(ctx, events.MessageSent{
		MessageID: messageID,
		SenderID:  session.userID,
		Room:      frame.Room,
		Body:      frame.Body,
		At:        sentAt,
	})

	// Acknowledge the send with the assigned message ID. The room echo
	// carries no correlation ID, so this is the frame that resolves the
	// client's pending send.
	if ack, err := payloadFrame(FrameSent, frame.Room, SentPayload{
		MessageID: messageID,
		SentAt:    sentAt,
	}); err == nil {
		ack.ID = frame.ID
		session.enqueue(ack)
	}

	s.notifyChat(ctx, session, kind, roomID, messageID, frame.Body)
}

// notifyChat records a chat notification for every other room member so
// recipients without a live connection still see the message later. Failure
// here never fails the send; the room broadcast already happened.
func (s *Server) notifyChat(
	ctx context.Context,
	session *Session,
	kind RoomKind,
	roomID, messageID uuid.UUID,
	body string,
) {
	if s.notifier == nil {
		return
	}

	var (
		recipients []uuid.UUID
		err        error
	)
	evt := dispatch.Event{
		Key:       dispatch.EventChatMessage,
		ActorID:   session.userID,
		Message:   body,
		MessageID: &messageID,
	}
	switch kind {
	case RoomKindGroup:
		recipients, err = s.membership.GroupMemberIDs(ctx, roomID)
		evt.GroupID = &roomID
	case RoomKindDirect:
		recipients, err = s.membership.ConversationMemberIDs(ctx, roomID)
		evt.ConversationID = &roomID
	default:
		return
	}
	if err != nil {
		s.logger.Error("failed to resolve chat recipients",
			"room_kind", string(kind),
			"room_id", roomID,
			"error", err)
		return
	}
	evt.Recipients = recipients

	if _, err := s.notifier.Dispatch(ctx, evt); err != nil {
		s.logger.Error("failed to dispatch chat notification",
			"room_id", roomID,
			"error", err)
	}
}

// broadcast queues a frame to every session in the room.
func (s *Server) broadcast(room string, frame ServerFrame) {
	for _, session := range s.registry.members(room) {
		session.enqueue(frame)
	}
}
