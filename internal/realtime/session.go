package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relayhq/relay-api/internal/domain"
)

const (
	// writeWait bounds how long a single frame write may take.
	writeWait = 10 * time.Second

	// sendBuffer is the per-session outbound queue. A client that cannot
	// drain it in time is disconnected rather than allowed to stall fan-out.
	sendBuffer = 64
)

// Session is one authenticated websocket connection. A user may hold many
// sessions at once, one per device or tab.
type Session struct {
	userID uuid.UUID

	// meta is the connection entry registered with the presence tracker:
	// connection ID, connect time, and client metadata from the handshake.
	meta domain.Connection

	conn   *websocket.Conn
	server *Server
	logger *slog.Logger

	send      chan ServerFrame
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(server *Server, conn *websocket.Conn, userID uuid.UUID, userAgent, ip string) *Session {
	connID := uuid.NewString()
	return &Session{
		userID: userID,
		meta: domain.Connection{
			ID:          connID,
			ConnectedAt: time.Now().UTC(),
			UserAgent:   userAgent,
			IP:          ip,
		},
		conn:   conn,
		server: server,
		logger: server.logger.With(
			slog.String("user_id", userID.String()),
			slog.String("connection_id", connID),
		),
		send:   make(chan ServerFrame, sendBuffer),
		closed: make(chan struct{}),
	}
}

// UserID returns the authenticated user this session belongs to.
func (s *Session) UserID() uuid.UUID { return s.userID }

// ConnectionID returns the session's unique connection identifier.
func (s *Session) ConnectionID() string { return s.meta.ID }

// enqueue hands a frame to the write pump. Sessions whose buffers are full
// are torn down; dropping one slow client beats blocking the broadcast.
func (s *Session) enqueue(frame ServerFrame) {
	select {
	case <-s.closed:
	case s.send <- frame:
	default:
		s.logger.Warn("send buffer full, disconnecting slow client")
		s.close()
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// readPump consumes client frames until the connection drops. It runs on
// the connection's handler goroutine; returning triggers teardown.
func (s *Session) readPump(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(s.server.maxPayload)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.server.pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.server.pongWait))
		s.server.touch(ctx, s)
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection closed unexpectedly", "error", err)
			}
			return
		}

		// Any client traffic counts as a heartbeat.
		_ = s.conn.SetReadDeadline(time.Now().Add(s.server.pongWait))
		s.server.touch(ctx, s)

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.enqueue(errorFrame("", CodeBadRequest, "malformed frame"))
			continue
		}

		s.server.handleFrame(ctx, s, frame)
	}
}

// writePump serializes all writes to the connection: queued frames plus
// the periodic pings that drive heartbeat detection.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.server.pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.closed:
			return

		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Debug("write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
