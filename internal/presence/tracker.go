package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/relay-api/internal/domain"
	"github.com/relayhq/relay-api/internal/events"
)

// Tracker maintains per-user presence on top of a Backend. Every connect,
// heartbeat, and disconnect publishes a PresenceChanged event carrying the
// user's recomputed snapshot, so observers see connection-count and
// last-seen changes while a user stays online, not just the transitions.
type Tracker struct {
	backend   Backend
	publisher events.Publisher
	ttl       time.Duration
	logger    *slog.Logger
	timeFunc  func() time.Time // Injectable for testing

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTracker creates a presence tracker. The TTL bounds how long a user can
// stay online without a heartbeat.
func NewTracker(backend Backend, publisher events.Publisher, ttl time.Duration, log *slog.Logger) *Tracker {
	return &Tracker{
		backend:   backend,
		publisher: publisher,
		ttl:       ttl,
		logger:    log.With(slog.String("component", "presence_tracker")),
		timeFunc:  time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Connect registers a connection for the user and announces the updated
// snapshot. The first connection flips the user online.
func (t *Tracker) Connect(ctx context.Context, userID uuid.UUID, conn domain.Connection) error {
	now := t.timeFunc().UTC()
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	conn.LastSeen = now

	first, err := t.backend.AddConnection(ctx, userID, conn)
	if err != nil {
		return err
	}
	if first {
		t.logger.Debug("user came online", "user_id", userID)
	}
	return t.announce(ctx, userID, now)
}

// Disconnect deregisters a connection and announces the updated snapshot.
// The last disconnection flips the user offline. Removing a connection the
// backend does not know is a no-op and announces nothing.
func (t *Tracker) Disconnect(ctx context.Context, userID uuid.UUID, connID string) error {
	now := t.timeFunc().UTC()

	removed, last, err := t.backend.RemoveConnection(ctx, userID, connID, now)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	if last {
		t.logger.Debug("user went offline", "user_id", userID)
	}
	return t.announce(ctx, userID, now)
}

// Heartbeat refreshes the connection's last-seen timestamp and announces
// the updated snapshot. A connection the backend has evicted, e.g. after a
// delayed heartbeat let its record lapse, is re-registered as if it had
// just connected.
func (t *Tracker) Heartbeat(ctx context.Context, userID uuid.UUID, conn domain.Connection) error {
	now := t.timeFunc().UTC()

	known, err := t.backend.Touch(ctx, userID, conn.ID, now)
	if err != nil {
		return err
	}
	if !known {
		t.logger.Debug("re-registering evicted connection",
			"user_id", userID,
			"connection_id", conn.ID)
		if conn.ConnectedAt.IsZero() {
			conn.ConnectedAt = now
		}
		conn.LastSeen = now
		if _, err := t.backend.AddConnection(ctx, userID, conn); err != nil {
			return err
		}
	}
	return t.announce(ctx, userID, now)
}

// Get returns the user's current presence snapshot.
func (t *Tracker) Get(ctx context.Context, userID uuid.UUID) (domain.Presence, error) {
	return t.backend.Get(ctx, userID)
}

// Online returns every currently online user.
func (t *Tracker) Online(ctx context.Context) ([]domain.Presence, error) {
	return t.backend.Online(ctx)
}

// announce publishes the user's recomputed snapshot.
func (t *Tracker) announce(ctx context.Context, userID uuid.UUID, now time.Time) error {
	snapshot, err := t.backend.Get(ctx, userID)
	if err != nil {
		return err
	}
	if snapshot.LastSeen.IsZero() {
		snapshot.LastSeen = now
	}
	t.publisher.Publish(ctx, events.PresenceChanged{
		Presence: snapshot,
		At:       now,
	})
	return nil
}

// Start launches the background sweep that expires users whose heartbeats
// stopped without a clean disconnect. It returns immediately.
func (t *Tracker) Start(ctx context.Context) {
	interval := t.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
				t.sweep(ctx)
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Tracker) sweep(ctx context.Context) {
	now := t.timeFunc().UTC()

	expired, err := t.backend.PruneExpired(ctx, now)
	if err != nil {
		t.logger.Error("presence sweep failed", "error", err)
		return
	}

	for _, userID := range expired {
		t.logger.Info("user expired from presence", "user_id", userID)
		t.publisher.Publish(ctx, events.PresenceChanged{
			Presence: domain.Presence{
				UserID:   userID,
				Status:   domain.PresenceOffline,
				LastSeen: now,
			},
			At: now,
		})
	}
}
