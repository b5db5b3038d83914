package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/relay-api/internal/domain"
)

// memoryEntry holds one user's live connections keyed by connection ID.
type memoryEntry struct {
	conns map[string]domain.Connection
}

// MemoryBackend is an in-process presence backend for single-node
// deployments.
type MemoryBackend struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*memoryEntry
	ttl   time.Duration
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an in-process backend with the given TTL.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		users: make(map[uuid.UUID]*memoryEntry),
		ttl:   ttl,
	}
}

// AddConnection implements Backend.AddConnection.
func (b *MemoryBackend) AddConnection(
	_ context.Context,
	userID uuid.UUID,
	conn domain.Connection,
) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.users[userID]
	if !ok {
		entry = &memoryEntry{conns: make(map[string]domain.Connection)}
		b.users[userID] = entry
	}

	first := len(entry.conns) == 0
	entry.conns[conn.ID] = conn
	return first, nil
}

// RemoveConnection implements Backend.RemoveConnection.
func (b *MemoryBackend) RemoveConnection(
	_ context.Context,
	userID uuid.UUID,
	connID string,
	_ time.Time,
) (bool, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.users[userID]
	if !ok {
		return false, false, nil
	}
	if _, ok := entry.conns[connID]; !ok {
		return false, false, nil
	}

	delete(entry.conns, connID)

	if len(entry.conns) == 0 {
		delete(b.users, userID)
		return true, true, nil
	}
	return true, false, nil
}

// Touch implements Backend.Touch.
func (b *MemoryBackend) Touch(
	_ context.Context,
	userID uuid.UUID,
	connID string,
	now time.Time,
) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.users[userID]
	if !ok {
		return false, nil
	}
	conn, ok := entry.conns[connID]
	if !ok {
		return false, nil
	}

	conn.LastSeen = now
	entry.conns[connID] = conn
	return true, nil
}

// Get implements Backend.Get.
func (b *MemoryBackend) Get(_ context.Context, userID uuid.UUID) (domain.Presence, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.users[userID]
	if !ok || len(entry.conns) == 0 {
		return domain.Presence{
			UserID: userID,
			Status: domain.PresenceOffline,
		}, nil
	}
	return snapshot(userID, entry.conns), nil
}

// Online implements Backend.Online.
func (b *MemoryBackend) Online(_ context.Context) ([]domain.Presence, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	online := make([]domain.Presence, 0, len(b.users))
	for userID, entry := range b.users {
		if len(entry.conns) == 0 {
			continue
		}
		online = append(online, snapshot(userID, entry.conns))
	}
	return online, nil
}

// PruneExpired implements Backend.PruneExpired. Connections expire
// one by one; a user goes offline only when every entry is stale.
func (b *MemoryBackend) PruneExpired(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.ttl)
	var expired []uuid.UUID
	for userID, entry := range b.users {
		for connID, conn := range entry.conns {
			if conn.LastSeen.Before(cutoff) {
				delete(entry.conns, connID)
			}
		}
		if len(entry.conns) == 0 {
			delete(b.users, userID)
			expired = append(expired, userID)
		}
	}
	return expired, nil
}

// snapshot assembles an online presence view from a connection map. The
// aggregate last-seen is the most recent heartbeat across connections.
func snapshot(userID uuid.UUID, conns map[string]domain.Connection) domain.Presence {
	out := make([]domain.Connection, 0, len(conns))
	var lastSeen time.Time
	for _, conn := range conns {
		out = append(out, conn)
		if conn.LastSeen.After(lastSeen) {
			lastSeen = conn.LastSeen
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})

	return domain.Presence{
		UserID:      userID,
		Status:      domain.PresenceOnline,
		Connections: out,
		LastSeen:    lastSeen,
	}
}
