// Package presence tracks which users are currently online. A user is
// online while at least one websocket connection is registered for them;
// the tracker aggregates connections per user so multi-device clients only
// flip between online and offline on the first connect and last disconnect.
//
// Two backends exist: an in-process map for single-node deployments and a
// Redis-backed store for multi-node ones. Both enforce a TTL so crashed
// processes cannot leave users permanently online.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/relay-api/internal/domain"
)

// Backend stores per-connection state for the tracker. Implementations
// must be safe for concurrent use.
type Backend interface {
	// AddConnection registers a connection entry for the user and reports
	// whether it was the user's first, i.e. the user just came online.
	AddConnection(ctx context.Context, userID uuid.UUID, conn domain.Connection) (first bool, err error)

	// RemoveConnection deregisters a connection. removed reports whether
	// the entry existed at all; last reports whether it was the user's
	// final one, i.e. the user just went offline.
	RemoveConnection(ctx context.Context, userID uuid.UUID, connID string, now time.Time) (removed, last bool, err error)

	// Touch refreshes a single connection's last-seen timestamp and the
	// user's TTL. known is false when the entry no longer exists, e.g.
	// because the backend evicted it; the caller re-registers in that case.
	Touch(ctx context.Context, userID uuid.UUID, connID string, now time.Time) (known bool, err error)

	// Get returns the user's presence snapshot with all connection
	// entries. Unknown users are reported offline, not as an error.
	Get(ctx context.Context, userID uuid.UUID) (domain.Presence, error)

	// Online returns snapshots of every currently online user.
	Online(ctx context.Context) ([]domain.Presence, error)

	// PruneExpired removes connections whose last heartbeat predates the
	// TTL and returns the IDs of users left with none, so the tracker can
	// announce them offline.
	PruneExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}
