package domain

import (
	"time"

	"github.com/google/uuid"
)

// PresenceStatus describes a user's availability.
type PresenceStatus string

// Presence statuses. A user is online while at least one connection is
// registered and offline once the last one disconnects or their record
// outlives its TTL.
const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// Connection is one live websocket connection in a presence record. A user
// has one entry per device or tab.
type Connection struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	UserAgent   string    `json:"user_agent,omitempty"`
	IP          string    `json:"ip,omitempty"`
}

// Presence is a snapshot of one user's availability, including every
// connection currently registered for them.
type Presence struct {
	UserID      uuid.UUID      `json:"user_id"`
	Status      PresenceStatus `json:"status"`
	Connections []Connection   `json:"connections,omitempty"`
	LastSeen    time.Time      `json:"last_seen"`
}

// Online reports whether the snapshot represents an online user.
func (p Presence) Online() bool {
	return p.Status == PresenceOnline && len(p.Connections) > 0
}
