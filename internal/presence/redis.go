package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relayhq/relay-api/internal/domain"
)

// Redis key layout:
//
//	presence:conns:<user_id>  hash of connection ID -> JSON entry, expires after TTL
//	presence:online           sorted set of user IDs scored by last-seen unix time
const (
	redisConnsKeyPrefix = "presence:conns:"
	redisOnlineKey      = "presence:online"
)

// RedisBackend is a presence backend shared across nodes. Connection
// hashes carry a TTL so a crashed node's users drop offline once their
// heartbeats stop.
type RedisBackend struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a Redis-backed presence store with the given TTL.
func NewRedisBackend(client redis.UniversalClient, ttl time.Duration) *RedisBackend {
	return &RedisBackend{
		client: client,
		ttl:    ttl,
	}
}

func connsKey(userID uuid.UUID) string {
	return redisConnsKeyPrefix + userID.String()
}

// redisConn is the stored form of one connection entry.
type redisConn struct {
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	UserAgent   string    `json:"user_agent,omitempty"`
	IP          string    `json:"ip,omitempty"`
}

func encodeConn(conn domain.Connection) ([]byte, error) {
	return json.Marshal(redisConn{
		ConnectedAt: conn.ConnectedAt,
		LastSeen:    conn.LastSeen,
		UserAgent:   conn.UserAgent,
		IP:          conn.IP,
	})
}

func decodeConn(id, raw string) domain.Connection {
	var entry redisConn
	// An undecodable entry still counts as a live connection; only its
	// metadata is lost.
	_ = json.Unmarshal([]byte(raw), &entry)
	return domain.Connection{
		ID:          id,
		ConnectedAt: entry.ConnectedAt,
		LastSeen:    entry.LastSeen,
		UserAgent:   entry.UserAgent,
		IP:          entry.IP,
	}
}

// AddConnection implements Backend.AddConnection.
func (b *RedisBackend) AddConnection(
	ctx context.Context,
	userID uuid.UUID,
	conn domain.Connection,
) (bool, error) {
	payload, err := encodeConn(conn)
	if err != nil {
		return false, fmt.Errorf("failed to encode connection: %w", err)
	}
	key := connsKey(userID)

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, conn.ID, payload)
	size := pipe.HLen(ctx, key)
	pipe.Expire(ctx, key, b.ttl)
	pipe.ZAdd(ctx, redisOnlineKey, redis.Z{
		Score:  float64(conn.LastSeen.Unix()),
		Member: userID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to register connection: %w", err)
	}

	return size.Val() == 1, nil
}

// RemoveConnection implements Backend.RemoveConnection.
func (b *RedisBackend) RemoveConnection(
	ctx context.Context,
	userID uuid.UUID,
	connID string,
	_ time.Time,
) (bool, bool, error) {
	key := connsKey(userID)

	removed, err := b.client.HDel(ctx, key, connID).Result()
	if err != nil {
		return false, false, fmt.Errorf("failed to deregister connection: %w", err)
	}
	if removed == 0 {
		return false, false, nil
	}

	remaining, err := b.client.HLen(ctx, key).Result()
	if err != nil {
		return true, false, fmt.Errorf("failed to count connections: %w", err)
	}
	if remaining > 0 {
		return true, false, nil
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, redisOnlineKey, userID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return true, false, fmt.Errorf("failed to clear presence: %w", err)
	}
	return true, true, nil
}

// Touch implements Backend.Touch. A missing entry is reported rather than
// recreated here; the tracker decides whether to re-register it.
func (b *RedisBackend) Touch(
	ctx context.Context,
	userID uuid.UUID,
	connID string,
	now time.Time,
) (bool, error) {
	key := connsKey(userID)

	raw, err := b.client.HGet(ctx, key, connID).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to read connection: %w", err)
	}

	conn := decodeConn(connID, raw)
	conn.LastSeen = now
	payload, err := encodeConn(conn)
	if err != nil {
		return true, fmt.Errorf("failed to encode connection: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, connID, payload)
	pipe.Expire(ctx, key, b.ttl)
	pipe.ZAdd(ctx, redisOnlineKey, redis.Z{
		Score:  float64(now.Unix()),
		Member: userID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("failed to refresh presence: %w", err)
	}
	return true, nil
}

// Get implements Backend.Get.
func (b *RedisBackend) Get(ctx context.Context, userID uuid.UUID) (domain.Presence, error) {
	offline := domain.Presence{UserID: userID, Status: domain.PresenceOffline}

	entries, err := b.client.HGetAll(ctx, connsKey(userID)).Result()
	if err != nil {
		return offline, fmt.Errorf("failed to read connections: %w", err)
	}
	if len(entries) == 0 {
		return offline, nil
	}

	conns := make(map[string]domain.Connection, len(entries))
	for id, raw := range entries {
		conns[id] = decodeConn(id, raw)
	}
	return snapshot(userID, conns), nil
}

// Online implements Backend.Online.
func (b *RedisBackend) Online(ctx context.Context) ([]domain.Presence, error) {
	members, err := b.client.ZRangeByScoreWithScores(ctx, redisOnlineKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}

	online := make([]domain.Presence, 0, len(members))
	for _, m := range members {
		userID, err := uuid.Parse(fmt.Sprint(m.Member))
		if err != nil {
			continue
		}
		p, err := b.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !p.Online() {
			continue
		}
		online = append(online, p)
	}
	return online, nil
}

// PruneExpired implements Backend.PruneExpired. The online score is the
// user's most recent heartbeat across connections, so a stale score means
// every entry in the hash is stale and the whole record can go.
func (b *RedisBackend) PruneExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	cutoff := fmt.Sprintf("%d", now.Add(-b.ttl).Unix())

	stale, err := b.client.ZRangeByScore(ctx, redisOnlineKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + cutoff,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find expired users: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	pipe := b.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisOnlineKey, "-inf", "("+cutoff)
	for _, member := range stale {
		if userID, err := uuid.Parse(member); err == nil {
			pipe.Del(ctx, connsKey(userID))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to prune expired users: %w", err)
	}

	expired := make([]uuid.UUID, 0, len(stale))
	for _, member := range stale {
		if userID, err := uuid.Parse(member); err == nil {
			expired = append(expired, userID)
		}
	}
	return expired, nil
}
