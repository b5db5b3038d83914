package presence_test

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/relay-api/internal/domain"
	"github.com/relayhq/relay-api/internal/presence"
)

// fakeRedis implements the slice of redis.UniversalClient the backend
// uses, over in-memory hashes and one sorted set. Unimplemented methods
// panic through the embedded interface, which is what we want: any new
// command the backend issues must be modeled here.
type fakeRedis struct {
	redis.UniversalClient

	mu     sync.Mutex
	hashes map[string]map[string]string
	zset   map[string]float64
	ttls   map[string]time.Duration
	cmds   []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		hashes: make(map[string]map[string]string),
		zset:   make(map[string]float64),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeRedis) record(name string) {
	f.cmds = append(f.cmds, name)
}

func (f *fakeRedis) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cmds))
	copy(out, f.cmds)
	return out
}

func (f *fakeRedis) hset(key string, values ...interface{}) int64 {
	hash, ok := f.hashes[key]
	if !ok {
		hash = make(map[string]string)
		f.hashes[key] = hash
	}
	var added int64
	for i := 0; i+1 < len(values); i += 2 {
		field := toString(values[i])
		if _, exists := hash[field]; !exists {
			added++
		}
		hash[field] = toString(values[i+1])
	}
	return added
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return strconv.Itoa(v.(int))
	}
}

// parseBound interprets a zset range bound: -inf, +inf, or a number with
// an optional "(" exclusive prefix.
func parseBound(bound string) (val float64, exclusive, unbounded bool) {
	switch bound {
	case "-inf", "+inf":
		return 0, false, true
	}
	if rest, ok := strings.CutPrefix(bound, "("); ok {
		v, _ := strconv.ParseFloat(rest, 64)
		return v, true, false
	}
	v, _ := strconv.ParseFloat(bound, 64)
	return v, false, false
}

func (f *fakeRedis) zrangeByScore(min, max string) []string {
	minV, minEx, minInf := parseBound(min)
	maxV, maxEx, maxInf := parseBound(max)

	var members []string
	for member, score := range f.zset {
		if !minInf {
			if minEx && score <= minV {
				continue
			}
			if !minEx && score < minV {
				continue
			}
		}
		if !maxInf {
			if maxEx && score >= maxV {
				continue
			}
			if !maxEx && score > maxV {
				continue
			}
		}
		members = append(members, member)
	}
	return members
}

func (f *fakeRedis) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("hget " + key)

	cmd := redis.NewStringCmd(ctx)
	raw, ok := f.hashes[key][field]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(raw)
	return cmd
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("hgetall " + key)

	cmd := redis.NewMapStringStringCmd(ctx)
	out := make(map[string]string, len(f.hashes[key]))
	for field, raw := range f.hashes[key] {
		out[field] = raw
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("hdel " + key)

	cmd := redis.NewIntCmd(ctx)
	hash := f.hashes[key]
	var removed int64
	for _, field := range fields {
		if _, ok := hash[field]; ok {
			delete(hash, field)
			removed++
		}
	}
	cmd.SetVal(removed)
	return cmd
}

func (f *fakeRedis) HLen(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("hlen " + key)

	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.hashes[key])))
	return cmd
}

func (f *fakeRedis) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("zrangebyscore " + key)

	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(f.zrangeByScore(opt.Min, opt.Max))
	return cmd
}

func (f *fakeRedis) ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("zrangebyscorewithscores " + key)

	cmd := redis.NewZSliceCmd(ctx)
	var zs []redis.Z
	for _, member := range f.zrangeByScore(opt.Min, opt.Max) {
		zs = append(zs, redis.Z{Member: member, Score: f.zset[member]})
	}
	cmd.SetVal(zs)
	return cmd
}

func (f *fakeRedis) TxPipeline() redis.Pipeliner {
	return &fakePipeline{r: f}
}

// fakePipeline queues mutations and applies them atomically on Exec,
// setting results on the command objects handed out earlier.
type fakePipeline struct {
	redis.Pipeliner

	r   *fakeRedis
	ops []func()
}

func (p *fakePipeline) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		p.r.record("hset " + key)
		cmd.SetVal(p.r.hset(key, values...))
	})
	return cmd
}

func (p *fakePipeline) HLen(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		p.r.record("hlen " + key)
		cmd.SetVal(int64(len(p.r.hashes[key])))
	})
	return cmd
}

func (p *fakePipeline) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	p.ops = append(p.ops, func() {
		p.r.record("expire " + key)
		_, exists := p.r.hashes[key]
		p.r.ttls[key] = expiration
		cmd.SetVal(exists)
	})
	return cmd
}

func (p *fakePipeline) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		p.r.record("zadd " + key)
		var added int64
		for _, z := range members {
			member := toString(z.Member)
			if _, ok := p.r.zset[member]; !ok {
				added++
			}
			p.r.zset[member] = z.Score
		}
		cmd.SetVal(added)
	})
	return cmd
}

func (p *fakePipeline) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		var deleted int64
		for _, key := range keys {
			p.r.record("del " + key)
			if _, ok := p.r.hashes[key]; ok {
				delete(p.r.hashes, key)
				delete(p.r.ttls, key)
				deleted++
			}
		}
		cmd.SetVal(deleted)
	})
	return cmd
}

func (p *fakePipeline) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		p.r.record("zrem " + key)
		var removed int64
		for _, m := range members {
			member := toString(m)
			if _, ok := p.r.zset[member]; ok {
				delete(p.r.zset, member)
				removed++
			}
		}
		cmd.SetVal(removed)
	})
	return cmd
}

func (p *fakePipeline) ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		p.r.record("zremrangebyscore " + key)
		removed := p.r.zrangeByScore(min, max)
		for _, member := range removed {
			delete(p.r.zset, member)
		}
		cmd.SetVal(int64(len(removed)))
	})
	return cmd
}

func (p *fakePipeline) Exec(_ context.Context) ([]redis.Cmder, error) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	for _, op := range p.ops {
		op()
	}
	p.r.record("exec")
	p.ops = nil
	return nil, nil
}

func connAt(id string, seen time.Time) domain.Connection {
	return domain.Connection{ID: id, ConnectedAt: seen, LastSeen: seen}
}

func TestRedisBackendConnectionLifecycle(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	backend := presence.NewRedisBackend(fake, time.Minute)
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	first, err := backend.AddConnection(ctx, userID, connAt("conn-1", now))
	require.NoError(t, err)
	assert.True(t, first)

	first, err = backend.AddConnection(ctx, userID, connAt("conn-2", now))
	require.NoError(t, err)
	assert.False(t, first)

	p, err := backend.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOnline, p.Status)
	assert.Len(t, p.Connections, 2)

	removed, last, err := backend.RemoveConnection(ctx, userID, "conn-1", now)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, last)

	removed, last, err = backend.RemoveConnection(ctx, userID, "conn-2", now)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, last)

	p, err = backend.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, p.Status)
}

func TestRedisBackendRemoveUnknownConnection(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	backend := presence.NewRedisBackend(fake, time.Minute)

	removed, last, err := backend.RemoveConnection(context.Background(), uuid.New(), "ghost", time.Now())
	require.NoError(t, err)
	assert.False(t, removed)
	assert.False(t, last)
}

func TestRedisBackendAddConnectionCommandSequence(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	backend := presence.NewRedisBackend(fake, time.Minute)
	userID := uuid.New()

	_, err := backend.AddConnection(context.Background(), userID, connAt("conn-1", time.Now()))
	require.NoError(t, err)

	key := "presence:conns:" + userID.String()
	assert.Equal(t, []string{
		"hset " + key,
		"hlen " + key,
		"expire " + key,
		"zadd presence:online",
		"exec",
	}, fake.commands())
	assert.Equal(t, time.Minute, fake.ttls[key])
}

func TestRedisBackendConnectionMetadataRoundTrip(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	backend := presence.NewRedisBackend(fake, time.Minute)
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := backend.AddConnection(ctx, userID, domain.Connection{
		ID:          "conn-1",
		ConnectedAt: now.Add(-time.Minute),
		LastSeen:    now,
		UserAgent:   "relay-cli/2.1",
		IP:          "203.0.113.9",
	})
	require.NoError(t, err)

	p, err := backend.Get(ctx, userID)
	require.NoError(t, err)
	require.Len(t, p.Connections, 1)

	got := p.Connections[0]
	assert.Equal(t, "conn-1", got.ID)
	assert.True(t, got.ConnectedAt.Equal(now.Add(-time.Minute)))
	assert.True(t, got.LastSeen.Equal(now))
	assert.Equal(t, "relay-cli/2.1", got.UserAgent)
	assert.Equal(t, "203.0.113.9", got.IP)
}

func TestRedisBackendTouchUnknownConnection(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	backend := presence.NewRedisBackend(fake, time.Minute)
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	_, err := backend.AddConnection(ctx, userID, connAt("conn-1", now))
	require.NoError(t, err)
	_, _, err = backend.RemoveConnection(ctx, userID, "conn-1", now)
	require.NoError(t, err)

	// A heartbeat for a deregistered entry reports it unknown and writes
	// nothing; re-registration is the caller's call.
	known, err := backend.Touch(ctx, userID, "conn-1", now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, known)

	online, err := backend.Online(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestRedisBackendTouchRefreshesScore(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	backend := presence.NewRedisBackend(fake, time.Minute)
	ctx := context.Background()
	userID := uuid.New()
	start := time.Now().UTC().Truncate(time.Second)

	_, err := backend.AddConnection(ctx, userID, connAt("conn-1", start))
	require.NoError(t, err)

	known, err := backend.Touch(ctx, userID, "conn-1", start.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, known)

	p, err := backend.Get(ctx, userID)
	require.NoError(t, err)
	assert.True(t, p.LastSeen.Equal(start.Add(30*time.Second)))
}

func TestRedisBackendPruneExpired(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	backend := presence.NewRedisBackend(fake, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := uuid.New()
	fresh := uuid.New()
	_, err := backend.AddConnection(ctx, stale, connAt("conn-1", now.Add(-2*time.Minute)))
	require.NoError(t, err)
	_, err = backend.AddConnection(ctx, fresh, connAt("conn-2", now))
	require.NoError(t, err)

	expired, err := backend.PruneExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{stale}, expired)

	online, err := backend.Online(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, fresh, online[0].UserID)

	// The stale user's connection hash went with them.
	p, err := backend.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, p.Status)
}

func TestRedisBackendPruneCutoffIsExclusive(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	backend := presence.NewRedisBackend(fake, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	// Last seen exactly at the cutoff boundary stays online.
	boundary := uuid.New()
	_, err := backend.AddConnection(ctx, boundary, connAt("conn-1", now.Add(-time.Minute)))
	require.NoError(t, err)

	expired, err := backend.PruneExpired(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)
}
