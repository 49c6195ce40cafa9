package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Veraticus/chatrelay/internal/conversation"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "chatrelay:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// Prefix is the key prefix for every key written (default: "chatrelay:").
	Prefix string
	// DB is the Redis database number.
	DB int
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// Redis implements conversation.Gateway on Redis.
//
// Layout, relative to the prefix:
//
//	users            set of known user keys
//	user:<key>       hash with the username
//	turns:<key>      list of JSON turns, oldest first
//	session:<key>    serialized session snapshot
//	sessions         sorted set of user keys scored by snapshot time (ms)
type Redis struct {
	client *redis.Client
	now    func() time.Time
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client, err := DialRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisFromClient(client, cfg.Prefix), nil
}

// DialRedis opens a client and pings the server. The client can be shared
// with other Redis-backed components.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		// Close client to release connection pool resources
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisFromClient creates a gateway on an existing client.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (r *Redis) usersKey() string             { return r.prefix + "users" }
func (r *Redis) userKey(key string) string    { return r.prefix + "user:" + key }
func (r *Redis) turnsKey(key string) string   { return r.prefix + "turns:" + key }
func (r *Redis) sessionKey(key string) string { return r.prefix + "session:" + key }
func (r *Redis) sessionsIndexKey() string     { return r.prefix + "sessions" }

func (r *Redis) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// EnsureUser records the user if it is not known yet. The username is only
// written the first time.
func (r *Redis) EnsureUser(ctx context.Context, userKey, username string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.usersKey(), userKey)
	pipe.HSetNX(ctx, r.userKey(userKey), "username", username)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// AppendTurn pushes a turn onto the user's log.
func (r *Redis) AppendTurn(ctx context.Context, userKey string, turn conversation.Turn) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.usersKey(), userKey)
	pipe.RPush(ctx, r.turnsKey(userKey), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// LoadHistory returns the user's turns in insertion order.
func (r *Redis) LoadHistory(ctx context.Context, userKey string) ([]conversation.Turn, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.LRange(ctx, r.turnsKey(userKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	turns := make([]conversation.Turn, 0, len(data))
	for _, d := range data {
		var turn conversation.Turn
		if err := json.Unmarshal([]byte(d), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// SaveSnapshot upserts the user's snapshot and indexes it by save time.
func (r *Redis) SaveSnapshot(ctx context.Context, userKey string, state []byte) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.usersKey(), userKey)
	pipe.Set(ctx, r.sessionKey(userKey), state, 0)
	pipe.ZAdd(ctx, r.sessionsIndexKey(), redis.Z{
		Score:  float64(r.now().UnixMilli()),
		Member: userKey,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the user's snapshot or conversation.ErrNoSnapshot.
func (r *Redis) LoadSnapshot(ctx context.Context, userKey string) ([]byte, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.sessionKey(userKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, conversation.ErrNoSnapshot
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return data, nil
}

// ListUsers returns every known user key, sorted.
func (r *Redis) ListUsers(ctx context.Context) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	users, err := r.client.SMembers(ctx, r.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	// Redis sets are unordered
	sort.Strings(users)
	return users, nil
}

// DeleteStaleSessions removes snapshots saved before now-expiry.
func (r *Redis) DeleteStaleSessions(ctx context.Context, expiry time.Duration) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-expiry).UnixMilli()
	stale, err := r.client.ZRangeByScore(ctx, r.sessionsIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	pipe := r.client.TxPipeline()
	for _, key := range stale {
		pipe.Del(ctx, r.sessionKey(key))
		pipe.ZRem(ctx, r.sessionsIndexKey(), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	return len(stale), nil
}

// Ping checks if the Redis connection is alive.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
