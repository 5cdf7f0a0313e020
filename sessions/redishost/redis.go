package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=gitlab-mcp:sessions:"`
	// TTL bounds how long an untouched record survives. ENV: SESSIONS_TTL
	TTL time.Duration `env:"SESSIONS_TTL,default=24h"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "gitlab-mcp:sessions:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Host{client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis session config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) sessionKey(id string) string { return h.keyPrefix + "session:" + id }
func (h *Host) activityKey() string         { return h.keyPrefix + "activity" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func (h *Host) Create(ctx context.Context, s sessions.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := h.client.SetNX(ctx, h.sessionKey(s.ID), b, h.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %q already exists", s.ID)
	}
	if err := h.client.ZAdd(ctx, h.activityKey(), redis.Z{Score: score(s.LastActivity), Member: s.ID}).Err(); err != nil {
		return fmt.Errorf("record session activity: %w", err)
	}
	return nil
}

func (h *Host) Get(ctx context.Context, id string) (sessions.Session, error) {
	b, err := h.client.Get(ctx, h.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	if err != nil {
		return sessions.Session{}, fmt.Errorf("get session: %w", err)
	}
	var s sessions.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return sessions.Session{}, fmt.Errorf("decode session: %w", err)
	}
	if ms, err := h.client.ZScore(ctx, h.activityKey(), id).Result(); err == nil {
		if last := time.UnixMilli(int64(ms)); last.After(s.LastActivity) {
			s.LastActivity = last
		}
	}
	return s, nil
}

func (h *Host) Touch(ctx context.Context, id string, at time.Time) error {
	ok, err := h.client.Expire(ctx, h.sessionKey(id), h.ttl).Result()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if !ok {
		return sessions.ErrSessionNotFound
	}
	// GT keeps the newest activity when replicas race.
	err = h.client.ZAddArgs(ctx, h.activityKey(), redis.ZAddArgs{
		GT:      true,
		Members: []redis.Z{{Score: score(at), Member: id}},
	}).Err()
	if err != nil {
		return fmt.Errorf("touch session activity: %w", err)
	}
	return nil
}

func (h *Host) Delete(ctx context.Context, id string) error {
	pipe := h.client.TxPipeline()
	pipe.Del(ctx, h.sessionKey(id))
	pipe.ZRem(ctx, h.activityKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (h *Host) Stale(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := h.client.ZRangeByScore(ctx, h.activityKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	return ids, nil
}

func (h *Host) Count(ctx context.Context) (int, error) {
	n, err := h.client.ZCard(ctx, h.activityKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(n), nil
}

var _ sessions.Host = (*Host)(nil)
