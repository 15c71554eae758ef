package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions and traces in Redis so several gateway replicas
// share them. Key expiry enforces the TTL; reads recheck the clock.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  Clock
}

var _ Store = (*RedisStore)(nil)

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "risk:"
	Clock    Clock
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "risk:"
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, prefix: cfg.Prefix, clock: cfg.Clock}, nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) sessionKey(sid string) string { return r.prefix + "session:" + sid }
func (r *RedisStore) countKey(sid string) string   { return r.prefix + "session:" + sid + ":traces" }
func (r *RedisStore) traceKey(tid string) string   { return r.prefix + "trace:" + tid }

func (r *RedisStore) PutSession(ctx context.Context, s *Session) error {
	ttl := s.ExpiresAt.Sub(r.clock.Now())
	if ttl <= 0 {
		return fmt.Errorf("%w: session already expired", ErrInvalidInput)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey(s.SID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (r *RedisStore) GetSession(ctx context.Context, sid string) (*Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownSession
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if !r.clock.Now().Before(s.ExpiresAt) {
		return nil, ErrUnknownSession
	}
	count, err := r.client.Get(ctx, r.countKey(sid)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get trace count: %w", err)
	}
	s.TraceCount = count
	return &s, nil
}

func (r *RedisStore) PutTrace(ctx context.Context, t *Trace) error {
	sess, err := r.GetSession(ctx, t.SID)
	if err != nil {
		return err
	}
	ttl := t.ExpiresAt.Sub(r.clock.Now())
	if ttl <= 0 {
		return fmt.Errorf("%w: trace already expired", ErrInvalidInput)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.traceKey(t.TID), data, ttl)
		pipe.Incr(ctx, r.countKey(t.SID))
		pipe.ExpireAt(ctx, r.countKey(t.SID), sess.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put trace: %w", err)
	}
	return nil
}

func (r *RedisStore) GetTrace(ctx context.Context, tid string) (*Trace, error) {
	data, err := r.client.Get(ctx, r.traceKey(tid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownTrace
	}
	if err != nil {
		return nil, fmt.Errorf("redis get trace: %w", err)
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	if !r.clock.Now().Before(t.ExpiresAt) {
		return nil, ErrUnknownTrace
	}
	return &t, nil
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}
