package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"
)

const keyPrefix = "reagg:ckpt:"

type Option func(*redis.Options)

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

// RedisStore keeps checkpoints in Redis so a rerun on another host can resume.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects and pings addr. A ttl of zero keeps checkpoints until deleted.
func NewRedisStore(ctx context.Context, addr string, ttl time.Duration, opts ...Option) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}
	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	b, err := encode(cp)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, keyPrefix+cp.RunKey, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET checkpoint %q: %w", cp.RunKey, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, runKey string) (Checkpoint, bool, error) {
	b, err := s.rdb.Get(ctx, keyPrefix+runKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("redis GET checkpoint %q: %w", runKey, err)
	}
	cp, err := decode(runKey, b)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, runKey string) error {
	if err := s.rdb.Del(ctx, keyPrefix+runKey).Err(); err != nil {
		return fmt.Errorf("redis DEL checkpoint %q: %w", runKey, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
