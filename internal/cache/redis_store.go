package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"ai-voice-relay/internal/model"
)

// RedisStore backs the cache tier with Redis. Every operation updates an
// explicit health flag instead of swallowing connection errors silently;
// the tier and the health endpoint read that flag.
type RedisStore struct {
	rdb     *redis.Client
	healthy atomic.Bool
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	s := &RedisStore{rdb: rdb}
	// Assume healthy until an operation says otherwise.
	s.healthy.Store(true)
	return s
}

// NewRedisStoreFromURL parses a redis:// URL and pings the server once.
// A failed ping marks the store unhealthy but is not fatal.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		// Fall back to treating the value as a bare host:port.
		opt = &redis.Options{Addr: redisURL}
	}
	s := NewRedisStore(redis.NewClient(opt))
	if _, err := s.rdb.Ping(ctx).Result(); err != nil {
		s.healthy.Store(false)
		return s, fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
	}
	return s, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		s.healthy.Store(true)
		return "", false, nil
	}
	if err != nil {
		s.healthy.Store(false)
		return "", false, fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
	}
	s.healthy.Store(true)
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
	}
	s.healthy.Store(true)
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		s.healthy.Store(false)
		return false, fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
	}
	s.healthy.Store(true)
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
	}
	s.healthy.Store(true)
	return nil
}

func (s *RedisStore) Healthy() bool {
	return s.healthy.Load()
}
