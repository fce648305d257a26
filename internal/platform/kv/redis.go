package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps an optional Redis client used for login throttling and
// lockouts. A nil Store (or a Store with no client) is valid and makes
// every operation a no-op, so callers fall back to their in-memory policy
// when Redis is not configured.
type Store struct {
	client *redis.Client
}

func Open(redisURL string) (*Store, error) {
	if redisURL == "" {
		return &Store{}, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Store{client: redis.NewClient(opt)}, nil
}

func (s *Store) Available() bool {
	return s != nil && s.client != nil
}

func (s *Store) Close() error {
	if !s.Available() {
		return nil
	}
	return s.client.Close()
}

// IncrWindow increments a windowed counter and returns the new count. The
// TTL is (re)set on every hit, which is acceptable for a login failure
// window.
func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if !s.Available() {
		return 0, nil
	}
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *Store) SetLock(ctx context.Context, key string, ttl time.Duration) error {
	if !s.Available() {
		return nil
	}
	return s.client.Set(ctx, key, "1", ttl).Err()
}

func (s *Store) IsLocked(ctx context.Context, key string) (bool, error) {
	if !s.Available() {
		return false, nil
	}
	_, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) {
	if !s.Available() {
		return
	}
	_ = s.client.Del(ctx, keys...).Err()
}
