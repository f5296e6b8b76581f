// Package analysiscache provides the byte-payload cache backing AI analysis
// results. Call sites talk to the Store interface and stay agnostic to
// whether the Redis primary or the in-process fallback is active.
package analysiscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when no entry exists for the key.
var ErrMiss = errors.New("cache miss")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisStore is the primary cache backend.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "analysis:"}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return value, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Fallback wraps a primary Store and a Memory store, serving from memory
// whenever the primary errors. Used when Redis is down so the pipeline keeps
// running with degraded caching rather than failing.
type Fallback struct {
	primary  Store
	fallback Store
}

func NewFallback(primary, fallback Store) *Fallback {
	return &Fallback{primary: primary, fallback: fallback}
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := f.primary.Get(ctx, key)
	if err == nil || errors.Is(err, ErrMiss) {
		return value, err
	}
	return f.fallback.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.primary.Set(ctx, key, value, ttl); err != nil {
		return f.fallback.Set(ctx, key, value, ttl)
	}
	return nil
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	primaryErr := f.primary.Delete(ctx, key)
	fallbackErr := f.fallback.Delete(ctx, key)
	if primaryErr != nil {
		return primaryErr
	}
	return fallbackErr
}
