// Package ratelimit implements a fixed-window counter over Redis. The
// increment is a single INCR so concurrent callers for the same key cannot
// race a read-then-write; windows reset hard at their boundary.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result reports the outcome of one checkAndIncrement call.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimitError is returned by Enforce when the quota is exhausted.
type RateLimitError struct {
	Operation string
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, resets at %s", e.Operation, e.ResetAt.Format(time.RFC3339))
}

type Limiter struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
}

func New(client *redis.Client, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{client: client, window: window, now: time.Now}
}

func (l *Limiter) key(actorID, operation string, windowIndex int64) string {
	return fmt.Sprintf("rl:%s:%s:%d", actorID, operation, windowIndex)
}

// CheckAndIncrement counts this call against the actor's quota for the
// current window and reports whether it fit under the limit. The counter key
// embeds the window index, so a new window starts from a fresh key; the old
// key is left to expire via TTL.
func (l *Limiter) CheckAndIncrement(ctx context.Context, actorID, operation string, limit int) (Result, error) {
	now := l.now()
	windowSeconds := int64(l.window / time.Second)
	windowIndex := now.Unix() / windowSeconds
	resetAt := time.Unix((windowIndex+1)*windowSeconds, 0)

	key := l.key(actorID, operation, windowIndex)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("increment rate counter: %w", err)
	}
	if count == 1 {
		// First hit in this window; expire a little after the boundary so
		// clock skew between callers cannot drop a live counter.
		if err := l.client.Expire(ctx, key, l.window+time.Second).Err(); err != nil {
			return Result{}, fmt.Errorf("expire rate counter: %w", err)
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   int(count) <= limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Enforce is CheckAndIncrement with the denial mapped to *RateLimitError.
func (l *Limiter) Enforce(ctx context.Context, actorID, operation string, limit int) (Result, error) {
	result, err := l.CheckAndIncrement(ctx, actorID, operation, limit)
	if err != nil {
		return Result{}, err
	}
	if !result.Allowed {
		return result, &RateLimitError{Operation: operation, ResetAt: result.ResetAt}
	}
	return result, nil
}
