// Package queue is the Redis-backed job transport: a pending list that
// workers pop from, a delayed sorted set for backoff retries, and a dead
// list for jobs that exhausted their attempts. Delivery is at-least-once;
// handlers are expected to be idempotent under re-delivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agora/api/internal/util"
)

const (
	pendingKey = "jobs:pending"
	delayedKey = "jobs:delayed"
	deadKey    = "jobs:dead"
)

type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

type Queue struct {
	client *redis.Client
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue pushes a named job onto the pending list and returns its id.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %s: %w", name, err)
	}
	job := Job{
		ID:         util.NewID("job"),
		Name:       name,
		Payload:    body,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job %s: %w", name, err)
	}
	if err := q.client.LPush(ctx, pendingKey, raw).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	return job.ID, nil
}

func (q *Queue) requeueDelayed(ctx context.Context, job Job, readyAt time.Time) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delayed job %s: %w", job.ID, err)
	}
	if err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(readyAt.Unix()), Member: raw}).Err(); err != nil {
		return fmt.Errorf("delay job %s: %w", job.ID, err)
	}
	return nil
}

// promoteDue moves delayed jobs whose ready time has passed back onto the
// pending list.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) error {
	members, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed jobs: %w", err)
	}
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return fmt.Errorf("promote delayed job: %w", err)
		}
		if removed == 0 {
			continue // another worker promoted it first
		}
		if err := q.client.LPush(ctx, pendingKey, member).Err(); err != nil {
			return fmt.Errorf("promote delayed job: %w", err)
		}
	}
	return nil
}

func (q *Queue) pushDead(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal dead job %s: %w", job.ID, err)
	}
	if err := q.client.LPush(ctx, deadKey, raw).Err(); err != nil {
		return fmt.Errorf("push dead job %s: %w", job.ID, err)
	}
	return nil
}

// DeadJobs lists jobs that exhausted their retry budget, newest first.
func (q *Queue) DeadJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, deadKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode dead job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
