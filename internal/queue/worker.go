package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Handler processes one delivered job. Returning an error signals failure
// and triggers the retry policy; handlers must tolerate re-delivery.
type Handler func(ctx context.Context, payload json.RawMessage) error

type WorkerOptions struct {
	Slots       int
	MaxAttempts int
	// Backoff is the base delay; attempt n waits Backoff * 2^(n-1).
	Backoff    time.Duration
	JobTimeout time.Duration
}

// Worker pulls jobs from the shared queue and dispatches them to registered
// handlers. Each slot processes one job at a time; slots run in parallel.
type Worker struct {
	queue    *Queue
	client   *redis.Client
	handlers map[string]Handler
	opts     WorkerOptions
	logger   *slog.Logger
}

func NewWorker(q *Queue, client *redis.Client, opts WorkerOptions, logger *slog.Logger) *Worker {
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 30 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:    q,
		client:   client,
		handlers: make(map[string]Handler),
		opts:     opts,
		logger:   logger,
	}
}

// Register binds a handler to a job name. Not safe to call after Run starts.
func (w *Worker) Register(name string, handler Handler) {
	w.handlers[name] = handler
}

// Run blocks until ctx is cancelled, processing jobs across the configured
// slots plus one goroutine promoting delayed jobs back to pending.
func (w *Worker) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if err := w.queue.promoteDue(ctx, now); err != nil && ctx.Err() == nil {
					w.logger.Error("promote delayed jobs", "error", err)
				}
			}
		}
	})

	for slot := 0; slot < w.opts.Slots; slot++ {
		group.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				if err := w.step(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error("worker step", "error", err)
					time.Sleep(time.Second)
				}
			}
		})
	}

	return group.Wait()
}

// step pops and processes at most one job. The pop blocks briefly so
// cancellation is observed between jobs.
func (w *Worker) step(ctx context.Context) error {
	result, err := w.client.BRPop(ctx, time.Second, pendingKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	// BRPop returns [key, value]
	if len(result) != 2 {
		return nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		w.logger.Error("discarding undecodable job", "error", err)
		return nil
	}
	w.process(ctx, job)
	return nil
}

func (w *Worker) process(ctx context.Context, job Job) {
	logger := w.logger.With("job", job.ID, "name", job.Name, "attempt", job.Attempts+1)

	handler, ok := w.handlers[job.Name]
	if !ok {
		logger.Error("no handler registered, sending to dead letter")
		if err := w.queue.pushDead(ctx, job); err != nil {
			logger.Error("dead letter push failed", "error", err)
		}
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	err := handler(jobCtx, job.Payload)
	cancel()
	if err == nil {
		return
	}

	job.Attempts++
	if job.Attempts >= w.opts.MaxAttempts {
		logger.Error("job permanently failed", "error", err)
		if deadErr := w.queue.pushDead(ctx, job); deadErr != nil {
			logger.Error("dead letter push failed", "error", deadErr)
		}
		return
	}

	delay := w.opts.Backoff << (job.Attempts - 1)
	logger.Warn("job failed, scheduling retry", "error", err, "delay", delay)
	if retryErr := w.queue.requeueDelayed(ctx, job, time.Now().Add(delay)); retryErr != nil {
		logger.Error("retry scheduling failed", "error", retryErr)
	}
}
