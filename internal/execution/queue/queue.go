// Package queue is the shared FIFO of submission ids waiting for a worker.
package queue

import (
	"context"
	"strings"
	"time"

	"codex/internal/common/cache"
	appErr "codex/pkg/errors"
)

const (
	// DefaultKey is the Redis list holding pending submission ids.
	DefaultKey = "submission-queue"
	// DefaultPollWindow bounds each blocking pop so cancellation is observed promptly.
	DefaultPollWindow = 5 * time.Second
)

// Queue is the job queue contract used by intake and workers.
type Queue interface {
	Enqueue(ctx context.Context, submissionID string) error
	Dequeue(ctx context.Context) (string, error)
	Depth(ctx context.Context) (int64, error)
}

// Config controls the Redis list backing the queue.
type Config struct {
	Key        string        `yaml:"key"`
	PollWindow time.Duration `yaml:"pollWindow"`
}

// RedisQueue stores submission ids in a Redis list. Delivery is at most once:
// a popped id that is lost by its worker is not redelivered.
type RedisQueue struct {
	lists      cache.ListOps
	key        string
	pollWindow time.Duration
}

// NewRedisQueue builds a queue over any list-capable cache.
func NewRedisQueue(lists cache.ListOps, cfg Config) *RedisQueue {
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = DefaultKey
	}
	window := cfg.PollWindow
	if window < time.Second {
		// BLPOP timeouts have one second resolution.
		window = DefaultPollWindow
	}
	return &RedisQueue{lists: lists, key: key, pollWindow: window}
}

// Enqueue appends an id to the tail.
func (q *RedisQueue) Enqueue(ctx context.Context, submissionID string) error {
	if strings.TrimSpace(submissionID) == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if err := q.lists.RPush(ctx, q.key, submissionID); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "enqueue submission %s failed", submissionID)
	}
	return nil
}

// Dequeue blocks until an id is available or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, ok, err := q.lists.BLPop(ctx, q.pollWindow, q.key)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", appErr.Wrapf(err, appErr.QueueError, "dequeue submission failed")
		}
		if ok && id != "" {
			return id, nil
		}
	}
}

// Depth reports how many ids are waiting.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.lists.LLen(ctx, q.key)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.QueueError, "read queue depth failed")
	}
	return n, nil
}

var _ Queue = (*RedisQueue)(nil)
