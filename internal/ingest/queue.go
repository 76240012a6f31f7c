package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// QueuedFetch is a request that could not be served this cycle and must
// survive until a later cycle retries it.
type QueuedFetch struct {
	Symbol     string    `json:"symbol"`
	Family     string    `json:"family"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SignalQueue is a durable FIFO of deferred fetch requests.
type SignalQueue interface {
	Enqueue(ctx context.Context, item QueuedFetch) error
	// Dequeue pops up to max items. An empty queue returns an empty
	// slice, not an error.
	Dequeue(ctx context.Context, max int) ([]QueuedFetch, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is the in-process fallback when Redis is unavailable.
// Contents do not survive a restart.
type MemoryQueue struct {
	mu    sync.Mutex
	items []QueuedFetch
}

func NewMemoryQueue() *MemoryQueue { return &MemoryQueue{} }

func (q *MemoryQueue) Enqueue(_ context.Context, item QueuedFetch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context, max int) ([]QueuedFetch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max > len(q.items) {
		max = len(q.items)
	}
	out := make([]QueuedFetch, max)
	copy(out, q.items[:max])
	q.items = q.items[max:]
	return out, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

const redisQueueKey = "edgerun:signal_queue"

// RedisQueue persists deferred fetches in a Redis list so they survive
// process restarts.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: redisQueueKey}
}

func (q *RedisQueue) Enqueue(ctx context.Context, item QueuedFetch) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queued fetch: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("rpush signal queue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, max int) ([]QueuedFetch, error) {
	out := make([]QueuedFetch, 0, max)
	for len(out) < max {
		raw, err := q.client.LPop(ctx, q.key).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("lpop signal queue: %w", err)
		}
		var item QueuedFetch
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			// A corrupt entry is dropped rather than wedging the queue.
			log.Warn().Err(err).Str("raw", raw).Msg("dropping corrupt signal queue entry")
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen signal queue: %w", err)
	}
	return int(n), nil
}
