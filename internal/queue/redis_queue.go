package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys for the wake-signal structures.
const (
	readyKey     = "exports:ready"
	scheduledKey = "exports:scheduled"
)

// SignalQueue nudges workers over Redis: a ready list for immediate wake
// signals and a scheduled zset for retry wake-ups. Signals are best effort;
// the Postgres claimable predicate stays authoritative, so a dropped signal
// only costs poll latency.
type SignalQueue struct {
	client *redis.Client
}

// New builds a signal queue on the given Redis client.
func New(client *redis.Client) *SignalQueue {
	return &SignalQueue{client: client}
}

// Signal announces a job that is claimable now.
func (q *SignalQueue) Signal(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, readyKey, jobID).Err()
}

// SignalAt defers a wake-up until runAt (retry backoff).
func (q *SignalQueue) SignalAt(ctx context.Context, jobID string, runAt time.Time) error {
	if !runAt.After(time.Now()) {
		return q.Signal(ctx, jobID)
	}
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
}

// PromoteDue moves due scheduled signals into the ready list. Returns how many
// were promoted.
func (q *SignalQueue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Pop takes the next wake signal, or returns "" when none is waiting.
func (q *SignalQueue) Pop(ctx context.Context) (string, error) {
	id, err := q.client.LPop(ctx, readyKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Depth returns the number of pending wake signals.
func (q *SignalQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}
