package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RecalcQueue coordinates the ready and in-flight recalculation job
// queues in Redis, plus the per-scope reservation keys that back job
// coalescing. One scope never has more than one live job in flight.
type RecalcQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scopePrefix   string
	visibilityTTL time.Duration
}

// NewRecalcQueue builds a queue client.
func NewRecalcQueue(client *redis.Client, visibility time.Duration) *RecalcQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &RecalcQueue{
		client:        client,
		readyKey:      "recalc:ready",
		inflightKey:   "recalc:inflight",
		scopePrefix:   "recalc:scope:",
		visibilityTTL: visibility,
	}
}

func (q *RecalcQueue) scopeKey(scope string) string {
	return q.scopePrefix + scope
}

// Reserve claims the scope for jobID. It returns the holding job ID
// and false when another job already owns the scope; enqueue callers
// coalesce onto that job instead of creating a duplicate.
func (q *RecalcQueue) Reserve(ctx context.Context, scope, jobID string) (string, bool, error) {
	ok, err := q.client.SetNX(ctx, q.scopeKey(scope), jobID, 0).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return jobID, true, nil
	}
	holder, err := q.client.Get(ctx, q.scopeKey(scope)).Result()
	if err == redis.Nil {
		// Holder finished between SETNX and GET; let the caller retry.
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return holder, false, nil
}

// ReleaseScope frees the scope reservation once its job reached a
// terminal status.
func (q *RecalcQueue) ReleaseScope(ctx context.Context, scope string) error {
	return q.client.Del(ctx, q.scopeKey(scope)).Err()
}

// Enqueue appends a job to the ready queue.
func (q *RecalcQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// DequeueWithLease pops the next ready job and places it in-flight
// with a visibility deadline. Empty queue returns "".
func (q *RecalcQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// Ack removes a finished job from in-flight tracking.
func (q *RecalcQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired reclaims jobs whose worker lease timed out.
func (q *RecalcQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a queued job. Jobs already in flight are left to
// finish.
func (q *RecalcQueue) Cancel(ctx context.Context, jobID, scope string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.Del(ctx, q.scopeKey(scope))
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the ready queue length.
func (q *RecalcQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
