package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ DelayQueue = (*RedisQueue)(nil)

// dequeueScript pops the earliest entry whose score is <= ARGV[1]. Running it
// server-side makes the read and the removal a single step, so concurrent
// workers never receive the same id.
var dequeueScript = redis.NewScript(`
local hit = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, 1)
if #hit == 0 then
	return false
end
redis.call('ZREM', KEYS[1], hit[1])
local retries = redis.call('HGET', KEYS[2], hit[1])
redis.call('HDEL', KEYS[2], hit[1])
return {hit[1], hit[2], retries or '0'}
`)

// RedisQueue keeps due times in a sorted set (score = due time in unix ms)
// and retry counts in a hash.
type RedisQueue struct {
	client  redis.Cmdable
	dueKey  string
	retrKey string
	now     func() time.Time
}

type Option func(*RedisQueue)

// WithClock overrides the time source used to decide what is due.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) { q.now = now }
}

// NewRedisQueue builds a queue under the given key prefix. The caller owns
// the client lifecycle.
func NewRedisQueue(client redis.Cmdable, prefix string, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client:  client,
		dueKey:  prefix + "delay",
		retrKey: prefix + "retries",
		now:     time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, dueAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.dueKey, redis.Z{Score: score(dueAt), Member: jobID})
	pipe.HDel(ctx, q.retrKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("enqueue", err)
	}
	return nil
}

func (q *RedisQueue) Ensure(ctx context.Context, jobID string, dueAt time.Time) error {
	if err := q.client.ZAddNX(ctx, q.dueKey, redis.Z{Score: score(dueAt), Member: jobID}).Err(); err != nil {
		return unavailable("ensure", err)
	}
	return nil
}

func (q *RedisQueue) DequeueDue(ctx context.Context) (Entry, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.dueKey, q.retrKey},
		strconv.FormatInt(q.now().UnixMilli(), 10),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, unavailable("dequeue", err)
	}
	if len(res) != 3 {
		return Entry{}, false, fmt.Errorf("queue: dequeue: unexpected reply %v", res)
	}

	jobID, _ := res[0].(string)
	ms, _ := strconv.ParseFloat(fmt.Sprint(res[1]), 64)
	retries, _ := strconv.Atoi(fmt.Sprint(res[2]))

	return Entry{
		JobID:   jobID,
		DueAt:   time.UnixMilli(int64(ms)),
		Retries: retries,
	}, true, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, entry Entry, delay time.Duration) error {
	dueAt := q.now().Add(delay)

	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.dueKey, redis.Z{Score: score(dueAt), Member: entry.JobID})
	pipe.HSet(ctx, q.retrKey, entry.JobID, entry.Retries+1)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("requeue", err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.dueKey, jobID)
	pipe.HDel(ctx, q.retrKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("remove", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.dueKey).Result()
	if err != nil {
		return 0, unavailable("len", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
