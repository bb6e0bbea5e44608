package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"whalewatch/internal/config"
)

const promoteBatch = 100

// promoteScript moves due ids from the delayed set onto the ready list.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// recoverScript returns every in-flight id to the ready list.
var recoverScript = redis.NewScript(`
local n = 0
while true do
  local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
  if not id then break end
  n = n + 1
end
return n
`)

// RedisQueue keeps job bodies in a hash and ids in a ready list, an
// in-flight list, a delayed sorted set scored by due time in milliseconds,
// and a dead list.
type RedisQueue struct {
	rdb         *redis.Client
	pollTimeout time.Duration
	now         func() time.Time

	jobsKey       string
	readyKey      string
	processingKey string
	delayedKey    string
	deadKey       string
}

// NewRedisClient constructs a redis client from app config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisQueue binds a queue to rdb under prefix.
func NewRedisQueue(rdb *redis.Client, prefix string, pollTimeout time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "whalewatch:notifications"
	}
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}
	return &RedisQueue{
		rdb:           rdb,
		pollTimeout:   pollTimeout,
		now:           time.Now,
		jobsKey:       prefix + ":jobs",
		readyKey:      prefix + ":ready",
		processingKey: prefix + ":processing",
		delayedKey:    prefix + ":delayed",
		deadKey:       prefix + ":dead",
	}
}

// Enqueue stores the job and pushes it onto the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job, policy RetryPolicy) error {
	job = prepare(job, policy, q.now().UTC())
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey, job.ID, body)
		pipe.LPush(ctx, q.readyKey, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue promotes due retries and then blocks up to the poll timeout for
// the next ready job, moving it to the in-flight list.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	id, err := q.rdb.BLMove(ctx, q.readyKey, q.processingKey, "RIGHT", "LEFT", q.pollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	job, err := q.load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknownJob) {
			// body vanished; drop the orphan id
			q.rdb.LRem(ctx, q.processingKey, 1, id)
			return nil, nil
		}
		return nil, err
	}

	job.Attempt++
	if err := q.save(ctx, q.rdb, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Ack removes a finished job.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, job.ID)
		pipe.HDel(ctx, q.jobsKey, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Nack schedules a retry or dead-letters the job.
func (q *RedisQueue) Nack(ctx context.Context, job *Job, cause error) (bool, error) {
	now := q.now().UTC()
	dead := fail(job, cause, now)

	body, err := json.Marshal(job)
	if err != nil {
		return dead, fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey, job.ID, body)
		pipe.LRem(ctx, q.processingKey, 1, job.ID)
		if dead {
			pipe.LPush(ctx, q.deadKey, job.ID)
			return nil
		}
		due := now.Add(job.Policy().Delay(job.Attempt))
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return dead, fmt.Errorf("nack job %s: %w", job.ID, err)
	}
	return dead, nil
}

// Recover moves jobs left in flight by a crashed worker back to ready.
// Only call it when no other worker shares the queue.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, q.rdb, []string{q.processingKey, q.readyKey}).Int()
	if err != nil {
		return 0, fmt.Errorf("recover in-flight jobs: %w", err)
	}
	return n, nil
}

// DeadLetters lists up to limit dead jobs, most recent first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.rdb.LRange(ctx, q.deadKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return []Job{}, nil
	}

	bodies, err := q.rdb.HMGet(ctx, q.jobsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}

	jobs := make([]Job, 0, len(bodies))
	for _, body := range bodies {
		s, ok := body.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RequeueDead resets a dead job's attempts and makes it ready again.
func (q *RedisQueue) RequeueDead(ctx context.Context, id string) error {
	removed, err := q.rdb.LRem(ctx, q.deadKey, 1, id).Result()
	if err != nil {
		return fmt.Errorf("requeue dead job %s: %w", id, err)
	}
	if removed == 0 {
		return ErrUnknownJob
	}

	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	job.Attempt = 0
	job.FailedAt = nil

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := q.save(ctx, pipe, job); err != nil {
			return err
		}
		pipe.LPush(ctx, q.readyKey, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue dead job %s: %w", id, err)
	}
	return nil
}

// Stats counts jobs per state.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	processing := pipe.LLen(ctx, q.processingKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	dead := pipe.LLen(ctx, q.deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}

func (q *RedisQueue) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey, q.readyKey}, now, promoteBatch).Err(); err != nil {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	body, err := q.rdb.HGet(ctx, q.jobsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownJob
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) save(ctx context.Context, c redis.Cmdable, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := c.HSet(ctx, q.jobsKey, job.ID, body).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

var _ Queue = (*RedisQueue)(nil)
