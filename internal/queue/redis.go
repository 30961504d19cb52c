package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue, DelayQueue and Replier on a single redis
// client. Lists back the FIFO queues, a sorted set scored by due time
// backs the delay queue, and per-job lists back replies.
type RedisQueue struct {
	rdb *redis.Client
	log *slog.Logger
}

var (
	_ Queue      = (*RedisQueue)(nil)
	_ DelayQueue = (*RedisQueue)(nil)
	_ Replier    = (*RedisQueue)(nil)
)

func NewRedisQueue(rdb *redis.Client, log *slog.Logger) *RedisQueue {
	return &RedisQueue{rdb: rdb, log: log}
}

func (q *RedisQueue) Push(ctx context.Context, queueName string, job Job) error {
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, queueName, raw).Err(); err != nil {
		q.log.Error("queue push failed", "queue", queueName, "job_id", job.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, queueName string, batchSize int) ([]Job, error) {
	res, err := q.rdb.RPopCount(ctx, queueName, batchSize).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		q.log.Error("queue pop failed", "queue", queueName, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeAll(queueName, res, q.log), nil
}

func (q *RedisQueue) PushWithDelay(ctx context.Context, queueName string, delay time.Duration, job Job) error {
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	member := redis.Z{Score: float64(due), Member: raw}
	if err := q.rdb.ZAdd(ctx, queueName, member).Err(); err != nil {
		q.log.Error("delay queue push failed", "queue", queueName, "job_id", job.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) PopDue(ctx context.Context, queueName string) ([]Job, error) {
	now := time.Now().UnixMilli()
	max := strconv.FormatInt(now, 10)

	// Read and remove in one round trip. A job read here is owned by this
	// process; a crash between read and handle loses it, which the
	// idempotent claim on the job's work key makes safe to re-schedule.
	pipe := q.rdb.Pipeline()
	zr := pipe.ZRangeByScore(ctx, queueName, &redis.ZRangeBy{Min: "0", Max: max})
	pipe.ZRemRangeByScore(ctx, queueName, "0", max)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		q.log.Error("delay queue pop failed", "queue", queueName, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	res, err := zr.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeAll(queueName, res, q.log), nil
}

func (q *RedisQueue) Reply(ctx context.Context, replyTo string, result []byte) error {
	if replyTo == "" {
		return nil
	}
	pipe := q.rdb.Pipeline()
	pipe.LPush(ctx, replyTo, result)
	// The waiter may be gone; don't leak the key.
	pipe.Expire(ctx, replyTo, 5*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) AwaitReply(ctx context.Context, replyTo string, timeout time.Duration) ([]byte, error) {
	res, err := q.rdb.BLPop(ctx, timeout, replyTo).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// BLPop returns [key, value].
	if len(res) < 2 {
		return nil, ErrEmpty
	}
	return []byte(res[1]), nil
}

func decodeAll(queueName string, raws []string, log *slog.Logger) []Job {
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		job, err := decodeJob([]byte(raw))
		if err != nil {
			// A corrupt envelope is dropped, not retried forever.
			log.Error("dropping undecodable job", "queue", queueName, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}
