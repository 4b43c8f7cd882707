package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/logger"
	"github.com/markdave123-py/botforge/internal/models"
)

var _ core.JobQueue = (*RedisQueue)(nil)

// RedisQueue delivers jobs through one Redis stream per stage queue, read by
// a shared consumer group so workers in several processes split the load.
// Job records are JSON strings; sorted sets index them by state and time for
// retries, retention and stall detection.
type RedisQueue struct {
	client   *redis.Client
	prefix   string
	group    string
	consumer string
	block    time.Duration
	// reclaimIdle is how long a delivered message may stay pending before
	// another read takes it over.
	reclaimIdle time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithBlock sets how long a single stream read waits for new jobs.
func WithBlock(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.block = d
		}
	}
}

// WithReclaimIdle sets how long a delivered but unacknowledged message waits
// before Next delivers it again.
func WithReclaimIdle(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.reclaimIdle = d
		}
	}
}

// WithConsumerName overrides the generated consumer name.
func WithConsumerName(name string) RedisOption {
	return func(q *RedisQueue) {
		if name != "" {
			q.consumer = name
		}
	}
}

// NewRedisClient connects to the Redis instance at url and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisQueue prepares the stage streams and consumer group under prefix.
func NewRedisQueue(ctx context.Context, client *redis.Client, prefix string, opts ...RedisOption) (*RedisQueue, error) {
	if prefix == "" {
		prefix = "botforge"
	}
	host, _ := os.Hostname()
	q := &RedisQueue{
		client:      client,
		prefix:      prefix,
		group:       prefix + "-workers",
		consumer:    fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		block:       2 * time.Second,
		reclaimIdle: time.Minute,
		now:         time.Now,
		logger:      logger.WithComponent("redis-queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	for _, name := range models.Queues {
		if err := q.ensureGroup(ctx, q.streamKey(name)); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context, stream string) error {
	if err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create %s: %w", stream, err)
	}
	return nil
}

func (q *RedisQueue) streamKey(queue models.QueueName) string {
	return fmt.Sprintf("%s:stream:%s", q.prefix, queue)
}

func (q *RedisQueue) jobKey(queue models.QueueName, id string) string {
	return fmt.Sprintf("%s:job:%s:%s", q.prefix, queue, id)
}

func (q *RedisQueue) msgKey(queue models.QueueName) string {
	return fmt.Sprintf("%s:msg:%s", q.prefix, queue)
}

func (q *RedisQueue) setKey(queue models.QueueName, set string) string {
	return fmt.Sprintf("%s:%s:%s", q.prefix, set, queue)
}

const (
	setDelayed = "delayed"
	setActive  = "active"
)

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func maxScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (q *RedisQueue) Enqueue(ctx context.Context, queue models.QueueName, jobType string, payload any, opts core.EnqueueOptions) (*models.IngestionJob, error) {
	job, err := newJob(queue, jobType, payload, opts, q.now())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(queue, job.ID), data, 0)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.streamKey(queue),
			Values: map[string]interface{}{"job_id": job.ID},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", queue, err)
	}
	return job, nil
}

func (q *RedisQueue) Next(ctx context.Context, queue models.QueueName) (*models.IngestionJob, error) {
	if err := checkQueue("queue.Next", queue); err != nil {
		return nil, err
	}
	stream := q.streamKey(queue)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promoteDelayed(ctx, queue); err != nil {
			q.logger.Warn("promote delayed jobs failed", "queue", queue, "error", err)
		}

		if job, err := q.reclaimPending(ctx, queue); err != nil || job != nil {
			return job, err
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
		}

		for _, st := range streams {
			for _, msg := range st.Messages {
				job, err := q.activate(ctx, queue, msg)
				if err != nil {
					return nil, err
				}
				if job != nil {
					return job, nil
				}
			}
		}
	}
}

// activate claims the job behind msg. It returns nil when the message points
// at a job that is gone or no longer waiting.
func (q *RedisQueue) activate(ctx context.Context, queue models.QueueName, msg redis.XMessage) (*models.IngestionJob, error) {
	id, _ := msg.Values["job_id"].(string)
	job, err := q.load(ctx, queue, id)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		// Leave the message pending; reclaimPending delivers it again.
		return nil, err
	}
	if err != nil || job.State != models.JobWaiting {
		if ackErr := q.client.XAck(ctx, q.streamKey(queue), q.group, msg.ID).Err(); ackErr != nil {
			return nil, fmt.Errorf("xack: %w", ackErr)
		}
		return nil, nil
	}

	now := q.now()
	job.State = models.JobActive
	job.AttemptsMade++
	job.StartedAt = timePtr(now)
	job.RunAfter = nil
	job.UpdatedAt = now

	if err := q.save(ctx, job, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, q.msgKey(queue), job.ID, msg.ID)
		pipe.ZAdd(ctx, q.setKey(queue, setActive), redis.Z{Score: score(now), Member: job.ID})
	}); err != nil {
		return nil, err
	}
	return job, nil
}

// reclaimPending takes over one stream message that was delivered but left
// unacknowledged for longer than the reclaim window, such as one whose job
// record could not be read at delivery.
func (q *RedisQueue) reclaimPending(ctx context.Context, queue models.QueueName) (*models.IngestionJob, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamKey(queue),
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.reclaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", queue, err)
	}
	for _, msg := range msgs {
		job, err := q.activate(ctx, queue, msg)
		if err != nil || job != nil {
			return job, err
		}
	}
	return nil, nil
}

// promoteDelayed moves retries whose backoff has elapsed back onto the stream.
func (q *RedisQueue) promoteDelayed(ctx context.Context, queue models.QueueName) error {
	key := q.setKey(queue, setDelayed)
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: maxScore(q.now())}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, key, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker promoted it
		}
		if err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.streamKey(queue),
			Values: map[string]interface{}{"job_id": id},
		}).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *models.IngestionJob, result any) error {
	raw, err := marshalResult(result)
	if err != nil {
		return err
	}
	stored, err := q.lookup(ctx, "queue.Complete", job)
	if err != nil {
		return err
	}
	if stored.State == models.JobStalled {
		*job = *stored
		return nil
	}
	now := q.now()
	stored.State = models.JobCompleted
	stored.Progress = 100
	stored.Result = raw
	stored.FinishedAt = timePtr(now)
	stored.UpdatedAt = now

	if err := q.finish(ctx, stored, string(models.JobCompleted), now); err != nil {
		return err
	}
	*job = *stored
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *models.IngestionJob, reason string, retry bool) (bool, error) {
	stored, err := q.lookup(ctx, "queue.Fail", job)
	if err != nil {
		return false, err
	}
	if stored.State == models.JobStalled {
		*job = *stored
		return false, nil
	}
	now := q.now()
	stored.FailureReason = reason
	stored.UpdatedAt = now

	requeued := retry && stored.AttemptsMade < stored.MaxAttempts
	if requeued {
		runAfter := now.Add(backoffDelay(stored.Backoff, stored.AttemptsMade))
		stored.State = models.JobWaiting
		stored.RunAfter = timePtr(runAfter)
		err = q.finish(ctx, stored, setDelayed, runAfter)
	} else {
		stored.State = models.JobFailed
		stored.FinishedAt = timePtr(now)
		err = q.finish(ctx, stored, string(models.JobFailed), now)
	}
	if err != nil {
		return false, err
	}
	*job = *stored
	return requeued, nil
}

// finish saves job, acknowledges its stream message and moves it from the
// active set into set scored by at.
func (q *RedisQueue) finish(ctx context.Context, job *models.IngestionJob, set string, at time.Time) error {
	msgID, err := q.client.HGet(ctx, q.msgKey(job.Queue), job.ID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lookup stream message: %w", err)
	}
	return q.save(ctx, job, func(pipe redis.Pipeliner) {
		if msgID != "" {
			pipe.XAck(ctx, q.streamKey(job.Queue), q.group, msgID)
			pipe.HDel(ctx, q.msgKey(job.Queue), job.ID)
		}
		pipe.ZRem(ctx, q.setKey(job.Queue, setActive), job.ID)
		pipe.ZAdd(ctx, q.setKey(job.Queue, set), redis.Z{Score: score(at), Member: job.ID})
	})
}

func (q *RedisQueue) UpdateProgress(ctx context.Context, job *models.IngestionJob, progress int) error {
	stored, err := q.lookup(ctx, "queue.UpdateProgress", job)
	if err != nil {
		return err
	}
	now := q.now()
	stored.Progress = clampProgress(progress)
	stored.UpdatedAt = now
	if err := q.save(ctx, stored, func(pipe redis.Pipeliner) {
		if stored.State == models.JobActive {
			pipe.ZAdd(ctx, q.setKey(job.Queue, setActive), redis.Z{Score: score(now), Member: job.ID})
		}
	}); err != nil {
		return err
	}
	job.Progress, job.UpdatedAt = stored.Progress, stored.UpdatedAt
	return nil
}

func (q *RedisQueue) GetJob(ctx context.Context, queue models.QueueName, id string) (*models.IngestionJob, error) {
	if err := checkQueue("queue.GetJob", queue); err != nil {
		return nil, err
	}
	return q.load(ctx, queue, id)
}

func (q *RedisQueue) Clean(ctx context.Context, queue models.QueueName, olderThan time.Duration, state models.JobState) (int, error) {
	if err := checkQueue("queue.Clean", queue); err != nil {
		return 0, err
	}
	key := q.setKey(queue, string(state))
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: maxScore(q.now().Add(-olderThan))}).Result()
	if err != nil {
		return 0, fmt.Errorf("list %s jobs: %w", state, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(queue, id)
		members[i] = id
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, key, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clean %s jobs: %w", state, err)
	}
	return len(ids), nil
}

func (q *RedisQueue) Stalled(ctx context.Context, queue models.QueueName, window time.Duration) ([]*models.IngestionJob, error) {
	if err := checkQueue("queue.Stalled", queue); err != nil {
		return nil, err
	}
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, q.setKey(queue, setActive), &redis.ZRangeBy{Min: "-inf", Max: maxScore(now.Add(-window))}).Result()
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}

	var out []*models.IngestionJob
	for _, id := range ids {
		job, err := q.load(ctx, queue, id)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				q.client.ZRem(ctx, q.setKey(queue, setActive), id)
				continue
			}
			return out, err
		}
		if job.State != models.JobActive {
			continue
		}
		job.State = models.JobStalled
		job.FailureReason = "job stalled: no progress within " + window.String()
		job.UpdatedAt = now
		if err := q.finish(ctx, job, string(models.JobStalled), now); err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Close releases the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) lookup(ctx context.Context, op string, job *models.IngestionJob) (*models.IngestionJob, error) {
	if job == nil {
		return nil, core.E(core.ErrNotFound, op, "nil job", nil)
	}
	return q.load(ctx, job.Queue, job.ID)
}

func (q *RedisQueue) load(ctx context.Context, queue models.QueueName, id string) (*models.IngestionJob, error) {
	data, err := q.client.Get(ctx, q.jobKey(queue, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.E(core.ErrNotFound, "queue.GetJob", "job "+id, nil)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job models.IngestionJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) save(ctx context.Context, job *models.IngestionJob, extra func(redis.Pipeliner)) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.Queue, job.ID), data, 0)
		if extra != nil {
			extra(pipe)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}
