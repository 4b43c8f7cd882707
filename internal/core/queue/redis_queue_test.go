package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/models"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, fmt.Sprintf("redis://%s:%s/0", host, port.Port()))
	require.NoError(t, err)
	return client
}

func TestRedisQueueRoundTrip(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	q, err := NewRedisQueue(ctx, client, "bf-test", WithBlock(100*time.Millisecond))
	require.NoError(t, err)
	defer q.Close()

	// A second constructor on the same prefix must tolerate the existing group.
	_, err = NewRedisQueue(ctx, client, "bf-test")
	require.NoError(t, err)

	job, err := q.Enqueue(ctx, models.QueueDocument, models.JobProcessDocument,
		models.DocumentJobPayload{DocumentID: "doc-1", BotID: "bot-1"}, core.EnqueueOptions{})
	require.NoError(t, err)

	active := nextWithin(t, q, models.QueueDocument, 5*time.Second)
	assert.Equal(t, job.ID, active.ID)
	assert.Equal(t, models.JobActive, active.State)

	require.NoError(t, q.UpdateProgress(ctx, active, 60))
	require.NoError(t, q.Complete(ctx, active, models.ExtractionResult{Success: true, ChunkCount: 2}))

	stored, err := q.GetJob(ctx, models.QueueDocument, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, stored.State)
	assert.Equal(t, 100, stored.Progress)

	n, err := q.Clean(ctx, models.QueueDocument, -time.Minute, models.JobCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = q.GetJob(ctx, models.QueueDocument, job.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestRedisQueueRetryAndStall(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	q, err := NewRedisQueue(ctx, client, "bf-retry", WithBlock(100*time.Millisecond))
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue(ctx, models.QueueEmbedding, models.JobGenerateEmbeddings, nil, core.EnqueueOptions{Attempts: 2})
	require.NoError(t, err)

	first := nextWithin(t, q, models.QueueEmbedding, 5*time.Second)
	requeued, err := q.Fail(ctx, first, "provider timeout", true)
	require.NoError(t, err)
	assert.True(t, requeued)

	second := nextWithin(t, q, models.QueueEmbedding, 5*time.Second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.AttemptsMade)

	stalled, err := q.Stalled(ctx, models.QueueEmbedding, -time.Second)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, models.JobStalled, stalled[0].State)

	// The worker still holding the stalled job reports back late.
	requeued, err = q.Fail(ctx, second, "provider timeout", true)
	require.NoError(t, err)
	assert.False(t, requeued)
	require.NoError(t, q.UpdateProgress(ctx, second, 90))
	require.NoError(t, q.Complete(ctx, second, models.EmbeddingResult{Success: true}))
	stored, err := q.GetJob(ctx, models.QueueEmbedding, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStalled, stored.State)

	again, err := q.Stalled(ctx, models.QueueEmbedding, -time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err := q.Clean(ctx, models.QueueEmbedding, -time.Minute, models.JobCompleted)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = q.Clean(ctx, models.QueueEmbedding, -time.Minute, models.JobStalled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.GetJob(ctx, "bogus", second.ID)
	assert.True(t, errors.Is(err, core.ErrInvalidQueue))
}

func TestRedisQueueRedeliversJobWhoseRecordWasUnreadable(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	q, err := NewRedisQueue(ctx, client, "bf-reclaim",
		WithBlock(100*time.Millisecond), WithReclaimIdle(50*time.Millisecond))
	require.NoError(t, err)
	defer q.Close()

	job, err := q.Enqueue(ctx, models.QueueDocument, models.JobProcessDocument,
		models.DocumentJobPayload{DocumentID: "doc-1", BotID: "bot-1"}, core.EnqueueOptions{})
	require.NoError(t, err)

	key := q.jobKey(models.QueueDocument, job.ID)
	record, err := client.Get(ctx, key).Bytes()
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, key, "{not json", 0).Err())

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = q.Next(readCtx, models.QueueDocument)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode job")

	pending, err := client.XPending(ctx, q.streamKey(models.QueueDocument), q.group).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending.Count, "message stays pending")

	require.NoError(t, client.Set(ctx, key, record, 0).Err())
	time.Sleep(100 * time.Millisecond)

	active := nextWithin(t, q, models.QueueDocument, 5*time.Second)
	assert.Equal(t, job.ID, active.ID)
	assert.Equal(t, models.JobActive, active.State)
	assert.Equal(t, 1, active.AttemptsMade)
}
