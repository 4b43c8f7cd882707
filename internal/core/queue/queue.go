// Package queue provides the job queues behind the ingestion pipeline: an
// in-process queue for single-node runs and tests, and a Redis Streams queue
// shared by workers across processes.
package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/models"
)

const (
	defaultAttempts = 1
	maxBackoff      = 10 * time.Minute
)

// newJob builds a waiting job for queue.
func newJob(queue models.QueueName, jobType string, payload any, opts core.EnqueueOptions, now time.Time) (*models.IngestionJob, error) {
	if _, ok := models.ParseQueueName(string(queue)); !ok {
		return nil, core.E(core.ErrInvalidQueue, "queue.Enqueue", string(queue), nil)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return &models.IngestionJob{
		ID:          uuid.NewString(),
		Queue:       queue,
		Type:        jobType,
		Payload:     raw,
		State:       models.JobWaiting,
		MaxAttempts: attempts,
		Backoff:     opts.Backoff,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// backoffDelay is base doubled for every attempt already made, capped.
func backoffDelay(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(max(attemptsMade-1, 0))))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

func checkQueue(op string, queue models.QueueName) error {
	if _, ok := models.ParseQueueName(string(queue)); !ok {
		return core.E(core.ErrInvalidQueue, op, string(queue), nil)
	}
	return nil
}

func marshalResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal job result: %w", err)
	}
	return raw, nil
}

func clampProgress(p int) int {
	return min(100, max(0, p))
}

func timePtr(t time.Time) *time.Time { return &t }
