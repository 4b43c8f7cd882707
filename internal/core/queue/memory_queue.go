package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/models"
)

// ErrClosed is returned by Next and Enqueue once the queue is closed.
var ErrClosed = errors.New("queue closed")

var _ core.JobQueue = (*MemoryQueue)(nil)

// MemoryQueue keeps jobs in process. Each stage queue is a buffered channel
// of job ids; job records live in a map until cleaned.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[models.QueueName]map[string]*models.IngestionJob
	ready  map[models.QueueName]chan string
	timers map[string]*time.Timer
	now    func() time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithClock sets the clock used for job timestamps and age checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewMemoryQueue creates a queue whose stage channels hold capacity ids.
// Enqueue blocks while a stage channel is full.
func NewMemoryQueue(capacity int, opts ...MemoryOption) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &MemoryQueue{
		jobs:   make(map[models.QueueName]map[string]*models.IngestionJob),
		ready:  make(map[models.QueueName]chan string),
		timers: make(map[string]*time.Timer),
		now:    time.Now,
		closed: make(chan struct{}),
	}
	for _, name := range models.Queues {
		q.jobs[name] = make(map[string]*models.IngestionJob)
		q.ready[name] = make(chan string, capacity)
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queue models.QueueName, jobType string, payload any, opts core.EnqueueOptions) (*models.IngestionJob, error) {
	job, err := newJob(queue, jobType, payload, opts, q.now())
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.jobs[queue][job.ID] = job
	out := cloneJob(job)
	q.mu.Unlock()

	select {
	case q.ready[queue] <- job.ID:
		return out, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.jobs[queue], job.ID)
		q.mu.Unlock()
		return nil, ctx.Err()
	case <-q.closed:
		return nil, ErrClosed
	}
}

func (q *MemoryQueue) Next(ctx context.Context, queue models.QueueName) (*models.IngestionJob, error) {
	if err := checkQueue("queue.Next", queue); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		case id := <-q.ready[queue]:
			q.mu.Lock()
			job, ok := q.jobs[queue][id]
			if !ok || job.State != models.JobWaiting {
				q.mu.Unlock()
				continue
			}
			now := q.now()
			job.State = models.JobActive
			job.AttemptsMade++
			job.StartedAt = timePtr(now)
			job.RunAfter = nil
			job.UpdatedAt = now
			out := cloneJob(job)
			q.mu.Unlock()
			return out, nil
		}
	}
}

func (q *MemoryQueue) Complete(_ context.Context, job *models.IngestionJob, result any) error {
	raw, err := marshalResult(result)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	stored, err := q.lookup("queue.Complete", job)
	if err != nil {
		return err
	}
	if stored.State == models.JobStalled {
		*job = *cloneJob(stored)
		return nil
	}
	now := q.now()
	stored.State = models.JobCompleted
	stored.Progress = 100
	stored.Result = raw
	stored.FinishedAt = timePtr(now)
	stored.UpdatedAt = now
	*job = *cloneJob(stored)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, job *models.IngestionJob, reason string, retry bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, err := q.lookup("queue.Fail", job)
	if err != nil {
		return false, err
	}
	if stored.State == models.JobStalled {
		*job = *cloneJob(stored)
		return false, nil
	}

	now := q.now()
	stored.FailureReason = reason
	stored.UpdatedAt = now

	requeued := retry && stored.AttemptsMade < stored.MaxAttempts
	if requeued {
		delay := backoffDelay(stored.Backoff, stored.AttemptsMade)
		stored.State = models.JobWaiting
		stored.RunAfter = timePtr(now.Add(delay))
		queue, id := stored.Queue, stored.ID
		q.timers[id] = time.AfterFunc(delay, func() {
			q.mu.Lock()
			delete(q.timers, id)
			q.mu.Unlock()
			select {
			case q.ready[queue] <- id:
			case <-q.closed:
			}
		})
	} else {
		stored.State = models.JobFailed
		stored.FinishedAt = timePtr(now)
	}
	*job = *cloneJob(stored)
	return requeued, nil
}

func (q *MemoryQueue) UpdateProgress(_ context.Context, job *models.IngestionJob, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, err := q.lookup("queue.UpdateProgress", job)
	if err != nil {
		return err
	}
	stored.Progress = clampProgress(progress)
	stored.UpdatedAt = q.now()
	job.Progress, job.UpdatedAt = stored.Progress, stored.UpdatedAt
	return nil
}

func (q *MemoryQueue) GetJob(_ context.Context, queue models.QueueName, id string) (*models.IngestionJob, error) {
	if err := checkQueue("queue.GetJob", queue); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[queue][id]
	if !ok {
		return nil, core.E(core.ErrNotFound, "queue.GetJob", "job "+id, nil)
	}
	return cloneJob(job), nil
}

// Clean removes jobs in state that finished (or, for stalled jobs, last
// changed) more than olderThan ago.
func (q *MemoryQueue) Clean(_ context.Context, queue models.QueueName, olderThan time.Duration, state models.JobState) (int, error) {
	if err := checkQueue("queue.Clean", queue); err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-olderThan)

	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, job := range q.jobs[queue] {
		if job.State != state {
			continue
		}
		at := job.UpdatedAt
		if job.FinishedAt != nil {
			at = *job.FinishedAt
		}
		if at.Before(cutoff) {
			delete(q.jobs[queue], id)
			removed++
		}
	}
	return removed, nil
}

// Stalled marks active jobs that have not reported progress within window as
// stalled and returns them. They are not handed out again.
func (q *MemoryQueue) Stalled(_ context.Context, queue models.QueueName, window time.Duration) ([]*models.IngestionJob, error) {
	if err := checkQueue("queue.Stalled", queue); err != nil {
		return nil, err
	}
	now := q.now()
	cutoff := now.Add(-window)

	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.IngestionJob
	for _, job := range q.jobs[queue] {
		if job.State != models.JobActive || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		job.State = models.JobStalled
		job.FailureReason = "job stalled: no progress within " + window.String()
		job.UpdatedAt = now
		out = append(out, cloneJob(job))
	}
	return out, nil
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.mu.Lock()
		for id, t := range q.timers {
			t.Stop()
			delete(q.timers, id)
		}
		q.mu.Unlock()
	})
	return nil
}

// lookup must be called with q.mu held.
func (q *MemoryQueue) lookup(op string, job *models.IngestionJob) (*models.IngestionJob, error) {
	if job == nil {
		return nil, core.E(core.ErrNotFound, op, "nil job", nil)
	}
	stored, ok := q.jobs[job.Queue][job.ID]
	if !ok {
		return nil, core.E(core.ErrNotFound, op, "job "+job.ID, nil)
	}
	return stored, nil
}

func cloneJob(j *models.IngestionJob) *models.IngestionJob {
	c := *j
	if j.StartedAt != nil {
		c.StartedAt = timePtr(*j.StartedAt)
	}
	if j.FinishedAt != nil {
		c.FinishedAt = timePtr(*j.FinishedAt)
	}
	if j.RunAfter != nil {
		c.RunAfter = timePtr(*j.RunAfter)
	}
	return &c
}
