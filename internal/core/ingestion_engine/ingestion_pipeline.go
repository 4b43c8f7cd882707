// Package ingestion_engine runs the ingestion pipeline: extraction, embedding
// and reindex stages, each a queue of jobs drained by worker loops.
package ingestion_engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/core/chunker"
	"github.com/markdave123-py/botforge/internal/core/events"
	"github.com/markdave123-py/botforge/internal/core/queue"
	"github.com/markdave123-py/botforge/internal/logger"
	"github.com/markdave123-py/botforge/internal/metrics"
	"github.com/markdave123-py/botforge/internal/models"
)

// Deps are the collaborators a pipeline drives. Publisher, Chunker and
// Metrics are optional.
type Deps struct {
	DB        core.DbClient
	Content   core.ContentStore
	Documents core.Extractor
	Websites  core.Extractor
	Gateway   core.EmbeddingGateway
	Queue     core.JobQueue
	Publisher core.StatusPublisher
	Chunker   *chunker.Chunker
	Metrics   *metrics.Metrics
}

// IngestionPipeline owns the stage queues of one deployment. Several
// pipelines may share a persistent queue across processes.
type IngestionPipeline struct {
	db        core.DbClient
	content   core.ContentStore
	documents core.Extractor
	websites  core.Extractor
	gateway   core.EmbeddingGateway
	queue     core.JobQueue
	publisher core.StatusPublisher
	chunker   *chunker.Chunker
	metrics   *metrics.Metrics

	cfg      IngestConfig
	schedule *cronexpr.Expression
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
}

// Option configures an IngestionPipeline.
type Option func(*IngestionPipeline)

// WithClock sets the clock used for timestamps written by the stages.
func WithClock(now func() time.Time) Option {
	return func(p *IngestionPipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// NewIngestionPipeline checks deps and cfg and builds a stopped pipeline.
func NewIngestionPipeline(deps Deps, cfg IngestConfig, opts ...Option) (*IngestionPipeline, error) {
	const op = "ingestion.New"
	switch {
	case deps.DB == nil:
		return nil, core.E(core.ErrConfiguration, op, "database client is required", nil)
	case deps.Content == nil:
		return nil, core.E(core.ErrConfiguration, op, "content store is required", nil)
	case deps.Documents == nil || deps.Websites == nil:
		return nil, core.E(core.ErrConfiguration, op, "document and website extractors are required", nil)
	case deps.Gateway == nil:
		return nil, core.E(core.ErrConfiguration, op, "embedding gateway is required", nil)
	case deps.Queue == nil:
		return nil, core.E(core.ErrConfiguration, op, "job queue is required", nil)
	}

	cfg = cfg.withDefaults()
	schedule, err := cronexpr.Parse(cfg.CleanupSchedule)
	if err != nil {
		return nil, core.E(core.ErrConfiguration, op, "invalid cleanup schedule "+cfg.CleanupSchedule, err)
	}

	p := &IngestionPipeline{
		db:        deps.DB,
		content:   deps.Content,
		documents: deps.Documents,
		websites:  deps.Websites,
		gateway:   deps.Gateway,
		queue:     deps.Queue,
		publisher: deps.Publisher,
		chunker:   deps.Chunker,
		metrics:   deps.Metrics,
		cfg:       cfg,
		schedule:  schedule,
		logger:    logger.WithComponent("ingestion"),
		now:       time.Now,
	}
	if p.publisher == nil {
		p.publisher = events.NewLogPublisher()
	}
	if p.chunker == nil {
		var copts []chunker.Option
		if p.metrics != nil {
			copts = append(copts, chunker.WithQualitySink(p.metrics))
		}
		p.chunker = chunker.New(copts...)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *IngestionPipeline) enqueueOptions() core.EnqueueOptions {
	return core.EnqueueOptions{Attempts: p.cfg.JobAttempts, Backoff: p.cfg.JobBackoff}
}

// EnqueueDocument schedules extraction of an uploaded document.
func (p *IngestionPipeline) EnqueueDocument(ctx context.Context, doc *models.Document) (*models.IngestionJob, error) {
	if doc == nil {
		return nil, core.E(core.ErrInvalidJob, "ingestion.EnqueueDocument", "nil document", nil)
	}
	return p.queue.Enqueue(ctx, models.QueueDocument, models.JobProcessDocument, models.DocumentJobPayload{
		DocumentID:  doc.ID,
		BotID:       doc.BotID,
		StorageKey:  doc.StorageKey,
		ContentType: doc.ContentType,
	}, p.enqueueOptions())
}

// EnqueueWebsite schedules a scrape of a website source.
func (p *IngestionPipeline) EnqueueWebsite(ctx context.Context, site *models.Website) (*models.IngestionJob, error) {
	if site == nil {
		return nil, core.E(core.ErrInvalidJob, "ingestion.EnqueueWebsite", "nil website", nil)
	}
	return p.queue.Enqueue(ctx, models.QueueWebScraping, models.JobScrapeWebsite, models.WebsiteJobPayload{
		WebsiteID: site.ID,
		BotID:     site.BotID,
		URL:       site.URL,
	}, p.enqueueOptions())
}

// EnqueueEmbedding schedules embedding of an extracted chunk set.
func (p *IngestionPipeline) EnqueueEmbedding(ctx context.Context, payload models.EmbeddingJobPayload) (*models.IngestionJob, error) {
	return p.queue.Enqueue(ctx, models.QueueEmbedding, models.JobGenerateEmbeddings, payload, p.enqueueOptions())
}

// EnqueueReindex schedules a rebuild of a bot's embeddings.
func (p *IngestionPipeline) EnqueueReindex(ctx context.Context, botID string) (*models.IngestionJob, error) {
	if botID == "" {
		return nil, core.E(core.ErrInvalidJob, "ingestion.EnqueueReindex", "empty bot id", nil)
	}
	return p.queue.Enqueue(ctx, models.QueueReindex, models.JobReindexBot, models.ReindexJobPayload{BotID: botID}, p.enqueueOptions())
}

// GetJobProgress reports the state of one job.
func (p *IngestionPipeline) GetJobProgress(ctx context.Context, jobID, queueName string) (*models.JobProgress, error) {
	q, ok := models.ParseQueueName(queueName)
	if !ok {
		return nil, core.E(core.ErrInvalidQueue, "ingestion.GetJobProgress", queueName, nil)
	}
	job, err := p.queue.GetJob(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	return &models.JobProgress{
		ID:            job.ID,
		Queue:         job.Queue,
		Type:          job.Type,
		State:         job.State,
		Progress:      job.Progress,
		AttemptsMade:  job.AttemptsMade,
		Data:          job.Payload,
		Result:        job.Result,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
	}, nil
}

// Start launches the worker loops and the housekeeping loops. They run until
// ctx is cancelled or the queue is closed; Wait blocks until they return.
func (p *IngestionPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return errors.New("ingestion pipeline already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p.group, p.cancel = g, cancel

	for _, q := range models.Queues {
		n := p.cfg.Workers[q]
		for w := 1; w <= n; w++ {
			g.Go(func() error {
				p.runWorker(gctx, q, w)
				return nil
			})
		}
		p.logger.Info("workers started", "queue", q, "workers", n)
	}
	g.Go(func() error {
		p.stallLoop(gctx)
		return nil
	})
	g.Go(func() error {
		p.cleanupLoop(gctx)
		return nil
	})
	return nil
}

// Wait blocks until every loop started by Start has returned.
func (p *IngestionPipeline) Wait() error {
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop cancels the loops started by Start and waits for them.
func (p *IngestionPipeline) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return p.Wait()
}

func (p *IngestionPipeline) runWorker(ctx context.Context, q models.QueueName, worker int) {
	log := p.logger.With("queue", q, "worker", worker)
	for {
		job, err := p.queue.Next(ctx, q)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				log.Debug("worker shutting down")
				return
			}
			log.Error("fetch next job failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(ctx, job)
	}
}

// handle runs one job attempt and records its outcome on the queue. A stage
// error never stops the worker.
func (p *IngestionPipeline) handle(ctx context.Context, job *models.IngestionJob) {
	started := p.now()
	jobCtx, cancel := context.WithTimeout(logger.WithJobID(ctx, job.ID), p.cfg.JobTimeout)
	defer cancel()
	log := logger.FromContext(jobCtx).With("queue", job.Queue, "type", job.Type, "attempt", job.AttemptsMade)
	log.Info("job started")

	result, err := p.dispatch(jobCtx, job)
	took := p.now().Sub(started)

	if err == nil {
		if cerr := p.queue.Complete(ctx, job, result); cerr != nil {
			log.Error("mark job completed failed", "error", cerr)
			return
		}
		if job.State == models.JobStalled {
			log.Warn("stalled job finished, outcome not recorded", "duration", took)
			return
		}
		p.metrics.JobFinished(string(job.Queue), "completed", took)
		p.publishJobEvent(ctx, job, models.JobCompleted, "")
		log.Info("job completed", "duration", took)
		return
	}

	reason := core.Reason(err)
	requeued, ferr := p.queue.Fail(ctx, job, reason, core.IsRetryable(err))
	if ferr != nil {
		log.Error("mark job failed failed", "error", ferr, "reason", reason)
		return
	}
	if job.State == models.JobStalled {
		log.Warn("stalled job failed, outcome not recorded", "error", err)
		return
	}
	if requeued {
		p.metrics.JobFinished(string(job.Queue), "retried", took)
		log.Warn("job failed, retrying", "error", err, "max_attempts", job.MaxAttempts)
		return
	}
	p.metrics.JobFinished(string(job.Queue), "failed", took)
	p.publishJobEvent(ctx, job, models.JobFailed, reason)
	log.Error("job failed", "error", err, "retryable", core.IsRetryable(err))
}

// dispatch routes a job to its stage and turns a panic into an error.
func (p *IngestionPipeline) dispatch(ctx context.Context, job *models.IngestionJob) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s job: %v", job.Type, r)
		}
	}()

	switch job.Type {
	case models.JobProcessDocument:
		return p.processDocument(ctx, job)
	case models.JobScrapeWebsite:
		return p.processWebsite(ctx, job)
	case models.JobGenerateEmbeddings:
		return p.processEmbedding(ctx, job)
	case models.JobReindexBot:
		return p.processReindex(ctx, job)
	default:
		return nil, core.E(core.ErrInvalidJob, "ingestion.dispatch", fmt.Sprintf("unknown job type %q on queue %s", job.Type, job.Queue), nil)
	}
}

func (p *IngestionPipeline) progress(ctx context.Context, job *models.IngestionJob, pct int) {
	if err := p.queue.UpdateProgress(ctx, job, pct); err != nil {
		logger.FromContext(ctx).Warn("update job progress failed", "progress", pct, "error", err)
	}
}

func (p *IngestionPipeline) publishJobEvent(ctx context.Context, job *models.IngestionJob, state models.JobState, reason string) {
	evt := models.JobEvent{
		JobID:  job.ID,
		Queue:  job.Queue,
		Type:   job.Type,
		State:  state,
		Reason: reason,
		At:     p.now(),
	}
	if err := p.publisher.PublishJobEvent(ctx, evt); err != nil {
		p.logger.Warn("publish job event failed", "job_id", job.ID, "error", err)
	}
}

func decodePayload(job *models.IngestionJob, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return core.E(core.ErrInvalidJob, "ingestion.decode", fmt.Sprintf("%s payload", job.Type), err)
	}
	return nil
}
