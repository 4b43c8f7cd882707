package core

import (
	"context"
	"io"
	"time"

	"github.com/markdave123-py/botforge/internal/models"
)

// DbClient defines the source-record persistence the pipeline and services need.
// Lookups return (nil, nil) when the row does not exist.
type DbClient interface {
	GetBot(ctx context.Context, id string) (*models.Bot, error)
	GetBotConfig(ctx context.Context, botID string) (*models.BotConfig, error)

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByBot(ctx context.Context, botID string, status models.SourceStatus) ([]models.Document, error)

	CreateWebsite(ctx context.Context, site *models.Website) error
	GetWebsiteByID(ctx context.Context, id string) (*models.Website, error)
	ListWebsitesByBot(ctx context.Context, botID string, status models.SourceStatus) ([]models.Website, error)

	UpdateSourceStatus(ctx context.Context, upd models.StatusUpdate) error

	Close() error
}

// VectorStore persists embedding rows keyed by (bot, chunk).
type VectorStore interface {
	UpsertEmbeddings(ctx context.Context, records []models.EmbeddingRecord) error
	DeleteBotEmbeddings(ctx context.Context, botID string) (int64, error)
	DeleteSourceEmbeddings(ctx context.Context, botID, sourceID string) (int64, error)
	CountBotEmbeddings(ctx context.Context, botID string) (int64, error)
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
}

// ContentStore keeps the extracted chunk set of a source. The returned
// reference is what the source record stores as its contentRef.
type ContentStore interface {
	SaveChunks(ctx context.Context, sourceType models.SourceType, sourceID string, chunks []models.Chunk) (contentRef string, err error)
	LoadChunks(ctx context.Context, contentRef string) ([]models.Chunk, error)
}

// EnqueueOptions tunes one enqueued job.
type EnqueueOptions struct {
	Attempts int
	Backoff  time.Duration
}

// JobQueue is the durable work queue behind the pipeline stages.
//
// Next blocks until a job is available or ctx is done, and hands the job out
// in the active state. Fail re-queues the job with backoff when retry is true
// and attempts remain; otherwise the job ends failed.
type JobQueue interface {
	Enqueue(ctx context.Context, queue models.QueueName, jobType string, payload any, opts EnqueueOptions) (*models.IngestionJob, error)
	Next(ctx context.Context, queue models.QueueName) (*models.IngestionJob, error)
	Complete(ctx context.Context, job *models.IngestionJob, result any) error
	Fail(ctx context.Context, job *models.IngestionJob, reason string, retry bool) (requeued bool, err error)
	UpdateProgress(ctx context.Context, job *models.IngestionJob, progress int) error
	GetJob(ctx context.Context, queue models.QueueName, id string) (*models.IngestionJob, error)
	Clean(ctx context.Context, queue models.QueueName, olderThan time.Duration, state models.JobState) (int, error)
	Stalled(ctx context.Context, queue models.QueueName, window time.Duration) ([]*models.IngestionJob, error)
	Close() error
}

// StatusPublisher fans source status transitions out to subscribers.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, upd models.StatusUpdate) error
	PublishJobEvent(ctx context.Context, evt models.JobEvent) error
	Close() error
}
