package ingestion_engine

import (
	"context"

	"github.com/markdave123-py/botforge/internal/models"
)

// Ingestor is the part of the pipeline the services depend on.
type Ingestor interface {
	EnqueueDocument(ctx context.Context, doc *models.Document) (*models.IngestionJob, error)
	EnqueueWebsite(ctx context.Context, site *models.Website) (*models.IngestionJob, error)
	EnqueueReindex(ctx context.Context, botID string) (*models.IngestionJob, error)
	GetJobProgress(ctx context.Context, jobID, queueName string) (*models.JobProgress, error)
}

var _ Ingestor = (*IngestionPipeline)(nil)
