package services

import (
	"context"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/core/ingestion_engine"
	"github.com/markdave123-py/botforge/internal/models"
)

// BotService covers bot-wide operations and job monitoring.
type BotService struct {
	db       core.DbClient
	ingestor ingestion_engine.Ingestor
}

func NewBotService(db core.DbClient, ing ingestion_engine.Ingestor) *BotService {
	return &BotService{db: db, ingestor: ing}
}

// Reindex queues a rebuild of botID's embeddings from its stored chunk sets.
// Unknown bots are rejected here rather than failing later on the queue.
func (s *BotService) Reindex(ctx context.Context, botID string) (*models.IngestionJob, error) {
	if err := requireBot(ctx, s.db, botID); err != nil {
		return nil, err
	}
	return s.ingestor.EnqueueReindex(ctx, botID)
}

func (s *BotService) JobProgress(ctx context.Context, queue, jobID string) (*models.JobProgress, error) {
	return s.ingestor.GetJobProgress(ctx, jobID, queue)
}
