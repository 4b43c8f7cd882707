package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/core/ingestion_engine"
	"github.com/markdave123-py/botforge/internal/models"
)

type WebsiteService struct {
	db       core.DbClient
	ingestor ingestion_engine.Ingestor
}

func NewWebsiteService(db core.DbClient, ing ingestion_engine.Ingestor) *WebsiteService {
	return &WebsiteService{db: db, ingestor: ing}
}

// Add records a PENDING website for botID and queues its scrape.
func (s *WebsiteService) Add(ctx context.Context, botID, rawURL string) (*models.Website, *models.IngestionJob, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, nil, fmt.Errorf("%w: %q is not an http(s) url", ErrInvalidRequest, rawURL)
	}
	if err := requireBot(ctx, s.db, botID); err != nil {
		return nil, nil, err
	}

	site := &models.Website{
		ID:     uuid.NewString(),
		BotID:  botID,
		URL:    u.String(),
		Status: models.StatusPending,
	}
	if err := s.db.CreateWebsite(ctx, site); err != nil {
		return nil, nil, fmt.Errorf("create website: %w", err)
	}

	job, err := s.ingestor.EnqueueWebsite(ctx, site)
	if err != nil {
		err = fmt.Errorf("enqueue website %s: %w", site.ID, err)
		markEnqueueFailed(ctx, s.db, models.SourceWebsite, site.ID, botID, err)
		site.Status, site.Error = models.StatusFailed, err.Error()
		return site, nil, err
	}
	return site, job, nil
}

func (s *WebsiteService) Get(ctx context.Context, id string) (*models.Website, error) {
	site, err := s.db.GetWebsiteByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, core.E(core.ErrNotFound, "services.GetWebsite", "website "+id, nil)
	}
	return site, nil
}
