package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/core/ingestion_engine"
	"github.com/markdave123-py/botforge/internal/logger"
	"github.com/markdave123-py/botforge/internal/models"
)

// ErrInvalidRequest marks caller input the services refuse before touching
// storage or the queue.
var ErrInvalidRequest = errors.New("invalid request")

type DocumentService struct {
	db       core.DbClient
	storage  core.ObjectClient
	bucket   string
	ingestor ingestion_engine.Ingestor
}

func NewDocumentService(db core.DbClient, storage core.ObjectClient, bucket string, ing ingestion_engine.Ingestor) *DocumentService {
	return &DocumentService{db: db, storage: storage, bucket: bucket, ingestor: ing}
}

// Upload stores the file, records a PENDING document and queues its
// extraction.
func (s *DocumentService) Upload(ctx context.Context, botID, filename, contentType string, data io.Reader) (*models.Document, *models.IngestionJob, error) {
	filename = path.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == "/" {
		return nil, nil, fmt.Errorf("%w: file name is required", ErrInvalidRequest)
	}
	if err := requireBot(ctx, s.db, botID); err != nil {
		return nil, nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	docID := uuid.NewString()
	key := s.objectKey(botID, docID, filename)
	if _, err := s.storage.UploadFile(ctx, s.bucket, key, data, contentType); err != nil {
		return nil, nil, fmt.Errorf("upload %s: %w", filename, err)
	}

	doc := &models.Document{
		ID:          docID,
		BotID:       botID,
		FileName:    filename,
		StorageKey:  key,
		ContentType: contentType,
		Status:      models.StatusPending,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		return nil, nil, fmt.Errorf("create document: %w", err)
	}

	job, err := s.ingestor.EnqueueDocument(ctx, doc)
	if err != nil {
		err = fmt.Errorf("enqueue document %s: %w", doc.ID, err)
		markEnqueueFailed(ctx, s.db, models.SourceDocument, doc.ID, botID, err)
		doc.Status, doc.Error = models.StatusFailed, err.Error()
		return doc, nil, err
	}
	return doc, job, nil
}

func (s *DocumentService) Get(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.db.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, core.E(core.ErrNotFound, "services.GetDocument", "document "+id, nil)
	}
	return doc, nil
}

// objectKey creates a consistent S3 key layout.
func (s *DocumentService) objectKey(botID, docID, filename string) string {
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("bots", botID, "documents", docID, filename)
}

// markEnqueueFailed fails a source whose job never reached the queue, so it
// does not sit in PENDING with nothing to process it.
func markEnqueueFailed(ctx context.Context, db core.DbClient, typ models.SourceType, id, botID string, cause error) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := db.UpdateSourceStatus(bg, models.StatusUpdate{
		SourceType: typ,
		SourceID:   id,
		BotID:      botID,
		Status:     models.StatusFailed,
		Error:      cause.Error(),
		At:         time.Now(),
	}); err != nil {
		logger.FromContext(ctx).Error("mark source failed", "source_id", id, "error", err)
	}
}

func requireBot(ctx context.Context, db core.DbClient, botID string) error {
	if strings.TrimSpace(botID) == "" {
		return fmt.Errorf("%w: bot id is required", ErrInvalidRequest)
	}
	bot, err := db.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("load bot %s: %w", botID, err)
	}
	if bot == nil {
		return core.E(core.ErrNotFound, "services.requireBot", "bot "+botID, nil)
	}
	return nil
}
