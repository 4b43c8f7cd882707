package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/core/chunker"
	"github.com/markdave123-py/botforge/internal/logger"
	"github.com/markdave123-py/botforge/internal/models"
)

// extraction is what an extraction stage hands to the shared tail: the text
// and the source it belongs to.
type extraction struct {
	botID       string
	sourceID    string
	sourceType  models.SourceType
	contentType string
	text        string
	extra       map[string]string
}

func (p *IngestionPipeline) processDocument(ctx context.Context, job *models.IngestionJob) (*models.ExtractionResult, error) {
	const op = "ingestion.processDocument"
	var payload models.DocumentJobPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}

	doc, err := p.db.GetDocumentByID(ctx, payload.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", payload.DocumentID, err)
	}
	if doc == nil {
		return nil, core.E(core.ErrNotFound, op, "document "+payload.DocumentID, nil)
	}

	upd := models.StatusUpdate{SourceType: models.SourceDocument, SourceID: doc.ID, BotID: doc.BotID}
	if err := p.setStatus(ctx, upd, models.StatusProcessing); err != nil {
		return nil, err
	}
	p.progress(ctx, job, 10)

	result, err := p.extractAndChunk(ctx, job, p.documents, core.SourceLocator{
		SourceID:    doc.ID,
		SourceType:  models.SourceDocument,
		URI:         doc.StorageKey,
		ContentType: doc.ContentType,
	}, doc.BotID, map[string]string{"file_name": doc.FileName}, nil)
	if err != nil {
		p.markFailed(ctx, upd, err)
		return nil, err
	}
	return result, nil
}

func (p *IngestionPipeline) processWebsite(ctx context.Context, job *models.IngestionJob) (*models.ExtractionResult, error) {
	const op = "ingestion.processWebsite"
	var payload models.WebsiteJobPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}

	site, err := p.db.GetWebsiteByID(ctx, payload.WebsiteID)
	if err != nil {
		return nil, fmt.Errorf("load website %s: %w", payload.WebsiteID, err)
	}
	if site == nil {
		return nil, core.E(core.ErrNotFound, op, "website "+payload.WebsiteID, nil)
	}

	upd := models.StatusUpdate{SourceType: models.SourceWebsite, SourceID: site.ID, BotID: site.BotID}
	if err := p.setStatus(ctx, upd, models.StatusProcessing); err != nil {
		return nil, err
	}
	p.progress(ctx, job, 10)

	scraped := p.now()
	result, err := p.extractAndChunk(ctx, job, p.websites, core.SourceLocator{
		SourceID:   site.ID,
		SourceType: models.SourceWebsite,
		URI:        site.URL,
	}, site.BotID, map[string]string{"url": site.URL}, &scraped)
	if err != nil {
		p.markFailed(ctx, upd, err)
		return nil, err
	}
	return result, nil
}

// extractAndChunk is the tail shared by both extraction stages. The source
// only reaches COMPLETED after its chunk set is stored, and the embedding job
// is only enqueued after that.
func (p *IngestionPipeline) extractAndChunk(ctx context.Context, job *models.IngestionJob, ex core.Extractor, loc core.SourceLocator, botID string, extra map[string]string, scraped *time.Time) (*models.ExtractionResult, error) {
	const op = "ingestion.extract"
	log := logger.FromContext(ctx).With("source_id", loc.SourceID, "source_type", loc.SourceType, "bot_id", botID)

	out, err := ex.ExtractText(ctx, loc)
	if err != nil {
		if !errors.Is(err, core.ErrExtraction) {
			err = core.E(core.ErrExtraction, op, string(loc.SourceType)+" "+loc.SourceID, err)
		}
		return nil, err
	}
	p.progress(ctx, job, 50)

	cfg, err := p.db.GetBotConfig(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("load bot config %s: %w", botID, err)
	}

	meta := chunker.Meta{
		SourceID:    loc.SourceID,
		SourceType:  loc.SourceType,
		ContentType: out.ContentType,
		Extra:       map[string]string{"bot_id": botID},
	}
	for k, v := range out.Metadata {
		meta.Extra[k] = v
	}
	for k, v := range extra {
		if v != "" {
			meta.Extra[k] = v
		}
	}

	chunked, err := p.chunker.ChunkDocument(out.Text, meta, chunker.Options{Adaptive: cfg != nil && cfg.AdaptiveChunking})
	if err != nil {
		return nil, err
	}
	p.progress(ctx, job, 80)

	ref, err := p.content.SaveChunks(ctx, loc.SourceType, loc.SourceID, chunked.Chunks)
	if err != nil {
		return nil, fmt.Errorf("save chunks of %s: %w", loc.SourceID, err)
	}

	upd := models.StatusUpdate{
		SourceType:  loc.SourceType,
		SourceID:    loc.SourceID,
		BotID:       botID,
		ContentRef:  ref,
		LastScraped: scraped,
	}
	if err := p.setStatus(ctx, upd, models.StatusCompleted); err != nil {
		return nil, err
	}

	if _, err := p.EnqueueEmbedding(ctx, models.EmbeddingJobPayload{
		BotID:      botID,
		SourceID:   loc.SourceID,
		SourceType: loc.SourceType,
		Chunks:     chunked.Chunks,
	}); err != nil {
		return nil, fmt.Errorf("enqueue embedding of %s: %w", loc.SourceID, err)
	}
	p.progress(ctx, job, 100)

	log.Info("source extracted", "strategy", chunked.Config.Name, "chunks", len(chunked.Chunks), "content_ref", ref)
	return &models.ExtractionResult{
		Success:    true,
		ContentRef: ref,
		ChunkCount: len(chunked.Chunks),
		Strategy:   chunked.Config.Name,
	}, nil
}

func (p *IngestionPipeline) processEmbedding(ctx context.Context, job *models.IngestionJob) (*models.EmbeddingResult, error) {
	var payload models.EmbeddingJobPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}

	count, err := p.embed(ctx, job, payload)
	if err != nil {
		// A source whose embedding job will not run again must not look usable.
		if !core.IsRetryable(err) || job.AttemptsMade >= job.MaxAttempts {
			p.markFailed(ctx, models.StatusUpdate{
				SourceType: payload.SourceType,
				SourceID:   payload.SourceID,
				BotID:      payload.BotID,
			}, err)
		}
		return nil, err
	}
	return &models.EmbeddingResult{Success: true, EmbeddingCount: count}, nil
}

func (p *IngestionPipeline) embed(ctx context.Context, job *models.IngestionJob, payload models.EmbeddingJobPayload) (int, error) {
	const op = "ingestion.embed"
	log := logger.FromContext(ctx).With("bot_id", payload.BotID, "source_id", payload.SourceID)

	cfg, err := p.db.GetBotConfig(ctx, payload.BotID)
	if err != nil {
		return 0, fmt.Errorf("load bot config %s: %w", payload.BotID, err)
	}
	if cfg == nil || cfg.EmbeddingProvider == "" {
		return 0, core.E(core.ErrConfiguration, op, "no embedding configuration for bot "+payload.BotID, nil)
	}
	// Chunk ids depend on the strategy, so vectors from an earlier chunk set
	// of this source would not be overwritten.
	if err := p.gateway.ClearSourceEmbeddings(ctx, payload.BotID, payload.SourceID); err != nil {
		return 0, err
	}
	if len(payload.Chunks) == 0 {
		p.progress(ctx, job, 100)
		return 0, nil
	}

	batch := p.cfg.EmbedBatchSize
	stored := 0
	for start := 0; start < len(payload.Chunks); start += batch {
		end := min(start+batch, len(payload.Chunks))
		chunks := payload.Chunks[start:end]
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.Content
		}

		vectors, err := p.gateway.GenerateEmbeddings(ctx, texts, cfg.EmbeddingProvider, batch)
		if err == nil {
			err = p.gateway.StoreEmbeddings(ctx, payload.BotID, chunks, vectors)
		}
		if err != nil {
			if stored > 0 {
				if cerr := p.gateway.ClearSourceEmbeddings(ctx, payload.BotID, payload.SourceID); cerr != nil {
					log.Error("clear partial embeddings failed", "error", cerr)
				}
			}
			return 0, err
		}
		stored += len(chunks)
		p.progress(ctx, job, stored*100/len(payload.Chunks))
	}

	p.metrics.EmbeddingsWritten(cfg.EmbeddingProvider, stored)
	log.Info("embeddings stored", "provider", cfg.EmbeddingProvider, "count", stored)
	return stored, nil
}

func (p *IngestionPipeline) processReindex(ctx context.Context, job *models.IngestionJob) (*models.ReindexResult, error) {
	const op = "ingestion.processReindex"
	var payload models.ReindexJobPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With("bot_id", payload.BotID)

	bot, err := p.db.GetBot(ctx, payload.BotID)
	if err != nil {
		return nil, fmt.Errorf("load bot %s: %w", payload.BotID, err)
	}
	if bot == nil {
		return nil, core.E(core.ErrNotFound, op, "bot "+payload.BotID, nil)
	}

	if err := p.gateway.ClearEmbeddings(ctx, bot.ID); err != nil {
		return nil, err
	}
	p.progress(ctx, job, 20)

	docs, err := p.db.ListDocumentsByBot(ctx, bot.ID, models.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list documents of %s: %w", bot.ID, err)
	}
	sites, err := p.db.ListWebsitesByBot(ctx, bot.ID, models.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list websites of %s: %w", bot.ID, err)
	}

	type source struct {
		id  string
		typ models.SourceType
		ref string
	}
	sources := make([]source, 0, len(docs)+len(sites))
	for _, d := range docs {
		sources = append(sources, source{d.ID, models.SourceDocument, d.ContentRef})
	}
	for _, s := range sites {
		sources = append(sources, source{s.ID, models.SourceWebsite, s.ContentRef})
	}

	result := &models.ReindexResult{Success: true}
	for i, src := range sources {
		if src.ref == "" {
			log.Warn("completed source has no content ref, skipping", "source_id", src.id)
			result.SourcesSkipped++
			continue
		}
		chunks, err := p.content.LoadChunks(ctx, src.ref)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("load chunks of %s: %w", src.id, err)
		}
		if len(chunks) == 0 {
			log.Warn("chunk set unavailable, skipping", "source_id", src.id, "content_ref", src.ref, "error", err)
			result.SourcesSkipped++
			continue
		}
		if _, err := p.EnqueueEmbedding(ctx, models.EmbeddingJobPayload{
			BotID:      bot.ID,
			SourceID:   src.id,
			SourceType: src.typ,
			Chunks:     chunks,
		}); err != nil {
			return nil, fmt.Errorf("enqueue embedding of %s: %w", src.id, err)
		}
		result.SourcesRequeued++
		p.progress(ctx, job, 20+(i+1)*80/len(sources))
	}
	p.progress(ctx, job, 100)

	log.Info("bot reindexed", "requeued", result.SourcesRequeued, "skipped", result.SourcesSkipped)
	return result, nil
}

// setStatus writes a status transition and publishes it. Publishing is best
// effort; the record is the source of truth.
func (p *IngestionPipeline) setStatus(ctx context.Context, upd models.StatusUpdate, status models.SourceStatus) error {
	upd.Status = status
	upd.At = p.now()
	if err := p.db.UpdateSourceStatus(ctx, upd); err != nil {
		return fmt.Errorf("set %s %s to %s: %w", upd.SourceType, upd.SourceID, status, err)
	}
	if err := p.publisher.PublishStatus(ctx, upd); err != nil {
		logger.FromContext(ctx).Warn("publish status failed", "source_id", upd.SourceID, "status", status, "error", err)
	}
	return nil
}

// markFailed records cause on the source. It runs on a fresh context so a
// timed-out job still leaves its source FAILED.
func (p *IngestionPipeline) markFailed(ctx context.Context, upd models.StatusUpdate, cause error) {
	upd.Error = core.Reason(cause)
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.setStatus(bg, upd, models.StatusFailed); err != nil {
		logger.FromContext(ctx).Error("mark source failed", "source_id", upd.SourceID, "error", err, "cause", cause)
	}
}
