package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/models"
)

func TestMemoryStoreSources(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.PutBot(models.Bot{ID: "bot-1", Name: "Support"}, &models.BotConfig{EmbeddingProvider: "openai"})

	cfg, err := m.GetBotConfig(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "bot-1", cfg.BotID)

	missing, err := m.GetBotConfig(ctx, "bot-2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, m.CreateDocument(ctx, &models.Document{ID: "d1", BotID: "bot-1", Status: models.StatusPending}))
	require.Error(t, m.CreateDocument(ctx, &models.Document{ID: "d1", BotID: "bot-1"}))
	require.NoError(t, m.CreateWebsite(ctx, &models.Website{ID: "w1", BotID: "bot-1", URL: "https://example.com", Status: models.StatusPending}))

	require.NoError(t, m.UpdateSourceStatus(ctx, models.StatusUpdate{
		SourceType: models.SourceDocument, SourceID: "d1", Status: models.StatusCompleted, ContentRef: "content/document/d1/chunks.json",
	}))
	scraped := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.UpdateSourceStatus(ctx, models.StatusUpdate{
		SourceType: models.SourceWebsite, SourceID: "w1", Status: models.StatusFailed, Error: "timeout", LastScraped: &scraped,
	}))

	done, err := m.ListDocumentsByBot(ctx, "bot-1", models.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "content/document/d1/chunks.json", done[0].ContentRef)

	site, err := m.GetWebsiteByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "timeout", site.Error)
	assert.Equal(t, scraped, *site.LastScraped)

	sites, err := m.ListWebsitesByBot(ctx, "bot-1", models.StatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, sites)

	err = m.UpdateSourceStatus(ctx, models.StatusUpdate{SourceType: models.SourceDocument, SourceID: "nope", Status: models.StatusFailed})
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestMemoryStoreEmbeddingsUpsert(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	rec := func(chunk, source string) models.EmbeddingRecord {
		return models.EmbeddingRecord{BotID: "b", ChunkID: chunk, SourceID: source, Embedding: []float32{1}}
	}

	require.NoError(t, m.UpsertEmbeddings(ctx, []models.EmbeddingRecord{rec("c0", "s1"), rec("c1", "s1"), rec("c0", "s1")}))
	require.NoError(t, m.UpsertEmbeddings(ctx, []models.EmbeddingRecord{rec("x0", "s2")}))
	n, _ := m.CountBotEmbeddings(ctx, "b")
	assert.Equal(t, int64(3), n)

	deleted, err := m.DeleteSourceEmbeddings(ctx, "b", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	deleted, err = m.DeleteBotEmbeddings(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Empty(t, m.Embeddings("b"))
}
