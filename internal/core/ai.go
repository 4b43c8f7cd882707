package core

import (
	"context"

	"github.com/markdave123-py/botforge/internal/models"
)

// EmbeddingProvider turns texts into vectors, one per input, in order.
type EmbeddingProvider interface {
	Name() string
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingGateway batches chunk text through a provider and owns the
// vector-store writes for a bot.
type EmbeddingGateway interface {
	GenerateEmbeddings(ctx context.Context, texts []string, provider string, batchSize int) ([][]float32, error)
	StoreEmbeddings(ctx context.Context, botID string, chunks []models.Chunk, vectors [][]float32) error
	ClearEmbeddings(ctx context.Context, botID string) error
	ClearSourceEmbeddings(ctx context.Context, botID, sourceID string) error
}
