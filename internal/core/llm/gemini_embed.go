// Package llm holds the embedding providers the gateway dispatches to.
package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/botforge/internal/core"
)

const ProviderGemini = "gemini"

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
}

func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, core.E(core.ErrConfiguration, "llm.NewGeminiEmbedder", "GEMINI_API_KEY is not set", nil)
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if modelName == "" {
		modelName = "gemini-embedding-001"
	}
	return &GeminiEmbedder{client: cl, modelName: modelName}, nil
}

func (g *GeminiEmbedder) Name() string { return ProviderGemini }

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// EmbedTexts sends all texts in one BatchEmbedContents request.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := g.client.EmbeddingModel(g.modelName)
	em.TaskType = genai.TaskTypeRetrievalDocument

	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini batch embed: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		out = append(out, e.Values)
	}
	return out, nil
}

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)
