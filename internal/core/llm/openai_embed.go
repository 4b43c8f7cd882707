package llm

import (
	"context"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/markdave123-py/botforge/internal/core"
)

const ProviderOpenAI = "openai"

// OpenAIEmbedder calls the OpenAI embeddings endpoint. Vectors are L2
// normalised so cosine and inner-product search agree.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder builds an embedder. baseURL may point at any
// OpenAI-compatible server; empty uses the public API.
func NewOpenAIEmbedder(apiKey, model, baseURL string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, core.E(core.ErrConfiguration, "llm.NewOpenAIEmbedder", "OPENAI_API_KEY is not set", nil)
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (e *OpenAIEmbedder) Name() string { return ProviderOpenAI }

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", d.Index)
		}
		v := append([]float32(nil), d.Embedding...)
		l2normalize(v)
		out[d.Index] = v
	}
	return out, nil
}

func l2normalize(v []float32) {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(float64(sum)))
	for i := range v {
		v[i] *= inv
	}
}

var _ core.EmbeddingProvider = (*OpenAIEmbedder)(nil)
