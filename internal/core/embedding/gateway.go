// Package embedding implements the gateway between the pipeline, the
// embedding providers and the vector store.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/logger"
	"github.com/markdave123-py/botforge/internal/metrics"
	"github.com/markdave123-py/botforge/internal/models"
)

// DefaultBatchSize is the number of texts sent per provider call.
const DefaultBatchSize = 50

var _ core.EmbeddingGateway = (*Gateway)(nil)

// Gateway dispatches texts to a named provider in batches and owns every
// write and delete against the vector store.
type Gateway struct {
	providers map[string]core.EmbeddingProvider
	store     core.VectorStore
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Gateway)

// WithProvider registers p under p.Name().
func WithProvider(p core.EmbeddingProvider) Option {
	return func(g *Gateway) {
		if p != nil {
			g.providers[p.Name()] = p
		}
	}
}

// WithRateLimit caps provider calls per second across all providers. A
// non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGateway(store core.VectorStore, opts ...Option) *Gateway {
	g := &Gateway{
		providers: make(map[string]core.EmbeddingProvider),
		store:     store,
		logger:    logger.WithComponent("embedding-gateway"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Providers lists registered provider names in sorted order.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.providers))
	for n := range g.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GenerateEmbeddings embeds texts with provider, batchSize texts per call,
// and returns one vector per text in input order.
func (g *Gateway) GenerateEmbeddings(ctx context.Context, texts []string, provider string, batchSize int) ([][]float32, error) {
	const op = "embedding.GenerateEmbeddings"
	p, ok := g.providers[provider]
	if !ok {
		return nil, core.E(core.ErrConfiguration, op, fmt.Sprintf("unknown embedding provider %q", provider), nil)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, core.E(core.ErrGateway, op, "rate limiter", err)
			}
		}

		began := g.now()
		vecs, err := p.EmbedTexts(ctx, texts[start:end])
		g.metrics.EmbeddingBatch(provider, g.now().Sub(began))
		if err != nil {
			return nil, core.E(core.ErrGateway, op, fmt.Sprintf("%s batch %d-%d", provider, start, end), err)
		}
		if len(vecs) != end-start {
			return nil, core.E(core.ErrGateway, op,
				fmt.Sprintf("%s returned %d vectors for %d texts", provider, len(vecs), end-start), nil)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// StoreEmbeddings upserts one record per chunk keyed by (botID, chunk id).
func (g *Gateway) StoreEmbeddings(ctx context.Context, botID string, chunks []models.Chunk, vectors [][]float32) error {
	const op = "embedding.StoreEmbeddings"
	if len(chunks) != len(vectors) {
		return core.E(core.ErrGateway, op, fmt.Sprintf("%d chunks but %d vectors", len(chunks), len(vectors)), nil)
	}
	if len(chunks) == 0 {
		return nil
	}

	now := g.now()
	records := make([]models.EmbeddingRecord, len(chunks))
	for i, ch := range chunks {
		records[i] = models.EmbeddingRecord{
			BotID:      botID,
			ChunkID:    ch.ID,
			SourceID:   ch.SourceID,
			SourceType: ch.SourceType,
			ChunkIndex: ch.ChunkIndex,
			Content:    ch.Content,
			Metadata:   recordMetadata(ch),
			Embedding:  vectors[i],
			CreatedAt:  now,
		}
	}
	if err := g.store.UpsertEmbeddings(ctx, records); err != nil {
		return core.E(core.ErrGateway, op, "upsert embeddings", err)
	}
	return nil
}

// ClearEmbeddings removes every stored vector of botID.
func (g *Gateway) ClearEmbeddings(ctx context.Context, botID string) error {
	n, err := g.store.DeleteBotEmbeddings(ctx, botID)
	if err != nil {
		return core.E(core.ErrGateway, "embedding.ClearEmbeddings", "bot "+botID, err)
	}
	g.logger.Info("cleared bot embeddings", "bot_id", botID, "deleted", n)
	return nil
}

// ClearSourceEmbeddings removes the vectors of one source of botID.
func (g *Gateway) ClearSourceEmbeddings(ctx context.Context, botID, sourceID string) error {
	n, err := g.store.DeleteSourceEmbeddings(ctx, botID, sourceID)
	if err != nil {
		return core.E(core.ErrGateway, "embedding.ClearSourceEmbeddings", "source "+sourceID, err)
	}
	if n > 0 {
		g.logger.Info("cleared source embeddings", "bot_id", botID, "source_id", sourceID, "deleted", n)
	}
	return nil
}

func recordMetadata(ch models.Chunk) map[string]string {
	md := make(map[string]string, len(ch.Metadata)+5)
	for k, v := range ch.Metadata {
		md[k] = v
	}
	md["strategy"] = ch.StrategyName
	md["total_chunks"] = strconv.Itoa(ch.TotalChunks)
	md["start_char"] = strconv.Itoa(ch.StartChar)
	md["end_char"] = strconv.Itoa(ch.EndChar)
	md["position_exact"] = strconv.FormatBool(ch.PositionExact)
	return md
}
