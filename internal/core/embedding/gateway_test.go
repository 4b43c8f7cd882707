package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/models"
)

type stubProvider struct {
	name    string
	calls   [][]string
	failAt  int
	short   bool
	callsMu sync.Mutex
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	p.callsMu.Lock()
	p.calls = append(p.calls, append([]string(nil), texts...))
	n := len(p.calls)
	p.callsMu.Unlock()

	if p.failAt > 0 && n == p.failAt {
		return nil, errors.New("upstream 503")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	if p.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

type recordingStore struct {
	upserts []models.EmbeddingRecord
	err     error
	deleted []string
}

func (s *recordingStore) UpsertEmbeddings(_ context.Context, recs []models.EmbeddingRecord) error {
	if s.err != nil {
		return s.err
	}
	s.upserts = append(s.upserts, recs...)
	return nil
}

func (s *recordingStore) DeleteBotEmbeddings(_ context.Context, botID string) (int64, error) {
	s.deleted = append(s.deleted, "bot:"+botID)
	return int64(len(s.upserts)), s.err
}

func (s *recordingStore) DeleteSourceEmbeddings(_ context.Context, botID, sourceID string) (int64, error) {
	s.deleted = append(s.deleted, "source:"+sourceID)
	return 0, s.err
}

func (s *recordingStore) CountBotEmbeddings(context.Context, string) (int64, error) {
	return int64(len(s.upserts)), nil
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("text-%03d", i)
	}
	return out
}

func TestGenerateEmbeddingsBatches(t *testing.T) {
	p := &stubProvider{name: "stub"}
	g := NewGateway(&recordingStore{}, WithProvider(p))

	vecs, err := g.GenerateEmbeddings(context.Background(), texts(120), "stub", 0)
	require.NoError(t, err)
	assert.Len(t, vecs, 120)

	require.Len(t, p.calls, 3)
	assert.Len(t, p.calls[0], DefaultBatchSize)
	assert.Len(t, p.calls[1], DefaultBatchSize)
	assert.Len(t, p.calls[2], 20)
	assert.Equal(t, "text-050", p.calls[1][0])
}

func TestGenerateEmbeddingsErrors(t *testing.T) {
	ctx := context.Background()

	g := NewGateway(&recordingStore{})
	_, err := g.GenerateEmbeddings(ctx, texts(1), "missing", 10)
	assert.True(t, errors.Is(err, core.ErrConfiguration))
	assert.False(t, core.IsRetryable(err))

	failing := &stubProvider{name: "stub", failAt: 2}
	g = NewGateway(&recordingStore{}, WithProvider(failing))
	_, err = g.GenerateEmbeddings(ctx, texts(25), "stub", 10)
	assert.True(t, errors.Is(err, core.ErrGateway))
	assert.True(t, core.IsRetryable(err))

	short := &stubProvider{name: "stub", short: true}
	g = NewGateway(&recordingStore{}, WithProvider(short))
	_, err = g.GenerateEmbeddings(ctx, texts(3), "stub", 10)
	assert.True(t, errors.Is(err, core.ErrGateway))
}

func TestGenerateEmbeddingsRateLimited(t *testing.T) {
	p := &stubProvider{name: "stub"}
	g := NewGateway(&recordingStore{}, WithProvider(p), WithRateLimit(1000, 1))

	vecs, err := g.GenerateEmbeddings(context.Background(), texts(5), "stub", 1)
	require.NoError(t, err)
	assert.Len(t, vecs, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.GenerateEmbeddings(ctx, texts(5), "stub", 1)
	assert.True(t, errors.Is(err, core.ErrGateway))
}

func TestStoreEmbeddings(t *testing.T) {
	store := &recordingStore{}
	g := NewGateway(store)
	chunks := []models.Chunk{
		{ID: "doc_faq_chunk_0", SourceID: "doc", SourceType: models.SourceDocument, ChunkIndex: 0, TotalChunks: 2, Content: "a", StrategyName: "faq", Metadata: map[string]string{"file": "f.pdf"}},
		{ID: "doc_faq_chunk_1", SourceID: "doc", SourceType: models.SourceDocument, ChunkIndex: 1, TotalChunks: 2, Content: "b", StrategyName: "faq"},
	}

	require.NoError(t, g.StoreEmbeddings(context.Background(), "bot-1", chunks, [][]float32{{1}, {2}}))
	require.Len(t, store.upserts, 2)
	rec := store.upserts[0]
	assert.Equal(t, "bot-1", rec.BotID)
	assert.Equal(t, "doc_faq_chunk_0", rec.ChunkID)
	assert.Equal(t, "f.pdf", rec.Metadata["file"])
	assert.Equal(t, "faq", rec.Metadata["strategy"])
	assert.Equal(t, "2", rec.Metadata["total_chunks"])

	err := g.StoreEmbeddings(context.Background(), "bot-1", chunks, [][]float32{{1}})
	assert.True(t, errors.Is(err, core.ErrGateway))

	store.err = errors.New("connection reset")
	err = g.StoreEmbeddings(context.Background(), "bot-1", chunks, [][]float32{{1}, {2}})
	assert.True(t, errors.Is(err, core.ErrGateway))
}

func TestClearEmbeddings(t *testing.T) {
	store := &recordingStore{}
	g := NewGateway(store)
	require.NoError(t, g.ClearEmbeddings(context.Background(), "bot-1"))
	require.NoError(t, g.ClearSourceEmbeddings(context.Background(), "bot-1", "doc-9"))
	assert.Equal(t, []string{"bot:bot-1", "source:doc-9"}, store.deleted)

	store.err = errors.New("down")
	assert.True(t, errors.Is(g.ClearEmbeddings(context.Background(), "bot-1"), core.ErrGateway))
}

func TestProviders(t *testing.T) {
	g := NewGateway(&recordingStore{}, WithProvider(&stubProvider{name: "openai"}), WithProvider(&stubProvider{name: "gemini"}))
	assert.Equal(t, []string{"gemini", "openai"}, g.Providers())
}
