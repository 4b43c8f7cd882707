package objectclient

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/models"
)

type memObjects struct {
	files map[string][]byte
	types map[string]string
}

func newMemObjects() *memObjects {
	return &memObjects{files: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) UploadFile(_ context.Context, bucket, key string, data io.Reader, contentType string) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	m.files[bucket+"/"+key] = b
	m.types[bucket+"/"+key] = contentType
	return "mem://" + bucket + "/" + key, nil
}

func (m *memObjects) DeleteFile(_ context.Context, bucket, key string) error {
	delete(m.files, bucket+"/"+key)
	return nil
}

func (m *memObjects) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	b, ok := m.files[bucket+"/"+key]
	if !ok {
		return nil, core.E(core.ErrNotFound, "mem.GetFile", key, nil)
	}
	return b, nil
}

func TestChunkStoreRoundTrip(t *testing.T) {
	objs := newMemObjects()
	store := NewChunkStore(objs, "botforge")
	ctx := context.Background()

	chunks := []models.Chunk{
		{ID: "w1_web_chunk_0", SourceID: "w1", SourceType: models.SourceWebsite, ChunkIndex: 0, TotalChunks: 2, Content: "first", StrategyName: "web"},
		{ID: "w1_web_chunk_1", SourceID: "w1", SourceType: models.SourceWebsite, ChunkIndex: 1, TotalChunks: 2, Content: "second", StrategyName: "web"},
	}
	ref, err := store.SaveChunks(ctx, models.SourceWebsite, "w1", chunks)
	require.NoError(t, err)
	assert.Equal(t, "content/website/w1/chunks.json", ref)
	assert.Equal(t, "application/json", objs.types["botforge/"+ref])

	loaded, err := store.LoadChunks(ctx, ref)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "second", loaded[1].Content)
	assert.Equal(t, "w1_web_chunk_1", loaded[1].ID)
}

func TestChunkStoreLoadErrors(t *testing.T) {
	store := NewChunkStore(newMemObjects(), "botforge")
	ctx := context.Background()

	_, err := store.LoadChunks(ctx, "")
	assert.True(t, errors.Is(err, core.ErrNotFound))

	_, err = store.LoadChunks(ctx, "content/document/nope/chunks.json")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}
