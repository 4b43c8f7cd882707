package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/botforge/internal/core"
)

func TestOpenAIEmbedderOrdersAndNormalises(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"first", "second"}, req.Input)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 2]},
				{"object": "embedding", "index": 0, "embedding": [3, 4]}
			],
			"usage": {"prompt_tokens": 2, "total_tokens": 2}
		}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder("test-key", "", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, e.Name())

	vecs, err := e.EmbedTexts(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, vecs[0], 1e-6)
	assert.InDeltaSlice(t, []float32{0, 1}, vecs[1], 1e-6)
}

func TestOpenAIEmbedderCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder("test-key", "", srv.URL)
	require.NoError(t, err)
	_, err = e.EmbedTexts(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func TestEmbeddersRequireKeys(t *testing.T) {
	_, err := NewOpenAIEmbedder("", "", "")
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	_, err = NewGeminiEmbedder(context.Background(), "", "")
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestEmptyInputSkipsCall(t *testing.T) {
	e, err := NewOpenAIEmbedder("test-key", "", "http://127.0.0.1:1")
	require.NoError(t, err)
	vecs, err := e.EmbedTexts(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
