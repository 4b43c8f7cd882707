package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/botforge/internal/api/handlers"
	"github.com/markdave123-py/botforge/internal/config"
	"github.com/markdave123-py/botforge/internal/core"
	db "github.com/markdave123-py/botforge/internal/core/database"
	"github.com/markdave123-py/botforge/internal/core/embedding"
	"github.com/markdave123-py/botforge/internal/core/ingestion_engine"
	objectclient "github.com/markdave123-py/botforge/internal/core/object-client"
	"github.com/markdave123-py/botforge/internal/core/queue"
	"github.com/markdave123-py/botforge/internal/metrics"
	"github.com/markdave123-py/botforge/internal/models"
	"github.com/markdave123-py/botforge/internal/services"
)

type memObjects struct{ files map[string][]byte }

func (m *memObjects) UploadFile(_ context.Context, bucket, key string, data io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	m.files[bucket+"/"+key] = b
	return key, nil
}

func (m *memObjects) DeleteFile(_ context.Context, bucket, key string) error {
	delete(m.files, bucket+"/"+key)
	return nil
}

func (m *memObjects) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	b, ok := m.files[bucket+"/"+key]
	if !ok {
		return nil, core.E(core.ErrNotFound, "memObjects", key, nil)
	}
	return b, nil
}

type staticExtractor struct{}

func (staticExtractor) ExtractText(context.Context, core.SourceLocator) (*core.ExtractedText, error) {
	return &core.ExtractedText{Text: "The ferry leaves at noon."}, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store := db.NewMemoryStore()
	store.PutBot(models.Bot{ID: "bot-1", Name: "harbour"}, &models.BotConfig{EmbeddingProvider: "gemini"})
	objs := &memObjects{files: map[string][]byte{}}
	q := queue.NewMemoryQueue(16)
	t.Cleanup(func() { _ = q.Close() })

	pipeline, err := ingestion_engine.NewIngestionPipeline(ingestion_engine.Deps{
		DB:        store,
		Content:   objectclient.NewChunkStore(objs, "uploads"),
		Documents: staticExtractor{},
		Websites:  staticExtractor{},
		Gateway:   embedding.NewGateway(store),
		Queue:     q,
	}, ingestion_engine.IngestConfig{})
	require.NoError(t, err)

	return NewRouter(Handlers{
		Documents: handlers.NewDocumentHandler(services.NewDocumentService(store, objs, "uploads", pipeline)),
		Websites:  handlers.NewWebsiteHandler(services.NewWebsiteService(store, pipeline)),
		Bots:      handlers.NewBotHandler(services.NewBotService(store, pipeline)),
	}, metrics.New(prometheus.NewRegistry()), []string{"*"}, nil)
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type jobResponse struct {
	Source struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"source"`
	Job struct {
		ID    string `json:"id"`
		Queue string `json:"queue"`
	} `json:"job"`
}

func TestUploadDocumentAndQueryProgress(t *testing.T) {
	router := newTestRouter(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "timetable.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("The ferry leaves at noon."))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/bots/bot-1/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, router, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "PENDING", resp.Source.Status)
	assert.Equal(t, "document", resp.Job.Queue)

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/documents/"+resp.Source.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"file_name":"timetable.txt"`)

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/jobs/document/"+resp.Job.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var prog models.JobProgress
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&prog))
	assert.Equal(t, models.JobWaiting, prog.State)
	assert.Contains(t, string(prog.Data), resp.Source.ID)
}

func TestRouteErrors(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown queue", http.MethodGet, "/api/jobs/thumbnails/abc", "", http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/jobs/document/abc", "", http.StatusNotFound},
		{"unknown document", http.MethodGet, "/api/documents/nope", "", http.StatusNotFound},
		{"unknown website", http.MethodGet, "/api/websites/nope", "", http.StatusNotFound},
		{"bad website url", http.MethodPost, "/api/bots/bot-1/websites", `{"url":"ftp://x"}`, http.StatusBadRequest},
		{"bad website body", http.MethodPost, "/api/bots/bot-1/websites", `{`, http.StatusBadRequest},
		{"reindex unknown bot", http.MethodPost, "/api/bots/ghost/reindex", "", http.StatusNotFound},
		{"upload without file", http.MethodPost, "/api/bots/bot-1/documents", "", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rec := do(t, router, req)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestWebsiteAndReindexAccepted(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, httptest.NewRequest(http.MethodPost, "/api/bots/bot-1/websites",
		strings.NewReader(`{"url":"https://harbour.example/ferries"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "webscraping", resp.Job.Queue)

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/websites/"+resp.Source.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/api/bots/bot-1/reindex", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue":"reindex"`)
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `botforge_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestIngestConfigFrom(t *testing.T) {
	cfg := &config.Config{DocumentWorkers: 4, EmbeddingWorkers: 3, WebScrapingWorkers: 2, ReindexWorkers: 1, JobAttempts: 5, CleanupSchedule: "@daily"}
	ic := IngestConfigFrom(cfg)
	assert.Equal(t, 4, ic.Workers[models.QueueDocument])
	assert.Equal(t, 3, ic.Workers[models.QueueEmbedding])
	assert.Equal(t, 5, ic.JobAttempts)
	assert.Equal(t, "@daily", ic.CleanupSchedule)
}
