package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/models"
)

var (
	_ core.DbClient    = (*MemoryStore)(nil)
	_ core.VectorStore = (*MemoryStore)(nil)
)

// MemoryStore is an in-process DbClient and VectorStore for local runs
// without Postgres and for tests. Values are copied in and out.
type MemoryStore struct {
	mu         sync.RWMutex
	bots       map[string]models.Bot
	configs    map[string]models.BotConfig
	documents  map[string]models.Document
	websites   map[string]models.Website
	embeddings map[string]map[string]models.EmbeddingRecord // bot -> chunk -> record
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:       make(map[string]models.Bot),
		configs:    make(map[string]models.BotConfig),
		documents:  make(map[string]models.Document),
		websites:   make(map[string]models.Website),
		embeddings: make(map[string]map[string]models.EmbeddingRecord),
		now:        time.Now,
	}
}

// PutBot inserts or replaces a bot and, when cfg is non-nil, its config.
func (m *MemoryStore) PutBot(bot models.Bot, cfg *models.BotConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[bot.ID] = bot
	if cfg != nil {
		c := *cfg
		c.BotID = bot.ID
		m.configs[bot.ID] = c
	}
}

// DeleteBotConfig removes a bot's config, leaving the bot in place.
func (m *MemoryStore) DeleteBotConfig(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, botID)
}

func (m *MemoryStore) GetBot(_ context.Context, id string) (*models.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryStore) GetBotConfig(_ context.Context, botID string) (*models.BotConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configs[botID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) CreateDocument(_ context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	d := *doc
	m.stamp(&d.CreatedAt, &d.UpdatedAt)
	m.documents[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *MemoryStore) ListDocumentsByBot(_ context.Context, botID string, status models.SourceStatus) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Document
	for _, d := range m.documents {
		if d.BotID == botID && (status == "" || d.Status == status) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateWebsite(_ context.Context, site *models.Website) error {
	if site == nil {
		return errors.New("nil website")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.websites[site.ID]; ok {
		return fmt.Errorf("website %s already exists", site.ID)
	}
	w := *site
	m.stamp(&w.CreatedAt, &w.UpdatedAt)
	m.websites[w.ID] = w
	return nil
}

func (m *MemoryStore) GetWebsiteByID(_ context.Context, id string) (*models.Website, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.websites[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *MemoryStore) ListWebsitesByBot(_ context.Context, botID string, status models.SourceStatus) ([]models.Website, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Website
	for _, w := range m.websites {
		if w.BotID == botID && (status == "" || w.Status == status) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateSourceStatus(_ context.Context, upd models.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	switch upd.SourceType {
	case models.SourceDocument:
		d, ok := m.documents[upd.SourceID]
		if !ok {
			break
		}
		d.Status, d.Error, d.UpdatedAt = upd.Status, upd.Error, now
		if upd.ContentRef != "" {
			d.ContentRef = upd.ContentRef
		}
		m.documents[d.ID] = d
		return nil
	case models.SourceWebsite:
		w, ok := m.websites[upd.SourceID]
		if !ok {
			break
		}
		w.Status, w.Error, w.UpdatedAt = upd.Status, upd.Error, now
		if upd.ContentRef != "" {
			w.ContentRef = upd.ContentRef
		}
		if upd.LastScraped != nil {
			t := *upd.LastScraped
			w.LastScraped = &t
		}
		m.websites[w.ID] = w
		return nil
	default:
		return fmt.Errorf("unknown source type %q", upd.SourceType)
	}
	return core.E(core.ErrNotFound, "db.UpdateSourceStatus", fmt.Sprintf("%s %s", upd.SourceType, upd.SourceID), nil)
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) UpsertEmbeddings(_ context.Context, records []models.EmbeddingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		byChunk, ok := m.embeddings[r.BotID]
		if !ok {
			byChunk = make(map[string]models.EmbeddingRecord)
			m.embeddings[r.BotID] = byChunk
		}
		r.Embedding = append([]float32(nil), r.Embedding...)
		byChunk[r.ChunkID] = r
	}
	return nil
}

func (m *MemoryStore) DeleteBotEmbeddings(_ context.Context, botID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.embeddings[botID]))
	delete(m.embeddings, botID)
	return n, nil
}

func (m *MemoryStore) DeleteSourceEmbeddings(_ context.Context, botID, sourceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.embeddings[botID] {
		if r.SourceID == sourceID {
			delete(m.embeddings[botID], id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountBotEmbeddings(_ context.Context, botID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.embeddings[botID])), nil
}

// Embeddings returns the bot's records ordered by source and chunk index.
func (m *MemoryStore) Embeddings(botID string) []models.EmbeddingRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.EmbeddingRecord, 0, len(m.embeddings[botID]))
	for _, r := range m.embeddings[botID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out
}

// stamp must be called with m.mu held.
func (m *MemoryStore) stamp(created, updated *time.Time) {
	now := m.now()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
}
