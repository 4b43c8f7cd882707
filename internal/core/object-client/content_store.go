package objectclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/models"
)

const contentPrefix = "content/"

var _ core.ContentStore = (*ChunkStore)(nil)

// ChunkStore keeps each source's chunk set as one JSON object. The object
// key doubles as the contentRef written on the source record.
type ChunkStore struct {
	objects core.ObjectClient
	bucket  string
	now     func() time.Time
}

func NewChunkStore(objects core.ObjectClient, bucket string) *ChunkStore {
	return &ChunkStore{objects: objects, bucket: bucket, now: time.Now}
}

type chunkSet struct {
	SourceType models.SourceType `json:"source_type"`
	SourceID   string            `json:"source_id"`
	SavedAt    time.Time         `json:"saved_at"`
	Chunks     []models.Chunk    `json:"chunks"`
}

// ContentRef is the key a chunk set for the source is saved under.
func ContentRef(sourceType models.SourceType, sourceID string) string {
	return fmt.Sprintf("%s%s/%s/chunks.json", contentPrefix, sourceType, sourceID)
}

func (s *ChunkStore) SaveChunks(ctx context.Context, sourceType models.SourceType, sourceID string, chunks []models.Chunk) (string, error) {
	data, err := json.Marshal(chunkSet{
		SourceType: sourceType,
		SourceID:   sourceID,
		SavedAt:    s.now(),
		Chunks:     chunks,
	})
	if err != nil {
		return "", fmt.Errorf("encode chunk set: %w", err)
	}
	ref := ContentRef(sourceType, sourceID)
	if _, err := s.objects.UploadFile(ctx, s.bucket, ref, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("save chunk set %s: %w", ref, err)
	}
	return ref, nil
}

func (s *ChunkStore) LoadChunks(ctx context.Context, contentRef string) ([]models.Chunk, error) {
	if !strings.HasPrefix(contentRef, contentPrefix) {
		return nil, core.E(core.ErrNotFound, "objectclient.LoadChunks", fmt.Sprintf("invalid content ref %q", contentRef), nil)
	}
	data, err := s.objects.GetFile(ctx, s.bucket, contentRef)
	if err != nil {
		return nil, fmt.Errorf("load chunk set %s: %w", contentRef, err)
	}
	var set chunkSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode chunk set %s: %w", contentRef, err)
	}
	return set.Chunks, nil
}
