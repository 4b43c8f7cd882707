package models

import (
	"encoding/json"
	"time"
)

// SourceType identifies what kind of record a chunk set was produced from.
type SourceType string

const (
	SourceDocument SourceType = "document"
	SourceWebsite  SourceType = "website"
)

// SourceStatus is the ingestion status of a document or website.
type SourceStatus string

const (
	StatusPending    SourceStatus = "PENDING"
	StatusProcessing SourceStatus = "PROCESSING"
	StatusCompleted  SourceStatus = "COMPLETED"
	StatusFailed     SourceStatus = "FAILED"
)

// Bot owns a knowledge base built from documents and websites.
type Bot struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// BotConfig holds the embedding settings of a bot.
type BotConfig struct {
	BotID             string    `db:"bot_id" json:"bot_id"`
	EmbeddingProvider string    `db:"embedding_provider" json:"embedding_provider"` // "openai" | "gemini"
	AdaptiveChunking  bool      `db:"adaptive_chunking" json:"adaptive_chunking"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Document represents an uploaded file.
type Document struct {
	ID          string       `db:"id" json:"id"`
	BotID       string       `db:"bot_id" json:"bot_id"`
	FileName    string       `db:"file_name" json:"file_name"`
	StorageKey  string       `db:"storage_key" json:"storage_key"` // object key inside the upload bucket
	ContentType string       `db:"content_type" json:"content_type"`
	Status      SourceStatus `db:"status" json:"status"`
	ContentRef  string       `db:"content_ref" json:"content_ref,omitempty"`
	Error       string       `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}

// Website represents a URL scraped into the knowledge base.
type Website struct {
	ID          string       `db:"id" json:"id"`
	BotID       string       `db:"bot_id" json:"bot_id"`
	URL         string       `db:"url" json:"url"`
	Status      SourceStatus `db:"status" json:"status"`
	ContentRef  string       `db:"content_ref" json:"content_ref,omitempty"`
	Error       string       `db:"error" json:"error,omitempty"`
	LastScraped *time.Time   `db:"last_scraped" json:"last_scraped,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}

// StatusUpdate is a single write to a source record's status fields.
type StatusUpdate struct {
	SourceType  SourceType   `json:"source_type"`
	SourceID    string       `json:"source_id"`
	BotID       string       `json:"bot_id,omitempty"`
	Status      SourceStatus `json:"status"`
	ContentRef  string       `json:"content_ref,omitempty"`
	Error       string       `json:"error,omitempty"`
	LastScraped *time.Time   `json:"last_scraped,omitempty"`
	At          time.Time    `json:"at"`
}

// Chunk is one retrievable segment of a source's text.
//
// StartChar and EndChar are approximate character offsets into the text the
// chunk was cut from. PositionExact is false when the chunk could not be
// located by substring search and the offsets are a best guess.
type Chunk struct {
	ID            string            `json:"id"`
	Content       string            `json:"content"`
	SourceID      string            `json:"source_id"`
	SourceType    SourceType        `json:"source_type"`
	ChunkIndex    int               `json:"chunk_index"`
	TotalChunks   int               `json:"total_chunks"`
	StartChar     int               `json:"start_char"`
	EndChar       int               `json:"end_char"`
	PositionExact bool              `json:"position_exact"`
	StrategyName  string            `json:"strategy_name"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// EmbeddingRecord is one vector row keyed by (BotID, ChunkID).
type EmbeddingRecord struct {
	BotID      string            `json:"bot_id"`
	ChunkID    string            `json:"chunk_id"`
	SourceID   string            `json:"source_id"`
	SourceType SourceType        `json:"source_type"`
	ChunkIndex int               `json:"chunk_index"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Embedding  []float32         `json:"embedding"`
	CreatedAt  time.Time         `json:"created_at"`
}

// QueueName names one pipeline stage queue.
type QueueName string

const (
	QueueDocument    QueueName = "document"
	QueueEmbedding   QueueName = "embedding"
	QueueWebScraping QueueName = "webscraping"
	QueueReindex     QueueName = "reindex"
)

// Queues lists every stage queue in pipeline order.
var Queues = []QueueName{QueueDocument, QueueWebScraping, QueueEmbedding, QueueReindex}

// ParseQueueName returns the queue for name and whether it is known.
func ParseQueueName(name string) (QueueName, bool) {
	for _, q := range Queues {
		if string(q) == name {
			return q, true
		}
	}
	return "", false
}

// Job types carried by each queue.
const (
	JobProcessDocument    = "process-document"
	JobScrapeWebsite      = "scrape-website"
	JobGenerateEmbeddings = "generate-embeddings"
	JobReindexBot         = "reindex-bot"
)

// JobState is the lifecycle state of an IngestionJob.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobStalled   JobState = "stalled"
)

// IngestionJob is one execution of a pipeline stage.
type IngestionJob struct {
	ID            string          `json:"id"`
	Queue         QueueName       `json:"queue"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	State         JobState        `json:"state"`
	Progress      int             `json:"progress"`
	AttemptsMade  int             `json:"attempts_made"`
	MaxAttempts   int             `json:"max_attempts"`
	Backoff       time.Duration   `json:"backoff,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
	RunAfter      *time.Time      `json:"run_after,omitempty"`
}

// JobProgress is the read model returned to monitoring surfaces.
type JobProgress struct {
	ID            string          `json:"id"`
	Queue         QueueName       `json:"queue"`
	Type          string          `json:"type"`
	State         JobState        `json:"state"`
	Progress      int             `json:"progress"`
	AttemptsMade  int             `json:"attempts_made"`
	Data          json.RawMessage `json:"data"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Stage payloads.

type DocumentJobPayload struct {
	DocumentID  string `json:"document_id"`
	BotID       string `json:"bot_id"`
	StorageKey  string `json:"storage_key"`
	ContentType string `json:"content_type"`
}

type WebsiteJobPayload struct {
	WebsiteID string `json:"website_id"`
	BotID     string `json:"bot_id"`
	URL       string `json:"url"`
}

type EmbeddingJobPayload struct {
	BotID      string     `json:"bot_id"`
	SourceID   string     `json:"source_id"`
	SourceType SourceType `json:"source_type"`
	Chunks     []Chunk    `json:"chunks"`
}

type ReindexJobPayload struct {
	BotID string `json:"bot_id"`
}

// Stage results.

type EmbeddingResult struct {
	Success        bool `json:"success"`
	EmbeddingCount int  `json:"embedding_count"`
}

type ExtractionResult struct {
	Success    bool   `json:"success"`
	ContentRef string `json:"content_ref"`
	ChunkCount int    `json:"chunk_count"`
	Strategy   string `json:"strategy"`
}

type ReindexResult struct {
	Success         bool `json:"success"`
	SourcesRequeued int  `json:"sources_requeued"`
	SourcesSkipped  int  `json:"sources_skipped,omitempty"`
}

// JobEvent is emitted when a job completes, fails or stalls.
type JobEvent struct {
	JobID  string    `json:"job_id"`
	Queue  QueueName `json:"queue"`
	Type   string    `json:"type"`
	State  JobState  `json:"state"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
