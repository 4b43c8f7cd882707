package ingestion_engine

import (
	"time"

	"github.com/markdave123-py/botforge/internal/models"
)

// IngestConfig tunes the pipeline.
//
// Workers:            concurrent worker loops per stage queue.
// JobAttempts:        attempts per job; only retryable errors are retried.
// JobBackoff:         base delay before a retry, doubled per attempt.
// JobTimeout:         upper bound on one job attempt.
// EmbedBatchSize:     chunks per embedding provider call.
// StallWindow:        an active job silent for this long is marked stalled.
// StallCheckInterval: how often active jobs are checked for stalls.
// CleanupSchedule:    cron expression for the retention sweep.
// CompletedRetention: completed jobs older than this are purged.
// FailedRetention:    failed and stalled jobs older than this are purged.
type IngestConfig struct {
	Workers            map[models.QueueName]int
	JobAttempts        int
	JobBackoff         time.Duration
	JobTimeout         time.Duration
	EmbedBatchSize     int
	StallWindow        time.Duration
	StallCheckInterval time.Duration
	CleanupSchedule    string
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// DefaultIngestConfig returns the settings used when none are configured.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Workers: map[models.QueueName]int{
			models.QueueDocument:    2,
			models.QueueWebScraping: 2,
			models.QueueEmbedding:   2,
			models.QueueReindex:     1,
		},
		JobAttempts:        3,
		JobBackoff:         5 * time.Second,
		JobTimeout:         10 * time.Minute,
		EmbedBatchSize:     50,
		StallWindow:        5 * time.Minute,
		StallCheckInterval: 30 * time.Second,
		CleanupSchedule:    "@hourly",
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	}
}

// withDefaults fills zero fields from DefaultIngestConfig.
func (c IngestConfig) withDefaults() IngestConfig {
	d := DefaultIngestConfig()
	if c.Workers == nil {
		c.Workers = d.Workers
	}
	if c.JobAttempts <= 0 {
		c.JobAttempts = d.JobAttempts
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = d.EmbedBatchSize
	}
	if c.StallWindow <= 0 {
		c.StallWindow = d.StallWindow
	}
	if c.StallCheckInterval <= 0 {
		c.StallCheckInterval = d.StallCheckInterval
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = d.CleanupSchedule
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = d.CompletedRetention
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = d.FailedRetention
	}
	return c
}
