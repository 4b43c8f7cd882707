package ingestion_engine

import (
	"context"
	"fmt"
	"time"

	"github.com/markdave123-py/botforge/internal/models"
)

// Cleanup purges finished jobs past their retention from every queue and
// returns how many were removed.
func (p *IngestionPipeline) Cleanup(ctx context.Context) (int, error) {
	retention := map[models.JobState]time.Duration{
		models.JobCompleted: p.cfg.CompletedRetention,
		models.JobFailed:    p.cfg.FailedRetention,
		models.JobStalled:   p.cfg.FailedRetention,
	}

	total := 0
	for _, q := range models.Queues {
		for state, keep := range retention {
			n, err := p.queue.Clean(ctx, q, keep, state)
			if err != nil {
				return total, fmt.Errorf("clean %s jobs on %s: %w", state, q, err)
			}
			total += n
		}
	}
	return total, nil
}

// CheckStalled marks active jobs that stopped reporting progress as stalled.
// Stalled jobs are reported, not resumed.
func (p *IngestionPipeline) CheckStalled(ctx context.Context) ([]*models.IngestionJob, error) {
	var stalled []*models.IngestionJob
	for _, q := range models.Queues {
		jobs, err := p.queue.Stalled(ctx, q, p.cfg.StallWindow)
		if err != nil {
			return stalled, fmt.Errorf("check stalled jobs on %s: %w", q, err)
		}
		for _, job := range jobs {
			p.logger.Warn("job stalled",
				"job_id", job.ID,
				"queue", job.Queue,
				"type", job.Type,
				"attempt", job.AttemptsMade,
				"last_update", job.UpdatedAt,
			)
			p.metrics.JobStalled(string(q))
			p.publishJobEvent(ctx, job, models.JobStalled, job.FailureReason)
		}
		stalled = append(stalled, jobs...)
	}
	return stalled, nil
}

func (p *IngestionPipeline) stallLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.CheckStalled(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("stall check failed", "error", err)
			}
		}
	}
}

func (p *IngestionPipeline) cleanupLoop(ctx context.Context) {
	for {
		next := p.schedule.Next(p.now())
		if next.IsZero() {
			p.logger.Warn("cleanup schedule has no future runs", "schedule", p.cfg.CleanupSchedule)
			return
		}
		timer := time.NewTimer(next.Sub(p.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		n, err := p.Cleanup(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("job cleanup failed", "error", err, "removed", n)
			continue
		}
		p.logger.Info("job cleanup finished", "removed", n, "next", p.schedule.Next(p.now()))
	}
}
