// Package events publishes source status transitions and job outcomes to
// subscribers: Kafka in deployments, the process log otherwise.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/logger"
	"github.com/markdave123-py/botforge/internal/models"
)

var (
	_ core.StatusPublisher = (*KafkaPublisher)(nil)
	_ core.StatusPublisher = (*LogPublisher)(nil)
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes status updates to statusTopic keyed by source id, and
// job events to jobTopic keyed by job id, so each key keeps its order within
// a partition.
type KafkaPublisher struct {
	writer      messageWriter
	statusTopic string
	jobTopic    string
	logger      *slog.Logger
}

// NewKafkaPublisher creates a synchronous writer for brokers. Job events go
// to statusTopic + "-jobs".
func NewKafkaPublisher(brokers []string, statusTopic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaPublisher(w, statusTopic)
}

func newKafkaPublisher(w messageWriter, statusTopic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer:      w,
		statusTopic: statusTopic,
		jobTopic:    statusTopic + "-jobs",
		logger:      logger.WithComponent("kafka-publisher").With("topic", statusTopic),
	}
}

func (p *KafkaPublisher) PublishStatus(ctx context.Context, upd models.StatusUpdate) error {
	return p.publish(ctx, p.statusTopic, upd.SourceID, "source.status", upd)
}

func (p *KafkaPublisher) PublishJobEvent(ctx context.Context, evt models.JobEvent) error {
	return p.publish(ctx, p.jobTopic, evt.JobID, "job."+string(evt.State), evt)
}

func (p *KafkaPublisher) publish(ctx context.Context, topic, key, eventType string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(eventType)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish message", "key", key, "event_type", eventType, "error", err)
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.logger.Debug("message published", "key", key, "event_type", eventType, "value_size", len(value))
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher records events in the structured log only.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: logger.WithComponent("status")}
}

func (p *LogPublisher) PublishStatus(_ context.Context, upd models.StatusUpdate) error {
	attrs := []any{
		"source_type", upd.SourceType,
		"source_id", upd.SourceID,
		"bot_id", upd.BotID,
		"status", upd.Status,
	}
	if upd.ContentRef != "" {
		attrs = append(attrs, "content_ref", upd.ContentRef)
	}
	if upd.Error != "" {
		attrs = append(attrs, "error", upd.Error)
	}
	p.logger.Info("source status changed", attrs...)
	return nil
}

func (p *LogPublisher) PublishJobEvent(_ context.Context, evt models.JobEvent) error {
	p.logger.Info("job finished", "job_id", evt.JobID, "queue", evt.Queue, "type", evt.Type, "state", evt.State, "reason", evt.Reason)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
