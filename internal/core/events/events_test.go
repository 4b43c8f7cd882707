package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/botforge/internal/models"
)

type captureWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherRoutesByKind(t *testing.T) {
	w := &captureWriter{}
	p := newKafkaPublisher(w, "source-status")
	ctx := context.Background()
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, p.PublishStatus(ctx, models.StatusUpdate{
		SourceType: models.SourceDocument, SourceID: "doc-1", BotID: "bot-1", Status: models.StatusCompleted, At: at,
	}))
	require.NoError(t, p.PublishJobEvent(ctx, models.JobEvent{
		JobID: "job-9", Queue: models.QueueEmbedding, State: models.JobFailed, Reason: "boom", At: at,
	}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "source-status", w.msgs[0].Topic)
	assert.Equal(t, "doc-1", string(w.msgs[0].Key))
	assert.Equal(t, "source.status", string(w.msgs[0].Headers[0].Value))

	var upd models.StatusUpdate
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &upd))
	assert.Equal(t, models.StatusCompleted, upd.Status)

	assert.Equal(t, "source-status-jobs", w.msgs[1].Topic)
	assert.Equal(t, "job-9", string(w.msgs[1].Key))
	assert.Equal(t, "job.failed", string(w.msgs[1].Headers[0].Value))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	p := newKafkaPublisher(&captureWriter{err: errors.New("broker down")}, "t")
	err := p.PublishStatus(context.Background(), models.StatusUpdate{SourceID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher()
	assert.NoError(t, p.PublishStatus(context.Background(), models.StatusUpdate{SourceID: "x", Error: "bad"}))
	assert.NoError(t, p.PublishJobEvent(context.Background(), models.JobEvent{JobID: "j"}))
	assert.NoError(t, p.Close())
}
