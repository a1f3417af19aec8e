package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"hnharvest/features/failure"
	"hnharvest/internal/batch"
	"hnharvest/internal/config"
)

type ChunkDoneEvent struct {
	ChunkID     int64     `json:"chunk_id"`
	StartID     int64     `json:"start_id"`
	EndID       int64     `json:"end_id"`
	WorkerID    string    `json:"worker_id"`
	Found       int       `json:"found"`
	Absent      int       `json:"absent"`
	Failed      int       `json:"failed"`
	Batches     int       `json:"batches"`
	CompletedAt time.Time `json:"completed_at"`
}

type ItemFailedEvent struct {
	ItemID   int64  `json:"item_id"`
	ChunkID  int64  `json:"chunk_id"`
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

// NopPublisher drops every event. Used when no nsqd is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(string, []byte) error { return nil }

// FailureRecorder persists failures through next and announces each one on
// the item-failed topic. Publishing is best effort and never fails a flush.
type FailureRecorder struct {
	next   batch.FailureRecorder
	events EventPublisher
}

func NewFailureRecorder(next batch.FailureRecorder, events EventPublisher) *FailureRecorder {
	if events == nil {
		events = NopPublisher{}
	}
	return &FailureRecorder{next: next, events: events}
}

func (r *FailureRecorder) SaveBatch(ctx context.Context, failures []failure.Failure) error {
	if err := r.next.SaveBatch(ctx, failures); err != nil {
		return err
	}
	for _, f := range failures {
		publish(ctx, r.events, config.TopicItemFailed, ItemFailedEvent{
			ItemID:   f.ItemID,
			ChunkID:  f.ChunkID,
			WorkerID: f.WorkerID,
			Error:    f.Error,
		})
	}
	return nil
}

func publish(ctx context.Context, events EventPublisher, topic string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := events.Publish(topic, body); err != nil {
		slog.WarnContext(ctx, "failed to publish event", "topic", topic, "error", err)
	}
}
