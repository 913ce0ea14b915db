package worker

import (
	"context"

	"productchat/internal/queue"
	"productchat/internal/storage"
)

// Recorder feeds usage entries into the stream for the worker to drain.
// Without redis it degrades to synchronous ledger writes.
type Recorder struct {
	queue *queue.StreamQueue
	store UsageStore
}

func NewRecorder(q *queue.StreamQueue, store UsageStore) *Recorder {
	return &Recorder{queue: q, store: store}
}

func (r *Recorder) RecordUsage(ctx context.Context, rec storage.UsageRecord) error {
	if r.queue == nil {
		return r.store.InsertUsage(ctx, rec)
	}
	_, err := r.queue.Enqueue(ctx, queue.UsageJob{
		UserID:         rec.UserID,
		Email:          rec.Email,
		Model:          rec.Model,
		InputTokens:    rec.InputTokens,
		OutputTokens:   rec.OutputTokens,
		Cost:           rec.Cost,
		ConversationID: rec.ConversationID,
		EnqueuedAt:     rec.Timestamp,
	})
	return err
}
