package queue

import (
	"context"
	"log/slog"
)

// distributedHandle adapts the Manager's per-key QueueHandle contract onto
// the shared Broker collaborator. Delayed jobs are scheduled by absolute
// RunAt time on the broker side, per spec.md §4.1's distributed mode.
type distributedHandle struct {
	queueName string
	broker    Broker
	logger    *slog.Logger
}

func (h *distributedHandle) Enqueue(ctx context.Context, job Job) (FallbackResult, error) {
	if h.broker == nil {
		return FallbackResult{}, ErrNoWorker(h.queueName)
	}
	job.Queue = h.queueName
	if err := h.broker.Enqueue(ctx, job); err != nil {
		return FallbackResult{OK: false, Err: err}, err
	}
	return FallbackResult{OK: true}, nil
}

func (h *distributedHandle) Counts(ctx context.Context) (Counts, error) {
	if h.broker == nil {
		return Counts{}, ErrNoWorker(h.queueName)
	}
	return h.broker.Counts(ctx, h.queueName)
}

func (h *distributedHandle) Close() error {
	return nil // the broker connection is shared across queues; Manager owns disposal
}
