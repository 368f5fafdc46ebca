package queue

import (
	"context"
	"log/slog"
	"sync"
)

// inlineHandle executes job bodies synchronously in the caller's goroutine,
// per spec.md §4.1's inline mode. Delayed jobs (non-zero RunAt) are
// rejected and fall back to immediate execution with a logged warning,
// matching the "exceptions for control flow" design note in spec.md §9.
type inlineHandle struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	worker   WorkerFunc
	seen     map[string]bool // jobId dedup
	counts   Counts
	closed   bool
}

func newInlineHandle(name string, logger *slog.Logger) *inlineHandle {
	return &inlineHandle{
		name:   name,
		logger: logger.With(slog.String("queue", name), slog.String("mode", "inline")),
		seen:   make(map[string]bool),
	}
}

// SetWorker registers the job body to run for this queue, matching
// ensureWorker(key)'s "loads the worker module on first use" contract.
func (h *inlineHandle) SetWorker(worker WorkerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.worker = worker
}

func (h *inlineHandle) Enqueue(ctx context.Context, job Job) (FallbackResult, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return FallbackResult{}, ErrQueueClosed
	}
	if job.ID != "" && h.seen[job.ID] {
		h.mu.Unlock()
		return FallbackResult{OK: true}, nil // idempotent no-op on duplicate jobId
	}
	if job.ID != "" {
		h.seen[job.ID] = true
	}
	worker := h.worker
	fellBack := false
	if !job.RunAt.IsZero() {
		fellBack = true
		h.logger.Warn("delayed job rejected in inline mode, running immediately",
			slog.String("job_id", job.ID), slog.String("job_name", job.Name))
	}
	h.counts.Active++
	h.mu.Unlock()

	result := FallbackResult{OK: true}
	if fellBack {
		result.FellBackTo = "inline"
	}

	if worker == nil {
		h.mu.Lock()
		h.counts.Active--
		h.counts.Failed++
		h.mu.Unlock()
		result.OK = false
		return result, ErrNoWorker(h.name)
	}

	err := worker(ctx, job)

	h.mu.Lock()
	h.counts.Active--
	if err != nil {
		h.counts.Failed++
	} else {
		h.counts.Completed++
	}
	h.mu.Unlock()

	if err != nil {
		result.OK = false
		result.Err = err
	}
	return result, err
}

func (h *inlineHandle) Counts(ctx context.Context) (Counts, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts, nil
}

func (h *inlineHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// ErrNoWorker reports that EnsureWorker was never called for a queue before
// a job was enqueued on it.
type ErrNoWorkerType struct{ Queue string }

func (e ErrNoWorkerType) Error() string { return "queue: no worker registered for " + e.Queue }

// ErrNoWorker constructs the error; a function (not a bare var) because it
// carries the queue name.
func ErrNoWorker(queue string) error { return ErrNoWorkerType{Queue: queue} }
