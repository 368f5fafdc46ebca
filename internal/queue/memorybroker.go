package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryBroker is an in-memory reference implementation of Broker, used for
// development and tests where no real message bus is wired. It is grounded
// on the teacher's internal/daemon/queue.MemoryQueue: a signal channel
// wakes a single dispatch loop per named queue, jobs are held in a slice
// ordered by RunAt, and a jobId-keyed set makes duplicate enqueues an
// idempotent no-op.
//
// A production deployment should replace this with an adapter over the
// real message bus / delayed-job queue collaborator described in
// spec.md §1; MemoryBroker does not survive a process restart.
type MemoryBroker struct {
	mu      sync.Mutex
	queues  map[string]*memoryQueueState
	closed  bool
}

type memoryQueueState struct {
	pending []Job
	seen    map[string]bool
	counts  Counts
	worker  WorkerFunc
	wake    chan struct{}
	done    chan struct{}
}

// NewMemoryBroker constructs an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*memoryQueueState)}
}

func (b *MemoryBroker) stateLocked(name string) *memoryQueueState {
	s, ok := b.queues[name]
	if !ok {
		s = &memoryQueueState{
			seen: make(map[string]bool),
			wake: make(chan struct{}, 1),
			done: make(chan struct{}),
		}
		b.queues[name] = s
	}
	return s
}

// Enqueue stores job, ordered by RunAt (zero RunAt sorts first), and wakes
// the dispatch loop if a worker is registered.
func (b *MemoryBroker) Enqueue(ctx context.Context, job Job) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrQueueClosed
	}
	s := b.stateLocked(job.Queue)
	if job.ID != "" && s.seen[job.ID] {
		b.mu.Unlock()
		return nil // idempotent no-op on duplicate jobId
	}
	if job.ID != "" {
		s.seen[job.ID] = true
	}

	inserted := false
	for i, existing := range s.pending {
		if job.RunAt.Before(existing.RunAt) {
			s.pending = append(s.pending[:i], append([]Job{job}, s.pending[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		s.pending = append(s.pending, job)
	}

	if job.RunAt.IsZero() || !job.RunAt.After(time.Now().UTC()) {
		s.counts.Waiting++
	} else {
		s.counts.Delayed++
	}
	b.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers worker as the dispatch target for queueName and
// starts the loop goroutine; unsubscribe stops it.
func (b *MemoryBroker) Subscribe(queueName string, worker WorkerFunc) (func(), error) {
	b.mu.Lock()
	s := b.stateLocked(queueName)
	s.worker = worker
	b.mu.Unlock()

	go b.dispatchLoop(queueName, s)

	return func() {
		close(s.done)
	}, nil
}

func (b *MemoryBroker) dispatchLoop(queueName string, s *memoryQueueState) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			b.drain(queueName, s)
		case <-ticker.C:
			b.drain(queueName, s) // catches delayed jobs whose RunAt has since elapsed
		}
	}
}

func (b *MemoryBroker) drain(queueName string, s *memoryQueueState) {
	for {
		b.mu.Lock()
		if len(s.pending) == 0 || !s.pending[0].RunAt.IsZero() && s.pending[0].RunAt.After(time.Now().UTC()) {
			b.mu.Unlock()
			return
		}
		job := s.pending[0]
		s.pending = s.pending[1:]
		if job.RunAt.IsZero() {
			s.counts.Waiting--
		} else {
			s.counts.Delayed--
		}
		s.counts.Active++
		worker := s.worker
		b.mu.Unlock()

		if worker == nil {
			b.mu.Lock()
			s.counts.Active--
			s.counts.Waiting++
			s.pending = append([]Job{job}, s.pending...)
			b.mu.Unlock()
			return
		}

		err := worker(context.Background(), job)

		b.mu.Lock()
		s.counts.Active--
		if err != nil {
			s.counts.Failed++
			if !job.Opts.RemoveOnFail && job.Opts.Attempts > 1 {
				job.Opts.Attempts--
				s.pending = append(s.pending, job)
				s.counts.Waiting++
			}
		} else {
			s.counts.Completed++
		}
		b.mu.Unlock()
	}
}

// Counts implements Broker.Counts.
func (b *MemoryBroker) Counts(ctx context.Context, queueName string) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.queues[queueName]
	if !ok {
		return Counts{}, nil
	}
	return s.counts, nil
}

// Close disposes every queue's dispatch loop.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.queues {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
	return nil
}

var _ Broker = (*MemoryBroker)(nil)

// loggerOrDefault avoids nil-pointer panics when a caller forgets Logger.
func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
