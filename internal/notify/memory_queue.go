// ABOUTME: In-process bounded notification queue drained by a fixed worker pool
// ABOUTME: Enqueue never blocks: a full buffer drops the job

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/locus-dm/internal/metrics"
)

// MemoryQueue is a bounded channel with worker goroutines. Jobs still queued
// at process exit are lost.
type MemoryQueue struct {
	mu      sync.RWMutex
	jobs    chan Job
	workers int
	closed  bool
	started bool
	wg      sync.WaitGroup
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMemoryQueue creates a queue holding up to size jobs, drained by workers goroutines.
func NewMemoryQueue(size, workers int, m *metrics.Metrics, logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 2
	}
	return &MemoryQueue{
		jobs:    make(chan Job, size),
		workers: workers,
		metrics: m,
		logger:  logger.With("component", "notify_queue"),
	}
}

// Enqueue adds job without blocking.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		q.metrics.SetNotifyQueueDepth(len(q.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (q *MemoryQueue) Start(h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return nil
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for job := range q.jobs {
				q.metrics.SetNotifyQueueDepth(len(q.jobs))
				if err := h(context.Background(), job); err != nil {
					q.logger.Debug("notification job failed",
						"worker", worker,
						"message_id", job.MessageID,
						"error", err)
				}
			}
		}(i)
	}
	q.logger.Info("notification workers started", "workers", q.workers)
	return nil
}

// Shutdown closes the queue and waits for the workers to drain it.
func (q *MemoryQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.logger.Warn("notification queue shutdown timed out", "pending", len(q.jobs))
		return ctx.Err()
	}
}

// Len returns the number of queued jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

var _ Queue = (*MemoryQueue)(nil)
