// ABOUTME: Redis-backed notification queue using asynq
// ABOUTME: Jobs survive restarts; the message id is the task id so a message is queued at most once

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeNewMessage is the asynq task type for message notifications.
const TaskTypeNewMessage = "notify:new_message"

// AsynqConfig configures AsynqQueue.
type AsynqConfig struct {
	Redis       asynq.RedisClientOpt
	Queue       string
	Concurrency int
	// Timeout bounds one task run, including the deliverer's own retries.
	Timeout time.Duration
	// Retention keeps completed task ids so late duplicates are still rejected.
	Retention time.Duration
}

// AsynqQueue enqueues jobs into Redis and runs an asynq server to process them.
type AsynqQueue struct {
	client *asynq.Client
	server *asynq.Server
	cfg    AsynqConfig
	logger *slog.Logger
}

// NewAsynqQueue creates the client and server. Nothing is processed until Start.
func NewAsynqQueue(cfg AsynqConfig, logger *slog.Logger) *AsynqQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Queue == "" {
		cfg.Queue = "notifications"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	logger = logger.With("component", "notify_asynq")

	server := asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
		LogLevel:    asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("notification task failed", "type", task.Type(), "error", err)
		}),
	})

	return &AsynqQueue{
		client: asynq.NewClient(cfg.Redis),
		server: server,
		cfg:    cfg,
		logger: logger,
	}
}

// Enqueue stores job in Redis. A job for an already queued message id is ignored.
func (q *AsynqQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding notification job: %w", err)
	}

	task := asynq.NewTask(TaskTypeNewMessage, payload)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.cfg.Queue),
		asynq.TaskID(job.MessageID),
		asynq.MaxRetry(0),
		asynq.Timeout(q.cfg.Timeout),
		asynq.Retention(q.cfg.Retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		q.logger.Debug("notification already queued", "message_id", job.MessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueueing notification: %w", err)
	}
	return nil
}

// Start runs the asynq server in the background.
func (q *AsynqQueue) Start(h Handler) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeNewMessage, taskHandler(h))
	if err := q.server.Start(mux); err != nil {
		return fmt.Errorf("starting asynq server: %w", err)
	}
	q.logger.Info("notification workers started",
		"queue", q.cfg.Queue,
		"concurrency", q.cfg.Concurrency)
	return nil
}

// Shutdown stops the server and closes the client. asynq's own shutdown
// timeout applies; ctx is not consulted.
func (q *AsynqQueue) Shutdown(ctx context.Context) error {
	q.server.Shutdown()
	return q.client.Close()
}

// taskHandler adapts h to asynq. Failures are never retried by asynq; the
// deliverer has already applied its bounded retry.
func taskHandler(h Handler) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var job Job
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			return fmt.Errorf("decoding notification job: %v: %w", err, asynq.SkipRetry)
		}
		if err := h(ctx, job); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}

var _ Queue = (*AsynqQueue)(nil)
