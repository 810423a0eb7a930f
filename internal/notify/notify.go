// ABOUTME: NotificationDispatcher: hands new messages to a queue without blocking the sender
// ABOUTME: Defines the Job payload, the Queue contract and the delivery error taxonomy

package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/locus-dm/internal/metrics"
	"github.com/2389/locus-dm/internal/store"
)

var (
	// ErrDelivery wraps every failure to deliver a notification. It never reaches the message sender.
	ErrDelivery = errors.New("notification delivery failed")

	// ErrQueueFull is returned by Enqueue when the queue cannot accept more jobs.
	ErrQueueFull = errors.New("notification queue full")

	// ErrQueueClosed is returned by Enqueue after Shutdown.
	ErrQueueClosed = errors.New("notification queue closed")

	// ErrNoContact marks a recipient the transport has no address for. It is not retried.
	ErrNoContact = errors.New("recipient has no contact address")
)

const defaultEnqueueTimeout = 500 * time.Millisecond

// Job is one pending notification.
type Job struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

// Queue decouples the write path from delivery.
type Queue interface {
	// Enqueue must return promptly; it never waits for delivery.
	Enqueue(ctx context.Context, job Job) error
	// Start begins processing jobs with h.
	Start(h Handler) error
	// Shutdown stops accepting jobs and waits for in-flight ones until ctx is done.
	Shutdown(ctx context.Context) error
}

// Dispatcher is the fire-and-forget entry point called after every append.
type Dispatcher struct {
	queue          Queue
	enqueueTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewDispatcher creates a Dispatcher on top of q.
func NewDispatcher(q Queue, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:          q,
		enqueueTimeout: defaultEnqueueTimeout,
		metrics:        m,
		logger:         logger.With("component", "notify"),
	}
}

// NotifyNewMessage queues a notification for recipientID. Failures are logged
// and counted, never returned.
func (d *Dispatcher) NotifyNewMessage(ctx context.Context, msg *store.Message, recipientID string) {
	job := Job{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		RecipientID:    recipientID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}

	ctx, cancel := context.WithTimeout(ctx, d.enqueueTimeout)
	defer cancel()

	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.metrics.Notification(metrics.ResultDropped)
		d.logger.Warn("notification dropped",
			"message_id", msg.ID,
			"recipient_id", recipientID,
			"error", err)
		return
	}
	d.logger.Debug("notification queued", "message_id", msg.ID, "recipient_id", recipientID)
}
