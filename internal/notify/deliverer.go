// ABOUTME: Deliverer is the queue job handler: dedupe, presence check, compose and bounded-retry send
// ABOUTME: Every failure is wrapped in ErrDelivery, logged and counted; nothing propagates to the sender

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/locus-dm/internal/dedupe"
	"github.com/2389/locus-dm/internal/metrics"
	"github.com/2389/locus-dm/internal/presence"
	"github.com/2389/locus-dm/internal/store"
)

// Directory resolves the records a notification is composed from.
type Directory interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetProfile(ctx context.Context, participantID string) (*store.Profile, error)
	GetContext(ctx context.Context, id string) (*store.ContextRecord, error)
}

// DelivererConfig tunes delivery.
type DelivererConfig struct {
	MaxAttempts int
	Backoff     time.Duration // attempt n waits n*Backoff before retrying
	Timeout     time.Duration // per attempt
	SkipOnline  bool
}

// Deliverer sends one notification per message at most once.
type Deliverer struct {
	dir       Directory
	transport Transport
	composer  *Composer
	presence  presence.Tracker
	seen      *dedupe.Cache
	cfg       DelivererConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewDeliverer creates a Deliverer. tracker may be nil, which disables the
// online check. seen may be nil, which disables deduplication.
func NewDeliverer(dir Directory, t Transport, c *Composer, tracker presence.Tracker, seen *dedupe.Cache, cfg DelivererConfig, m *metrics.Metrics, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Deliverer{
		dir:       dir,
		transport: t,
		composer:  c,
		presence:  tracker,
		seen:      seen,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "notify_deliverer", "transport", t.Name()),
	}
}

// Handle processes job. The returned error is informational; queues log it and move on.
func (d *Deliverer) Handle(ctx context.Context, job Job) error {
	log := d.logger.With("message_id", job.MessageID, "recipient_id", job.RecipientID)

	if d.seen != nil && d.seen.CheckAndMark(job.MessageID) {
		d.metrics.Notification(metrics.ResultDuplicate)
		log.Debug("notification already handled")
		return nil
	}

	if d.cfg.SkipOnline && d.presence != nil {
		online, err := d.presence.IsOnline(ctx, job.RecipientID)
		if err != nil {
			log.Warn("presence check failed, notifying anyway", "error", err)
		} else if online {
			d.metrics.Notification(metrics.ResultSkipped)
			log.Debug("recipient online, notification skipped")
			return nil
		}
	}

	recipient, n, err := d.prepare(ctx, job)
	if err == nil {
		err = d.send(ctx, recipient, n)
	}
	switch {
	case err == nil:
		d.metrics.Notification(metrics.ResultDelivered)
		log.Info("notification delivered")
		return nil
	case errors.Is(err, ErrNoContact):
		d.metrics.Notification(metrics.ResultSkipped)
		log.Debug("recipient has no contact address", "error", err)
		return nil
	default:
		return d.fail(log, err)
	}
}

func (d *Deliverer) fail(log *slog.Logger, err error) error {
	err = fmt.Errorf("%w: %w", ErrDelivery, err)
	d.metrics.Notification(metrics.ResultFailed)
	log.Warn("notification failed", "error", err)
	return err
}

// prepare resolves names and contact details and composes the notification.
func (d *Deliverer) prepare(ctx context.Context, job Job) (Recipient, Notification, error) {
	to, err := d.dir.GetProfile(ctx, job.RecipientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Recipient{}, Notification{}, fmt.Errorf("%w: no profile for %s", ErrNoContact, job.RecipientID)
		}
		return Recipient{}, Notification{}, fmt.Errorf("loading recipient profile: %w", err)
	}

	senderName := job.SenderID
	if from, err := d.dir.GetProfile(ctx, job.SenderID); err == nil {
		senderName = displayName(from)
	} else if !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("loading sender profile", "sender_id", job.SenderID, "error", err)
	}

	in := ComposeInput{
		SenderName:     senderName,
		RecipientName:  to.DisplayName,
		Content:        job.Content,
		ConversationID: job.ConversationID,
	}
	if title := d.contextTitle(ctx, job.ConversationID); title != "" {
		in.ContextTitle = title
	}

	n, err := d.composer.Compose(in)
	if err != nil {
		return Recipient{}, Notification{}, err
	}

	recipient := Recipient{
		ParticipantID: to.ParticipantID,
		Name:          to.DisplayName,
		Email:         to.Email,
		MatrixRoomID:  to.MatrixRoomID,
	}
	return recipient, n, nil
}

// contextTitle returns the conversation's business context title, or "" when
// it has none or it cannot be loaded.
func (d *Deliverer) contextTitle(ctx context.Context, conversationID string) string {
	conv, err := d.dir.GetConversation(ctx, conversationID)
	if err != nil || conv.ContextRef == nil {
		return ""
	}
	rec, err := d.dir.GetContext(ctx, *conv.ContextRef)
	if err != nil {
		return ""
	}
	return rec.Title
}

// send tries the transport up to MaxAttempts times with linear backoff.
func (d *Deliverer) send(ctx context.Context, to Recipient, n Notification) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err := d.transport.Send(attemptCtx, to, n)
		cancel()
		if err == nil || errors.Is(err, ErrNoContact) {
			return err
		}
		lastErr = err

		if attempt == d.cfg.MaxAttempts {
			break
		}
		d.logger.Debug("notification attempt failed",
			"recipient_id", to.ParticipantID,
			"attempt", attempt,
			"error", err)

		timer := time.NewTimer(time.Duration(attempt) * d.cfg.Backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("after %d attempts: %w", attempt, ctx.Err())
		}
	}
	return fmt.Errorf("after %d attempts: %w", d.cfg.MaxAttempts, lastErr)
}

func displayName(p *store.Profile) string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Email != "":
		return p.Email
	default:
		return p.ParticipantID
	}
}
