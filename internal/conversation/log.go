// ABOUTME: Log appends messages to a conversation and reads back its ordered history
// ABOUTME: Record first, then act: publish and notify only after the durable write

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/locus-dm/internal/metrics"
	"github.com/2389/locus-dm/internal/store"
)

// AppendOptions are optional parameters for Append.
type AppendOptions struct {
	// ClientMessageID makes the append idempotent: a retry with the same id
	// returns the stored message instead of creating a second one.
	ClientMessageID string
}

// Log is the append-only message log.
type Log struct {
	store       store.Store
	broadcaster *EventBroadcaster
	notifier    Notifier
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewLog creates a Log.
func NewLog(s store.Store, opts Options) *Log {
	return &Log{
		store:       s,
		broadcaster: opts.Broadcaster,
		notifier:    opts.Notifier,
		timeout:     opts.Timeout,
		metrics:     opts.Metrics,
		logger:      opts.logger("message_log"),
	}
}

// Append stores a message from senderID at the end of the conversation.
//
// Content is trimmed and must not be empty. The stored message carries a
// timestamp that never precedes earlier messages in the conversation, and the
// conversation's last activity moves with it in the same transaction.
func (l *Log) Append(ctx context.Context, conversationID, senderID, content string, opts AppendOptions) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content is empty", ErrValidation)
	}
	if senderID == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrValidation)
	}

	storeCtx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	conv, err := l.store.GetConversation(storeCtx, conversationID)
	if err != nil {
		return nil, translate("loading conversation", err)
	}
	if !conv.HasParticipant(senderID) {
		return nil, ErrNotAParticipant
	}
	recipientID := conv.Other(senderID)

	msg := &store.Message{
		ConversationID:  conversationID,
		SenderID:        senderID,
		Content:         content,
		Type:            store.MessageTypeText,
		ClientMessageID: opts.ClientMessageID,
	}
	if err := l.store.AppendMessage(storeCtx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			l.logger.Debug("duplicate client message id, returning stored message",
				"conversation_id", conversationID,
				"message_id", msg.ID,
				"client_message_id", opts.ClientMessageID)
			return msg, nil
		}
		return nil, translate("appending message", err)
	}

	l.logger.Debug("message recorded",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"sender", senderID,
		"seq", msg.Seq)
	l.metrics.MessageAppended()

	if l.broadcaster != nil {
		l.broadcaster.Publish(&Event{
			Type:           EventMessage,
			ConversationID: conversationID,
			Message:        msg,
			At:             msg.CreatedAt,
		}, "")
	}
	if l.notifier != nil {
		// The message exists now; the sender's cancellation must not cancel the notification.
		l.notifier.NotifyNewMessage(context.WithoutCancel(ctx), msg, recipientID)
	}

	return msg, nil
}

// ListOrdered returns every message of the conversation in log order.
// Each call re-reads the full log.
func (l *Log) ListOrdered(ctx context.Context, conversationID string) ([]*store.Message, error) {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	if _, err := l.store.GetConversation(ctx, conversationID); err != nil {
		return nil, translate("loading conversation", err)
	}

	msgs, err := l.store.ListMessages(ctx, store.ListOptions{
		Filter: store.Eq(store.FieldConversationID, conversationID),
		Order:  []store.Order{{Field: store.FieldCreatedAt}, {Field: store.FieldSeq}},
	})
	if err != nil {
		return nil, translate("listing messages", err)
	}
	return msgs, nil
}
