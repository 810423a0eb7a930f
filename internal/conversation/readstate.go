// ABOUTME: ReadState marks messages read and reports per-participant unread counts
// ABOUTME: Counters are maintained by the store in the same transaction as appends and reads

package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/locus-dm/internal/metrics"
	"github.com/2389/locus-dm/internal/store"
)

// ReadState tracks what each participant has read.
type ReadState struct {
	store       store.Store
	broadcaster *EventBroadcaster
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewReadState creates a ReadState.
func NewReadState(s store.Store, opts Options) *ReadState {
	return &ReadState{
		store:       s,
		broadcaster: opts.Broadcaster,
		timeout:     opts.Timeout,
		metrics:     opts.Metrics,
		logger:      opts.logger("read_state"),
	}
}

// MarkRead stamps every unread message from the other participant with asOf
// (now when zero) and returns how many were stamped. Calling it again with no
// new messages stamps nothing.
func (r *ReadState) MarkRead(ctx context.Context, conversationID, participantID string, asOf time.Time) (int, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, translate("loading conversation", err)
	}
	if !conv.HasParticipant(participantID) {
		return 0, ErrNotAParticipant
	}

	if asOf.IsZero() {
		asOf = time.Now()
	}

	n, err := r.store.MarkRead(ctx, conversationID, participantID, asOf)
	if err != nil {
		return 0, translate("marking messages read", err)
	}
	if n == 0 {
		return 0, nil
	}

	r.metrics.MessagesRead(n)
	r.logger.Debug("messages marked read",
		"conversation_id", conversationID,
		"participant_id", participantID,
		"count", n)

	if r.broadcaster != nil {
		r.broadcaster.Publish(&Event{
			Type:           EventRead,
			ConversationID: conversationID,
			ParticipantID:  participantID,
			Count:          n,
			At:             asOf.UTC(),
		}, "")
	}
	return n, nil
}

// UnreadCount returns how many messages from the other participant are unread.
func (r *ReadState) UnreadCount(ctx context.Context, conversationID, participantID string) (int, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, translate("loading conversation", err)
	}
	if !conv.HasParticipant(participantID) {
		return 0, ErrNotAParticipant
	}

	n, err := r.store.UnreadCount(ctx, conversationID, participantID)
	if err != nil {
		return 0, translate("reading unread counter", err)
	}
	return n, nil
}
