// ABOUTME: Resolver finds or creates the single conversation between two participants
// ABOUTME: Concurrent creators race on the canonical-pair unique index; the loser re-reads the winner

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/locus-dm/internal/metrics"
	"github.com/2389/locus-dm/internal/store"
)

// Notifier receives every newly appended message after it is stored.
// Implementations must not block for long and must swallow their own failures.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, msg *store.Message, recipientID string)
}

// Options carries the collaborators shared by Resolver, Log and ReadState.
// Every field is optional.
type Options struct {
	// Timeout bounds each store call. Zero means no extra bound.
	Timeout     time.Duration
	Broadcaster *EventBroadcaster
	Notifier    Notifier
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func (o Options) logger(component string) *slog.Logger {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}

// CanonicalPair orders two participant ids so the unordered pair has one representation.
func CanonicalPair(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Resolver returns the canonical conversation for a participant pair.
type Resolver struct {
	store   store.Store
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(s store.Store, opts Options) *Resolver {
	return &Resolver{
		store:   s,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		logger:  opts.logger("resolver"),
	}
}

// FindOrCreate returns the conversation between a and b, creating it if absent.
// contextRef is only recorded when the conversation is created; an existing
// conversation is returned unchanged whatever context this call carries.
func (r *Resolver) FindOrCreate(ctx context.Context, a, b, contextRef string) (*store.Conversation, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: participant ids are required", ErrValidation)
	}
	if a == b {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", ErrValidation)
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	low, high := CanonicalPair(a, b)

	conv, err := r.store.GetConversationByPair(ctx, low, high)
	if err == nil {
		r.logger.Debug("found existing conversation", "conversation_id", conv.ID)
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, translate("looking up conversation", err)
	}

	now := time.Now().UTC()
	conv = &store.Conversation{
		ID:              uuid.New().String(),
		ParticipantLow:  low,
		ParticipantHigh: high,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	if ref := strings.TrimSpace(contextRef); ref != "" {
		conv.ContextRef = &ref
	}

	if err := r.store.CreateConversation(ctx, conv); err != nil {
		if !errors.Is(err, store.ErrDuplicateConversation) {
			return nil, translate("creating conversation", err)
		}
		// Another caller created the pair between our lookup and insert.
		winner, lookupErr := r.store.GetConversationByPair(ctx, low, high)
		if lookupErr != nil {
			r.logger.Error("retry lookup failed after duplicate error",
				"low", low,
				"high", high,
				"lookup_error", lookupErr)
			return nil, translate("re-reading conversation", lookupErr)
		}
		r.logger.Debug("found existing conversation after race", "conversation_id", winner.ID)
		return winner, nil
	}

	r.metrics.ConversationCreated()
	r.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"low", low,
		"high", high,
		"context_ref", contextRef)
	return conv, nil
}
