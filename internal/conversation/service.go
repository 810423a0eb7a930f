// ABOUTME: Service is the client-facing query surface bound to an authenticated caller
// ABOUTME: Every operation checks the caller belongs to the conversation before touching it

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/locus-dm/internal/inbox"
	"github.com/2389/locus-dm/internal/store"
)

// Inbox renders a participant's conversation list.
type Inbox interface {
	ListForParticipant(ctx context.Context, participantID string, opts inbox.Options) ([]inbox.View, error)
}

// Service composes Resolver, Log, ReadState and the inbox for one caller at a time.
type Service struct {
	store       store.Store
	resolver    *Resolver
	log         *Log
	reads       *ReadState
	inbox       Inbox
	broadcaster *EventBroadcaster
	timeout     time.Duration
	logger      *slog.Logger
}

// New creates a Service. inbox may be nil, in which case ListConversations fails.
func New(s store.Store, ib Inbox, opts Options) *Service {
	return &Service{
		store:       s,
		resolver:    NewResolver(s, opts),
		log:         NewLog(s, opts),
		reads:       NewReadState(s, opts),
		inbox:       ib,
		broadcaster: opts.Broadcaster,
		timeout:     opts.Timeout,
		logger:      opts.logger("conversation"),
	}
}

// FindOrCreateConversation returns the caller's conversation with other.
func (s *Service) FindOrCreateConversation(ctx context.Context, caller, other, contextRef string) (*store.Conversation, error) {
	return s.resolver.FindOrCreate(ctx, caller, other, contextRef)
}

// SendMessage appends content from the caller. Retrying with the same
// clientMessageID returns the original message and does not notify again.
func (s *Service) SendMessage(ctx context.Context, caller, conversationID, content, clientMessageID string) (*store.Message, error) {
	return s.log.Append(ctx, conversationID, caller, content, AppendOptions{ClientMessageID: clientMessageID})
}

// ListMessages returns the full ordered history if the caller is a participant.
func (s *Service) ListMessages(ctx context.Context, caller, conversationID string) ([]*store.Message, error) {
	if _, err := s.authorize(ctx, caller, conversationID); err != nil {
		return nil, err
	}
	return s.log.ListOrdered(ctx, conversationID)
}

// MarkRead marks everything the other participant sent as read by the caller.
func (s *Service) MarkRead(ctx context.Context, caller, conversationID string) (int, error) {
	return s.reads.MarkRead(ctx, conversationID, caller, time.Time{})
}

// UnreadCount returns the caller's unread count in the conversation.
func (s *Service) UnreadCount(ctx context.Context, caller, conversationID string) (int, error) {
	return s.reads.UnreadCount(ctx, conversationID, caller)
}

// ListConversations returns the caller's inbox, most recently active first.
func (s *Service) ListConversations(ctx context.Context, caller, query string) ([]inbox.View, error) {
	if s.inbox == nil {
		return nil, fmt.Errorf("%w: inbox is not configured", ErrPersistence)
	}
	if caller == "" {
		return nil, fmt.Errorf("%w: caller is required", ErrValidation)
	}
	views, err := s.inbox.ListForParticipant(ctx, caller, inbox.Options{Query: query})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return views, err
}

// GetConversation returns a conversation the caller participates in.
func (s *Service) GetConversation(ctx context.Context, caller, conversationID string) (*store.Conversation, error) {
	return s.authorize(ctx, caller, conversationID)
}

// Subscribe streams live events for a conversation the caller participates in.
// The channel closes when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, caller, conversationID string) (<-chan *Event, error) {
	if s.broadcaster == nil {
		return nil, fmt.Errorf("%w: live events are not configured", ErrPersistence)
	}
	if _, err := s.authorize(ctx, caller, conversationID); err != nil {
		return nil, err
	}
	ch, _ := s.broadcaster.Subscribe(ctx, conversationID)
	return ch, nil
}

func (s *Service) authorize(ctx context.Context, caller, conversationID string) (*store.Conversation, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, translate("loading conversation", err)
	}
	if !conv.HasParticipant(caller) {
		s.logger.Warn("conversation access denied",
			"conversation_id", conversationID,
			"caller", caller)
		return nil, ErrNotAParticipant
	}
	return conv, nil
}
