// ABOUTME: Store interface and data types for locus-dm persistence
// ABOUTME: Defines Conversation, Message, Profile records and the Store interfaces

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation for the same canonical pair already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrDuplicateMessage is returned by AppendMessage when the client message id was already stored.
// The passed message is filled with the stored record.
var ErrDuplicateMessage = errors.New("message already exists")

// ErrNotParticipant is returned when a message sender is not one of the conversation's participants
var ErrNotParticipant = errors.New("sender is not a participant")

// MessageType constants for message types
const (
	MessageTypeText = "text"
)

// Conversation is the single thread between two participants.
// ParticipantLow/ParticipantHigh hold the canonical (lexicographic) order of the pair.
type Conversation struct {
	ID              string
	ParticipantLow  string
	ParticipantHigh string
	ContextRef      *string // set at creation only
	CreatedAt       time.Time
	LastActivityAt  time.Time
	NextSeq         int64
}

// Other returns the participant that is not id. Empty if id is not a participant.
func (c *Conversation) Other(id string) string {
	switch id {
	case c.ParticipantLow:
		return c.ParticipantHigh
	case c.ParticipantHigh:
		return c.ParticipantLow
	default:
		return ""
	}
}

// HasParticipant reports whether id is one of the two participants.
func (c *Conversation) HasParticipant(id string) bool {
	return id != "" && (id == c.ParticipantLow || id == c.ParticipantHigh)
}

// Message is a single append-only entry in a conversation.
// Messages are totally ordered within a conversation by (CreatedAt, Seq).
type Message struct {
	ID              string
	ConversationID  string
	Seq             int64
	SenderID        string
	Content         string
	Type            string // defaults to "text"
	ClientMessageID string // optional idempotency key supplied by the sending client
	CreatedAt       time.Time
	ReadAt          *time.Time
}

// Profile is the read-only summary of a participant owned by the identity system.
type Profile struct {
	ParticipantID string
	DisplayName   string
	Email         string
	AvatarURL     string
	PracticeName  string
	Role          string
	Verified      bool
	MatrixRoomID  string
	UpdatedAt     time.Time
}

// ContextRecord is the business object (e.g. a job posting) a conversation may reference.
type ContextRecord struct {
	ID        string
	Title     string
	UpdatedAt time.Time
}

// ListOptions controls filtering, ordering and limiting of list queries.
// A zero Limit means no limit.
type ListOptions struct {
	Filter Filter
	Order  []Order
	Limit  int
}

// Order is a single ORDER BY term.
type Order struct {
	Field Field
	Desc  bool
}

// Store defines the record operations for conversations, messages and read state
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPair(ctx context.Context, low, high string) (*Conversation, error)
	ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, opts ListOptions) ([]*Message, error)
	LatestMessage(ctx context.Context, conversationID string) (*Message, error)

	// Read state
	MarkRead(ctx context.Context, conversationID, participantID string, at time.Time) (int, error)
	UnreadCount(ctx context.Context, conversationID, participantID string) (int, error)
	CountUnread(ctx context.Context, conversationID, participantID string) (int, error)
	RepairUnreadCounters(ctx context.Context) (int, error)

	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// DirectoryStore holds the profile and context records consumed by the read side
type DirectoryStore interface {
	UpsertProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, participantID string) (*Profile, error)
	UpsertContext(ctx context.Context, c *ContextRecord) error
	GetContext(ctx context.Context, id string) (*ContextRecord, error)
}
