// ABOUTME: JSON request and response bodies of the HTTP API
// ABOUTME: Shared with internal/client so both sides encode the same shapes

package api

import (
	"time"

	"github.com/2389/locus-dm/internal/inbox"
	"github.com/2389/locus-dm/internal/store"
)

// FindOrCreateRequest is the body of POST /api/conversations.
type FindOrCreateRequest struct {
	ParticipantID string `json:"participant_id"`
	ContextRef    string `json:"context_ref,omitempty"`
}

// SendMessageRequest is the body of POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// ProfileRequest is the body of PUT /api/profiles/me.
type ProfileRequest struct {
	DisplayName  string `json:"display_name"`
	Email        string `json:"email,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	PracticeName string `json:"practice_name,omitempty"`
	Role         string `json:"role,omitempty"`
	Verified     bool   `json:"verified,omitempty"`
	MatrixRoomID string `json:"matrix_room_id,omitempty"`
}

// ContextRequest is the body of PUT /api/contexts/{id}.
type ContextRequest struct {
	Title string `json:"title"`
}

// Conversation is the wire form of a conversation.
type Conversation struct {
	ID             string    `json:"id"`
	Participants   [2]string `json:"participants"`
	ContextRef     string    `json:"context_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Message is the wire form of a message.
type Message struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	Seq             int64      `json:"seq"`
	SenderID        string     `json:"sender_id"`
	Content         string     `json:"content"`
	Type            string     `json:"type"`
	ClientMessageID string     `json:"client_message_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
}

// Participant is the profile summary shown in an inbox row.
type Participant struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	PracticeName string `json:"practice_name,omitempty"`
	Role         string `json:"role,omitempty"`
	Verified     bool   `json:"verified"`
}

// Preview is the last message of an inbox row.
type Preview struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// InboxEntry is one row of GET /api/conversations.
type InboxEntry struct {
	ConversationID string      `json:"conversation_id"`
	ContextRef     string      `json:"context_ref,omitempty"`
	ContextTitle   string      `json:"context_title,omitempty"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	Other          Participant `json:"other"`
	LastMessage    *Preview    `json:"last_message,omitempty"`
	Unread         int         `json:"unread"`
	Missing        []string    `json:"missing,omitempty"`
}

// ConversationsResponse is the body of GET /api/conversations.
type ConversationsResponse struct {
	Conversations []InboxEntry `json:"conversations"`
}

// MessagesResponse is the body of GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// MarkReadResponse is the body of POST /api/conversations/{id}/read.
type MarkReadResponse struct {
	Marked int `json:"marked"`
}

// UnreadResponse is the body of GET /api/conversations/{id}/unread.
type UnreadResponse struct {
	Unread int `json:"unread"`
}

// ReadEvent is the data of a "read" stream event.
type ReadEvent struct {
	ConversationID string    `json:"conversation_id"`
	ParticipantID  string    `json:"participant_id"`
	Count          int       `json:"count"`
	At             time.Time `json:"at"`
}

func conversationJSON(c *store.Conversation) Conversation {
	out := Conversation{
		ID:             c.ID,
		Participants:   [2]string{c.ParticipantLow, c.ParticipantHigh},
		CreatedAt:      c.CreatedAt,
		LastActivityAt: c.LastActivityAt,
	}
	if c.ContextRef != nil {
		out.ContextRef = *c.ContextRef
	}
	return out
}

func messageJSON(m *store.Message) Message {
	return Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		Seq:             m.Seq,
		SenderID:        m.SenderID,
		Content:         m.Content,
		Type:            m.Type,
		ClientMessageID: m.ClientMessageID,
		CreatedAt:       m.CreatedAt,
		ReadAt:          m.ReadAt,
	}
}

func inboxJSON(v inbox.View) InboxEntry {
	out := InboxEntry{
		ConversationID: v.ConversationID,
		ContextRef:     v.ContextRef,
		ContextTitle:   v.ContextTitle,
		LastActivityAt: v.LastActivityAt,
		Other: Participant{
			ID:           v.Other.ID,
			DisplayName:  v.Other.DisplayName,
			Email:        v.Other.Email,
			AvatarURL:    v.Other.AvatarURL,
			PracticeName: v.Other.PracticeName,
			Role:         v.Other.Role,
			Verified:     v.Other.Verified,
		},
		Unread:  v.Unread,
		Missing: v.Missing,
	}
	if v.LastMessage != nil {
		out.LastMessage = &Preview{
			MessageID: v.LastMessage.MessageID,
			SenderID:  v.LastMessage.SenderID,
			Content:   v.LastMessage.Content,
			CreatedAt: v.LastMessage.CreatedAt,
		}
	}
	return out
}
