// ABOUTME: Outbox holds optimistically rendered messages until the server confirms them
// ABOUTME: The staged temp id doubles as the client message id so retries never duplicate

package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/locus-dm/internal/api"
)

// ErrUnknownItem is returned for a temp id the outbox does not hold.
var ErrUnknownItem = errors.New("unknown outbox item")

// Status of a staged message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Item is one optimistic message.
type Item struct {
	TempID         string
	ConversationID string
	Content        string
	Status         Status
	StagedAt       time.Time

	// Message is the server copy once Status is StatusSent.
	Message *api.Message
	// Err is the last send failure once Status is StatusFailed.
	Err error
}

// Sender is the slice of Client the outbox needs.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, content, clientMessageID string) (*api.Message, error)
}

// Outbox is safe for concurrent use.
type Outbox struct {
	mu    sync.Mutex
	items []*Item
	newID func() string
	now   func() time.Time
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Stage adds a pending message and returns a copy of it.
func (o *Outbox) Stage(conversationID, content string) Item {
	o.mu.Lock()
	defer o.mu.Unlock()

	it := &Item{
		TempID:         o.newID(),
		ConversationID: conversationID,
		Content:        content,
		Status:         StatusPending,
		StagedAt:       o.now(),
	}
	o.items = append(o.items, it)
	return *it
}

// Confirm replaces the staged entry with the server's message. If another
// entry already shows the same server message, the staged one is dropped.
func (o *Outbox) Confirm(tempID string, msg api.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.indexLocked(tempID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownItem, tempID)
	}
	for i, other := range o.items {
		if i != idx && other.Message != nil && other.Message.ID == msg.ID {
			o.items = slices.Delete(o.items, idx, idx+1)
			return nil
		}
	}

	it := o.items[idx]
	it.Status = StatusSent
	it.Message = &msg
	it.Err = nil
	return nil
}

// Fail marks the staged entry failed. It stays visible with its error.
func (o *Outbox) Fail(tempID string, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.indexLocked(tempID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownItem, tempID)
	}
	it := o.items[idx]
	it.Status = StatusFailed
	it.Err = err
	return nil
}

// Retry moves a failed entry back to pending. The returned item keeps its
// temp id, so resending it lets the server recognise the earlier attempt.
func (o *Outbox) Retry(tempID string) (Item, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.indexLocked(tempID)
	if idx < 0 {
		return Item{}, fmt.Errorf("%w: %s", ErrUnknownItem, tempID)
	}
	it := o.items[idx]
	if it.Status == StatusSent {
		return *it, nil
	}
	it.Status = StatusPending
	it.Err = nil
	return *it, nil
}

// Discard removes an entry regardless of status.
func (o *Outbox) Discard(tempID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if idx := o.indexLocked(tempID); idx >= 0 {
		o.items = slices.Delete(o.items, idx, idx+1)
	}
}

// Items returns copies of the entries for a conversation in staging order.
// An empty conversationID returns every entry.
func (o *Outbox) Items(conversationID string) []Item {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Item, 0, len(o.items))
	for _, it := range o.items {
		if conversationID == "" || it.ConversationID == conversationID {
			out = append(out, *it)
		}
	}
	return out
}

// Send stages content and sends it through s, confirming or failing the entry.
func (o *Outbox) Send(ctx context.Context, s Sender, conversationID, content string) (Item, error) {
	it := o.Stage(conversationID, content)
	return o.deliver(ctx, s, it)
}

// Resend retries a failed entry through s.
func (o *Outbox) Resend(ctx context.Context, s Sender, tempID string) (Item, error) {
	it, err := o.Retry(tempID)
	if err != nil {
		return Item{}, err
	}
	if it.Status == StatusSent {
		return it, nil
	}
	return o.deliver(ctx, s, it)
}

func (o *Outbox) deliver(ctx context.Context, s Sender, it Item) (Item, error) {
	msg, err := s.SendMessage(ctx, it.ConversationID, it.Content, it.TempID)
	if err != nil {
		_ = o.Fail(it.TempID, err)
		return o.get(it.TempID), err
	}
	if err := o.Confirm(it.TempID, *msg); err != nil {
		return Item{}, err
	}
	it.Status = StatusSent
	it.Message = msg
	return it, nil
}

func (o *Outbox) get(tempID string) Item {
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx := o.indexLocked(tempID); idx >= 0 {
		return *o.items[idx]
	}
	return Item{}
}

func (o *Outbox) indexLocked(tempID string) int {
	return slices.IndexFunc(o.items, func(it *Item) bool { return it.TempID == tempID })
}
