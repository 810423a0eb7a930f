// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject per-operation failures

package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store and DirectoryStore implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	pairIndex     map[string]string        // keyed by "low\x00high" -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, in log order
	unread        map[string]int           // keyed by "convID\x00participantID"
	profiles      map[string]*Profile
	contexts      map[string]*ContextRecord
	failures      map[string]error // keyed by method name
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		pairIndex:     make(map[string]string),
		messages:      make(map[string][]*Message),
		unread:        make(map[string]int),
		profiles:      make(map[string]*Profile),
		contexts:      make(map[string]*ContextRecord),
		failures:      make(map[string]error),
	}
}

// FailOn makes every subsequent call to method return err. A nil err clears it.
func (m *MockStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func (m *MockStore) failure(method string) error {
	return m.failures[method]
}

func pairKey(low, high string) string {
	return low + "\x00" + high
}

func unreadKey(convID, participantID string) string {
	return convID + "\x00" + participantID
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	if c.ContextRef != nil {
		ref := *c.ContextRef
		cp.ContextRef = &ref
	}
	return &cp
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	if msg.ReadAt != nil {
		t := *msg.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}

// CreateConversation stores a new conversation, enforcing pair uniqueness.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateConversation"); err != nil {
		return err
	}

	key := pairKey(conv.ParticipantLow, conv.ParticipantHigh)
	if _, exists := m.pairIndex[key]; exists {
		return ErrDuplicateConversation
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}
	if conv.NextSeq == 0 {
		conv.NextSeq = 1
	}

	m.conversations[conv.ID] = copyConversation(conv)
	m.pairIndex[key] = conv.ID
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("GetConversation"); err != nil {
		return nil, err
	}

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// GetConversationByPair retrieves a conversation by canonical pair.
func (m *MockStore) GetConversationByPair(ctx context.Context, low, high string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("GetConversationByPair"); err != nil {
		return nil, err
	}

	id, ok := m.pairIndex[pairKey(low, high)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(m.conversations[id]), nil
}

func conversationField(c *Conversation) func(Field) (string, bool) {
	return func(f Field) (string, bool) {
		switch f {
		case FieldID:
			return c.ID, true
		case FieldParticipantLow:
			return c.ParticipantLow, true
		case FieldParticipantHigh:
			return c.ParticipantHigh, true
		case FieldContextRef:
			if c.ContextRef == nil {
				return "", false
			}
			return *c.ContextRef, true
		case FieldLastActivityAt:
			return formatTime(c.LastActivityAt), true
		}
		return "", false
	}
}

func messageField(msg *Message) func(Field) (string, bool) {
	return func(f Field) (string, bool) {
		switch f {
		case FieldID:
			return msg.ID, true
		case FieldConversationID:
			return msg.ConversationID, true
		case FieldSenderID:
			return msg.SenderID, true
		case FieldReadAt:
			if msg.ReadAt == nil {
				return "", false
			}
			return formatTime(*msg.ReadAt), true
		case FieldCreatedAt:
			return formatTime(msg.CreatedAt), true
		case FieldSeq:
			return strconv.FormatInt(msg.Seq, 10), true
		}
		return "", false
	}
}

// sortByOrders sorts items using the given orders; get must return comparable keys.
func sortByOrders[T any](items []T, orders []Order, get func(T, Field) string, seq func(T) int64) {
	sort.SliceStable(items, func(i, j int) bool {
		for _, o := range orders {
			var a, b string
			if o.Field == FieldSeq {
				if seq(items[i]) == seq(items[j]) {
					continue
				}
				less := seq(items[i]) < seq(items[j])
				return less != o.Desc
			}
			a, b = get(items[i], o.Field), get(items[j], o.Field)
			if a == b {
				continue
			}
			return (a < b) != o.Desc
		}
		return false
	})
}

// ListConversations returns conversations matching opts.
func (m *MockStore) ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListConversations"); err != nil {
		return nil, err
	}

	var result []*Conversation
	for _, c := range m.conversations {
		if opts.Filter.match(conversationField(c)) {
			result = append(result, copyConversation(c))
		}
	}

	orders := append(append([]Order{}, opts.Order...), Order{Field: FieldID})
	sortByOrders(result, orders,
		func(c *Conversation, f Field) string { v, _ := conversationField(c)(f); return v },
		func(c *Conversation) int64 { return 0 })

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// AppendMessage appends a message with the same semantics as SQLiteStore.AppendMessage.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("AppendMessage"); err != nil {
		return err
	}

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	recipient := conv.Other(msg.SenderID)
	if recipient == "" {
		return ErrNotParticipant
	}

	if msg.ClientMessageID != "" {
		for _, existing := range m.messages[msg.ConversationID] {
			if existing.SenderID == msg.SenderID && existing.ClientMessageID == msg.ClientMessageID {
				*msg = *copyMessage(existing)
				return ErrDuplicateMessage
			}
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if createdAt.Before(conv.LastActivityAt) {
		createdAt = conv.LastActivityAt
	}
	msg.CreatedAt = createdAt.UTC()
	msg.Seq = conv.NextSeq
	msg.ReadAt = nil

	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], copyMessage(msg))
	conv.NextSeq++
	conv.LastActivityAt = msg.CreatedAt
	m.unread[unreadKey(msg.ConversationID, recipient)]++
	return nil
}

// ListMessages returns messages matching opts.
func (m *MockStore) ListMessages(ctx context.Context, opts ListOptions) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListMessages"); err != nil {
		return nil, err
	}

	var result []*Message
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if opts.Filter.match(messageField(msg)) {
				result = append(result, copyMessage(msg))
			}
		}
	}

	desc := len(opts.Order) > 0 && opts.Order[0].Desc
	orders := append(append([]Order{}, opts.Order...),
		Order{Field: FieldCreatedAt, Desc: desc}, Order{Field: FieldSeq, Desc: desc})
	sortByOrders(result, orders,
		func(msg *Message, f Field) string { v, _ := messageField(msg)(f); return v },
		func(msg *Message) int64 { return msg.Seq })

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// LatestMessage returns the newest message of a conversation.
func (m *MockStore) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("LatestMessage"); err != nil {
		return nil, err
	}

	msgs := m.messages[conversationID]
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return copyMessage(msgs[len(msgs)-1]), nil
}

// MarkRead stamps the other participant's unread messages.
func (m *MockStore) MarkRead(ctx context.Context, conversationID, participantID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("MarkRead"); err != nil {
		return 0, err
	}

	if _, ok := m.conversations[conversationID]; !ok {
		return 0, ErrNotFound
	}

	n := 0
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != participantID && msg.ReadAt == nil {
			t := at.UTC()
			msg.ReadAt = &t
			n++
		}
	}

	key := unreadKey(conversationID, participantID)
	m.unread[key] = max(m.unread[key]-n, 0)
	return n, nil
}

// UnreadCount returns the maintained counter.
func (m *MockStore) UnreadCount(ctx context.Context, conversationID, participantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("UnreadCount"); err != nil {
		return 0, err
	}
	return m.unread[unreadKey(conversationID, participantID)], nil
}

// CountUnread recomputes the unread count from the message log.
func (m *MockStore) CountUnread(ctx context.Context, conversationID, participantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != participantID && msg.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

// RepairUnreadCounters rewrites every counter from the message log.
func (m *MockStore) RepairUnreadCounters(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fixed := 0
	for id, conv := range m.conversations {
		for _, p := range []string{conv.ParticipantLow, conv.ParticipantHigh} {
			actual := 0
			for _, msg := range m.messages[id] {
				if msg.SenderID != p && msg.ReadAt == nil {
					actual++
				}
			}
			key := unreadKey(id, p)
			if m.unread[key] != actual {
				m.unread[key] = actual
				fixed++
			}
		}
	}
	return fixed, nil
}

// SetUnreadCounter overwrites a counter. Used to simulate drift in tests.
func (m *MockStore) SetUnreadCounter(conversationID, participantID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unread[unreadKey(conversationID, participantID)] = n
}

// Ping always succeeds unless a failure was injected.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure("Ping")
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// UpsertProfile stores a profile.
func (m *MockStore) UpsertProfile(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpsertProfile"); err != nil {
		return err
	}
	cp := *p
	m.profiles[p.ParticipantID] = &cp
	return nil
}

// GetProfile retrieves a profile.
func (m *MockStore) GetProfile(ctx context.Context, participantID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("GetProfile"); err != nil {
		return nil, err
	}
	p, ok := m.profiles[participantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// UpsertContext stores a context record.
func (m *MockStore) UpsertContext(ctx context.Context, c *ContextRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpsertContext"); err != nil {
		return err
	}
	cp := *c
	m.contexts[c.ID] = &cp
	return nil
}

// GetContext retrieves a context record.
func (m *MockStore) GetContext(ctx context.Context, id string) (*ContextRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("GetContext"); err != nil {
		return nil, err
	}
	c, ok := m.contexts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// Ensure MockStore implements the store interfaces
var (
	_ Store          = (*MockStore)(nil)
	_ DirectoryStore = (*MockStore)(nil)
)
