// ABOUTME: Behavioural tests run against both SQLiteStore and MockStore
// ABOUTME: Keeps the in-memory store faithful to the SQLite semantics

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend interface {
	Store
	DirectoryStore
}

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachBackend runs fn against a fresh SQLiteStore and a fresh MockStore.
func forEachBackend(t *testing.T, fn func(t *testing.T, s testBackend)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, setupTestStore(t))
	})
	t.Run("mock", func(t *testing.T) {
		fn(t, NewMockStore())
	})
}

func createTestConversation(t *testing.T, s Store, id, low, high string) *Conversation {
	t.Helper()
	now := time.Now().UTC()
	conv := &Conversation{
		ID:              id,
		ParticipantLow:  low,
		ParticipantHigh: high,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func appendText(t *testing.T, s Store, convID, sender, content string) *Message {
	t.Helper()
	msg := &Message{ConversationID: convID, SenderID: sender, Content: content}
	require.NoError(t, s.AppendMessage(context.Background(), msg))
	return msg
}

func TestStore_CreateConversation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		ctx := context.Background()
		ref := "job-42"
		conv := &Conversation{
			ID:              "conv-1",
			ParticipantLow:  "alice",
			ParticipantHigh: "bob",
			ContextRef:      &ref,
			CreatedAt:       time.Now().UTC(),
			LastActivityAt:  time.Now().UTC(),
		}
		require.NoError(t, s.CreateConversation(ctx, conv))

		got, err := s.GetConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.ParticipantLow)
		assert.Equal(t, "bob", got.ParticipantHigh)
		require.NotNil(t, got.ContextRef)
		assert.Equal(t, "job-42", *got.ContextRef)
		assert.Equal(t, int64(1), got.NextSeq)

		byPair, err := s.GetConversationByPair(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, "conv-1", byPair.ID)
	})
}

func TestStore_CreateConversation_DuplicatePair(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		createTestConversation(t, s, "conv-1", "alice", "bob")

		dup := &Conversation{ID: "conv-2", ParticipantLow: "alice", ParticipantHigh: "bob"}
		err := s.CreateConversation(context.Background(), dup)
		assert.ErrorIs(t, err, ErrDuplicateConversation)
	})
}

func TestStore_GetConversation_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		ctx := context.Background()
		_, err := s.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetConversationByPair(ctx, "alice", "bob")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListConversations_Filter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		ctx := context.Background()
		createTestConversation(t, s, "conv-ab", "alice", "bob")
		createTestConversation(t, s, "conv-ac", "alice", "carol")
		createTestConversation(t, s, "conv-bc", "bob", "carol")

		convs, err := s.ListConversations(ctx, ListOptions{
			Filter: Or(Eq(FieldParticipantLow, "alice"), Eq(FieldParticipantHigh, "alice")),
		})
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, "conv-ab", convs[0].ID)
		assert.Equal(t, "conv-ac", convs[1].ID)

		convs, err = s.ListConversations(ctx, ListOptions{Filter: In(FieldID, "conv-bc", "nope")})
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "conv-bc", convs[0].ID)

		convs, err = s.ListConversations(ctx, ListOptions{Filter: In(FieldID)})
		require.NoError(t, err)
		assert.Empty(t, convs)
	})
}

func TestStore_ListConversations_OrderByActivity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		ctx := context.Background()
		createTestConversation(t, s, "conv-ab", "alice", "bob")
		createTestConversation(t, s, "conv-ac", "alice", "carol")

		// conv-ab gets the most recent message
		appendText(t, s, "conv-ac", "carol", "first")
		time.Sleep(2 * time.Millisecond)
		appendText(t, s, "conv-ab", "bob", "second")

		convs, err := s.ListConversations(ctx, ListOptions{
			Order: []Order{{Field: FieldLastActivityAt, Desc: true}},
			Limit: 1,
		})
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "conv-ab", convs[0].ID)
	})
}

func TestStore_AppendMessage_AssignsSeqAndOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		ctx := context.Background()
		createTestConversation(t, s, "conv-1", "alice", "bob")

		// A timestamp in the past must not reorder the log
		m1 := appendText(t, s, "conv-1", "alice", "Hi")
		m2 := &Message{
			ConversationID: "conv-1",
			SenderID:       "bob",
			Content:        "Hello",
			CreatedAt:      m1.CreatedAt.Add(-time.Hour),
		}
		require.NoError(t, s.AppendMessage(ctx, m2))
		m3 := appendText(t, s, "conv-1", "alice", "Are you free Tuesday?")

		assert.Equal(t, int64(1), m1.Seq)
		assert.Equal(t, int64(2), m2.Seq)
		assert.Equal(t, int64(3), m3.Seq)
		assert.False(t, m2.CreatedAt.Before(m1.CreatedAt))
		assert.Equal(t, MessageTypeText, m1.Type)
		assert.NotEmpty(t, m1.ID)

		msgs, err := s.ListMessages(ctx, ListOptions{
			Filter: Eq(FieldConversationID, "conv-1"),
			Order:  []Order{{Field: FieldCreatedAt}},
		})
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, []string{"Hi", "Hello", "Are you free Tuesday?"},
			[]string{msgs[0].Content, msgs[1].Content, msgs[2].Content})

		latest, err := s.LatestMessage(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, m3.ID, latest.ID)

		conv, err := s.GetConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.True(t, conv.LastActivityAt.Equal(m3.CreatedAt))
		assert.Equal(t, int64(4), conv.NextSeq)
	})
}

func TestStore_AppendMessage_Errors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		ctx := context.Background()
		createTestConversation(t, s, "conv-1", "alice", "bob")

		err := s.AppendMessage(ctx, &Message{ConversationID: "missing", SenderID: "alice", Content: "x"})
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.AppendMessage(ctx, &Message{ConversationID: "conv-1", SenderID: "carol", Content: "x"})
		assert.ErrorIs(t, err, ErrNotParticipant)

		_, err = s.LatestMessage(ctx, "conv-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_AppendMessage_ClientMessageIDIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		ctx := context.Background()
		createTestConversation(t, s, "conv-1", "alice", "bob")

		first := &Message{ConversationID: "conv-1", SenderID: "alice", Content: "Hi", ClientMessageID: "c-1"}
		require.NoError(t, s.AppendMessage(ctx, first))

		retry := &Message{ConversationID: "conv-1", SenderID: "alice", Content: "Hi", ClientMessageID: "c-1"}
		err := s.AppendMessage(ctx, retry)
		assert.ErrorIs(t, err, ErrDuplicateMessage)
		assert.Equal(t, first.ID, retry.ID)
		assert.Equal(t, first.Seq, retry.Seq)

		count, err := s.UnreadCount(ctx, "conv-1", "bob")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestStore_AppendMessage_ClientMessageIDIsScopedToSender(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		ctx := context.Background()
		createTestConversation(t, s, "conv-1", "alice", "bob")

		fromBob := &Message{ConversationID: "conv-1", SenderID: "bob", Content: "from bob", ClientMessageID: "X"}
		require.NoError(t, s.AppendMessage(ctx, fromBob))

		fromAlice := &Message{ConversationID: "conv-1", SenderID: "alice", Content: "from alice", ClientMessageID: "X"}
		require.NoError(t, s.AppendMessage(ctx, fromAlice))
		assert.NotEqual(t, fromBob.ID, fromAlice.ID)
		assert.Equal(t, "alice", fromAlice.SenderID)
		assert.Equal(t, "from alice", fromAlice.Content)

		msgs, err := s.ListMessages(ctx, ListOptions{Filter: Eq(FieldConversationID, "conv-1")})
		require.NoError(t, err)
		assert.Len(t, msgs, 2)

		bobUnread, err := s.UnreadCount(ctx, "conv-1", "bob")
		require.NoError(t, err)
		assert.Equal(t, 1, bobUnread)
		aliceUnread, err := s.UnreadCount(ctx, "conv-1", "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, aliceUnread)
	})
}

func TestStore_MarkRead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		ctx := context.Background()
		createTestConversation(t, s, "conv-1", "alice", "bob")

		appendText(t, s, "conv-1", "alice", "one")
		appendText(t, s, "conv-1", "alice", "two")
		appendText(t, s, "conv-1", "bob", "three")

		bobUnread, err := s.UnreadCount(ctx, "conv-1", "bob")
		require.NoError(t, err)
		assert.Equal(t, 2, bobUnread)
		aliceUnread, err := s.UnreadCount(ctx, "conv-1", "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, aliceUnread)

		readAt := time.Now().UTC()
		n, err := s.MarkRead(ctx, "conv-1", "bob", readAt)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		bobUnread, err = s.UnreadCount(ctx, "conv-1", "bob")
		require.NoError(t, err)
		assert.Equal(t, 0, bobUnread)

		// Bob's own message stays unread for alice
		aliceUnread, err = s.UnreadCount(ctx, "conv-1", "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, aliceUnread)

		// Second call stamps nothing and keeps the original read_at
		n, err = s.MarkRead(ctx, "conv-1", "bob", readAt.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		read, err := s.ListMessages(ctx, ListOptions{
			Filter: And(Eq(FieldConversationID, "conv-1"), NotNull(FieldReadAt)),
		})
		require.NoError(t, err)
		require.Len(t, read, 2)
		for _, m := range read {
			assert.Equal(t, "alice", m.SenderID)
			require.NotNil(t, m.ReadAt)
			assert.True(t, m.ReadAt.Equal(readAt.Truncate(time.Nanosecond)), "read_at should not move")
		}

		_, err = s.MarkRead(ctx, "missing", "bob", readAt)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_UnreadCount_NoRow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		createTestConversation(t, s, "conv-1", "alice", "bob")
		count, err := s.UnreadCount(context.Background(), "conv-1", "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestStore_ConcurrentAppendAndMarkRead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		ctx := context.Background()
		createTestConversation(t, s, "conv-1", "alice", "bob")

		const senders = 10
		var wg sync.WaitGroup
		for i := 0; i < senders; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				msg := &Message{ConversationID: "conv-1", SenderID: "alice", Content: fmt.Sprintf("msg %d", i)}
				assert.NoError(t, s.AppendMessage(ctx, msg))
			}(i)
			go func() {
				defer wg.Done()
				_, err := s.MarkRead(ctx, "conv-1", "bob", time.Now())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		cached, err := s.UnreadCount(ctx, "conv-1", "bob")
		require.NoError(t, err)
		actual, err := s.CountUnread(ctx, "conv-1", "bob")
		require.NoError(t, err)
		assert.Equal(t, actual, cached)

		msgs, err := s.ListMessages(ctx, ListOptions{Filter: Eq(FieldConversationID, "conv-1")})
		require.NoError(t, err)
		require.Len(t, msgs, senders)
		seen := make(map[int64]bool)
		for _, m := range msgs {
			assert.False(t, seen[m.Seq], "duplicate seq %d", m.Seq)
			seen[m.Seq] = true
		}
	})
}

func TestStore_RepairUnreadCounters(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		s := setupTestStore(t)
		ctx := context.Background()
		createTestConversation(t, s, "conv-1", "alice", "bob")
		appendText(t, s, "conv-1", "alice", "one")
		appendText(t, s, "conv-1", "alice", "two")

		_, err := s.db.ExecContext(ctx,
			`UPDATE read_state SET unread_count = 7 WHERE conversation_id = ? AND participant_id = ?`, "conv-1", "bob")
		require.NoError(t, err)

		fixed, err := s.RepairUnreadCounters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, fixed)

		count, err := s.UnreadCount(ctx, "conv-1", "bob")
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		fixed, err = s.RepairUnreadCounters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, fixed)
	})

	t.Run("mock", func(t *testing.T) {
		s := NewMockStore()
		ctx := context.Background()
		createTestConversation(t, s, "conv-1", "alice", "bob")
		appendText(t, s, "conv-1", "alice", "one")
		s.SetUnreadCounter("conv-1", "bob", 5)

		fixed, err := s.RepairUnreadCounters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, fixed)

		count, err := s.UnreadCount(ctx, "conv-1", "bob")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestStore_Directory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s testBackend) {
		ctx := context.Background()

		_, err := s.GetProfile(ctx, "alice")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.UpsertProfile(ctx, &Profile{
			ParticipantID: "alice",
			DisplayName:   "Alice",
			Email:         "alice@example.com",
			PracticeName:  "Northside Dental",
			Verified:      true,
		}))
		require.NoError(t, s.UpsertProfile(ctx, &Profile{
			ParticipantID: "alice",
			DisplayName:   "Alice A.",
			Email:         "alice@example.com",
			MatrixRoomID:  "!room:example.org",
		}))

		p, err := s.GetProfile(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice A.", p.DisplayName)
		assert.Equal(t, "!room:example.org", p.MatrixRoomID)
		assert.False(t, p.Verified)

		require.NoError(t, s.UpsertContext(ctx, &ContextRecord{ID: "job-42", Title: "Dental Hygienist"}))
		c, err := s.GetContext(ctx, "job-42")
		require.NoError(t, err)
		assert.Equal(t, "Dental Hygienist", c.Title)

		_, err = s.GetContext(ctx, "job-99")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestStore_RejectsUnindexedFields(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.ListMessages(context.Background(), ListOptions{Filter: Eq(Field("content"), "x")})
	assert.Error(t, err)

	_, err = s.ListConversations(context.Background(), ListOptions{Order: []Order{{Field: FieldSenderID}}})
	assert.Error(t, err)
}
