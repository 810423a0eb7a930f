// ABOUTME: Tests for the inbox Assembler
// ABOUTME: Covers ordering, enrichment, per-field failure isolation, search and cancellation

package inbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/locus-dm/internal/store"
)

// flakyDirectory fails profile lookups for selected participants
type flakyDirectory struct {
	*store.MockStore
	failProfiles map[string]bool
	calls        atomic.Int32
}

func (d *flakyDirectory) GetProfile(ctx context.Context, participantID string) (*store.Profile, error) {
	d.calls.Add(1)
	if d.failProfiles[participantID] {
		return nil, errors.New("identity service unavailable")
	}
	return d.MockStore.GetProfile(ctx, participantID)
}

func seed(t *testing.T) *store.MockStore {
	t.Helper()
	s := store.NewMockStore()
	ctx := context.Background()

	job := "job-42"
	base := time.Now().UTC()
	for i, c := range []*store.Conversation{
		{ID: "conv-ab", ParticipantLow: "alice", ParticipantHigh: "bob", ContextRef: &job},
		{ID: "conv-ac", ParticipantLow: "alice", ParticipantHigh: "carol"},
		{ID: "conv-bc", ParticipantLow: "bob", ParticipantHigh: "carol"},
	} {
		c.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		c.LastActivityAt = c.CreatedAt
		require.NoError(t, s.CreateConversation(ctx, c))
	}

	require.NoError(t, s.UpsertProfile(ctx, &store.Profile{
		ParticipantID: "bob", DisplayName: "Bob Smith", Email: "bob@example.com",
		PracticeName: "Smile Dental", Role: "provider", Verified: true,
	}))
	require.NoError(t, s.UpsertProfile(ctx, &store.Profile{
		ParticipantID: "carol", DisplayName: "Carol Jones", Email: "carol@example.com", Role: "requester",
	}))
	require.NoError(t, s.UpsertContext(ctx, &store.ContextRecord{ID: "job-42", Title: "Weekend Hygienist"}))

	// conv-ab becomes the most recently active
	require.NoError(t, s.AppendMessage(ctx, &store.Message{ConversationID: "conv-ac", SenderID: "carol", Content: "hey",
		CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.AppendMessage(ctx, &store.Message{ConversationID: "conv-ab", SenderID: "bob", Content: "Are you free?",
		CreatedAt: base.Add(2 * time.Second)}))
	require.NoError(t, s.AppendMessage(ctx, &store.Message{ConversationID: "conv-ab", SenderID: "bob", Content: "Tuesday works",
		CreatedAt: base.Add(3 * time.Second)}))
	return s
}

func TestAssembler_ListForParticipant(t *testing.T) {
	s := seed(t)
	a := NewAssembler(s, s, Config{Concurrency: 2}, nil, nil)

	views, err := a.ListForParticipant(context.Background(), "alice", Options{})
	require.NoError(t, err)
	require.Len(t, views, 2)

	ab := views[0]
	assert.Equal(t, "conv-ab", ab.ConversationID)
	assert.Equal(t, "bob", ab.Other.ID)
	assert.Equal(t, "Bob Smith", ab.Other.DisplayName)
	assert.True(t, ab.Other.Verified)
	assert.Equal(t, "job-42", ab.ContextRef)
	assert.Equal(t, "Weekend Hygienist", ab.ContextTitle)
	require.NotNil(t, ab.LastMessage)
	assert.Equal(t, "Tuesday works", ab.LastMessage.Content)
	assert.Equal(t, "bob", ab.LastMessage.SenderID)
	assert.Equal(t, 2, ab.Unread)
	assert.Empty(t, ab.Missing)

	ac := views[1]
	assert.Equal(t, "conv-ac", ac.ConversationID)
	assert.Equal(t, "carol", ac.Other.ID)
	assert.Empty(t, ac.ContextTitle)
	assert.Equal(t, 1, ac.Unread)
}

func TestAssembler_EmptyInbox(t *testing.T) {
	s := seed(t)
	a := NewAssembler(s, s, Config{}, nil, nil)

	views, err := a.ListForParticipant(context.Background(), "dave", Options{})
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestAssembler_MissingProfileIsNotAFailure(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, &store.Conversation{ID: "conv-ad", ParticipantLow: "alice", ParticipantHigh: "dave"}))

	a := NewAssembler(s, s, Config{}, nil, nil)
	views, err := a.ListForParticipant(ctx, "alice", Options{})
	require.NoError(t, err)

	for _, v := range views {
		if v.ConversationID == "conv-ad" {
			assert.Equal(t, "dave", v.Other.ID)
			assert.Empty(t, v.Other.DisplayName)
			assert.Empty(t, v.Missing)
			assert.Nil(t, v.LastMessage)
			return
		}
	}
	t.Fatal("conv-ad missing from inbox")
}

func TestAssembler_FailedEnrichmentDegradesOneEntry(t *testing.T) {
	s := seed(t)
	dir := &flakyDirectory{MockStore: s, failProfiles: map[string]bool{"bob": true}}
	a := NewAssembler(s, dir, Config{}, nil, nil)

	views, err := a.ListForParticipant(context.Background(), "alice", Options{})
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, "conv-ab", views[0].ConversationID)
	assert.Equal(t, []string{FieldProfile}, views[0].Missing)
	assert.Empty(t, views[0].Other.DisplayName)
	assert.Equal(t, "bob", views[0].Other.ID)
	// Other fields of the degraded entry are still filled
	assert.Equal(t, "Weekend Hygienist", views[0].ContextTitle)
	assert.Equal(t, 2, views[0].Unread)

	assert.Empty(t, views[1].Missing)
	assert.Equal(t, "Carol Jones", views[1].Other.DisplayName)
}

func TestAssembler_StoreFailureOnUnreadIsIsolated(t *testing.T) {
	s := seed(t)
	s.FailOn("UnreadCount", errors.New("timeout"))
	a := NewAssembler(s, s, Config{}, nil, nil)

	views, err := a.ListForParticipant(context.Background(), "alice", Options{})
	require.NoError(t, err)
	require.Len(t, views, 2)
	for _, v := range views {
		assert.Equal(t, []string{FieldUnread}, v.Missing)
		assert.Equal(t, 0, v.Unread)
		assert.NotNil(t, v.LastMessage)
	}
}

func TestAssembler_ListFailure(t *testing.T) {
	s := seed(t)
	s.FailOn("ListConversations", errors.New("database is locked"))
	a := NewAssembler(s, s, Config{}, nil, nil)

	_, err := a.ListForParticipant(context.Background(), "alice", Options{})
	assert.Error(t, err)
}

func TestAssembler_Query(t *testing.T) {
	s := seed(t)
	a := NewAssembler(s, s, Config{}, nil, nil)
	ctx := context.Background()

	tests := []struct {
		query string
		want  []string
	}{
		{"smile", []string{"conv-ab"}},
		{"HYGIENIST", []string{"conv-ab"}},
		{"carol@", []string{"conv-ac"}},
		{"jones", []string{"conv-ac"}},
		{"nobody", nil},
		{"  ", []string{"conv-ab", "conv-ac"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			views, err := a.ListForParticipant(ctx, "alice", Options{Query: tt.query})
			require.NoError(t, err)
			var got []string
			for _, v := range views {
				got = append(got, v.ConversationID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssembler_CancelledContext(t *testing.T) {
	s := seed(t)
	dir := &flakyDirectory{MockStore: s}
	a := NewAssembler(s, dir, Config{Concurrency: 1}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.ListForParticipant(ctx, "alice", Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, dir.calls.Load(), "no enrichment fetches after cancellation")
}
