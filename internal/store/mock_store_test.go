// ABOUTME: Tests for MockStore failure injection and copy semantics
// ABOUTME: Ensures callers cannot mutate stored records through returned pointers

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_FailOn(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	boom := errors.New("disk on fire")

	s.FailOn("AppendMessage", boom)
	createTestConversation(t, s, "conv-1", "alice", "bob")

	err := s.AppendMessage(ctx, &Message{ConversationID: "conv-1", SenderID: "alice", Content: "Hi"})
	assert.ErrorIs(t, err, boom)

	count, err := s.UnreadCount(ctx, "conv-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failed append must not touch counters")

	s.FailOn("AppendMessage", nil)
	appendText(t, s, "conv-1", "alice", "Hi")
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	createTestConversation(t, s, "conv-1", "alice", "bob")
	appendText(t, s, "conv-1", "alice", "Hi")

	conv, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	conv.ParticipantHigh = "mallory"

	msgs, err := s.ListMessages(ctx, ListOptions{Filter: Eq(FieldConversationID, "conv-1")})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	msgs[0].Content = "edited"

	conv, err = s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "bob", conv.ParticipantHigh)

	latest, err := s.LatestMessage(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Hi", latest.Content)
}

func TestFilter_ToSQL(t *testing.T) {
	where, args, err := And(
		Eq(FieldConversationID, "conv-1"),
		Or(IsNull(FieldReadAt), In(FieldSenderID, "alice", "bob")),
	).toSQL(messageFields)
	require.NoError(t, err)
	assert.Equal(t, "(conversation_id = ?) AND ((read_at IS NULL) OR (sender_id IN (?,?)))", where)
	assert.Equal(t, []any{"conv-1", "alice", "bob"}, args)

	where, _, err = Filter{}.toSQL(messageFields)
	require.NoError(t, err)
	assert.Equal(t, "1=1", where)

	_, _, err = Eq(FieldSenderID, "x").toSQL(conversationFields)
	assert.Error(t, err)
}

func TestOrderSQL_SkipsRepeatedTiebreak(t *testing.T) {
	tiebreak := []Order{{Field: FieldCreatedAt}, {Field: FieldSeq}}

	order, err := orderSQL([]Order{{Field: FieldCreatedAt}, {Field: FieldSeq}}, messageFields, tiebreak...)
	require.NoError(t, err)
	assert.Equal(t, " ORDER BY created_at ASC, seq ASC", order)

	order, err = orderSQL([]Order{{Field: FieldSenderID, Desc: true}}, messageFields, tiebreak...)
	require.NoError(t, err)
	assert.Equal(t, " ORDER BY sender_id DESC, created_at ASC, seq ASC", order)

	order, err = orderSQL(nil, messageFields)
	require.NoError(t, err)
	assert.Empty(t, order)
}

func TestFilter_Match(t *testing.T) {
	values := map[Field]string{FieldSenderID: "alice"}
	get := func(f Field) (string, bool) {
		v, ok := values[f]
		return v, ok
	}

	assert.True(t, Filter{}.match(get))
	assert.True(t, Eq(FieldSenderID, "alice").match(get))
	assert.False(t, NotEq(FieldSenderID, "alice").match(get))
	assert.True(t, IsNull(FieldReadAt).match(get))
	assert.False(t, NotNull(FieldReadAt).match(get))
	assert.False(t, In(FieldSenderID).match(get))
	assert.True(t, Or(Eq(FieldSenderID, "bob"), Eq(FieldSenderID, "alice")).match(get))
	assert.False(t, And(Eq(FieldSenderID, "alice"), NotNull(FieldReadAt)).match(get))
}
