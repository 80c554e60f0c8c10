package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duplex-chat/duplex/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newTestMessage(convID uuid.UUID, senderID, content string, at time.Time) *models.Message {
	at = at.UTC()
	return &models.Message{
		ID:             ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      at,
	}
}

func TestCreateAndFindConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv, err := s.CreateConversation(ctx, "alice", "bob", now)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "alice", conv.UserA)
	assert.Equal(t, "bob", conv.UserB)

	found, err := s.FindConversationByPair(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, conv.ID, found.ID)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, conv.ID, got.ID)

	// Both participant rows exist with the join time as watermark
	for _, userID := range []string{"alice", "bob"} {
		p, err := s.GetParticipant(ctx, conv.ID, userID)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, userID, p.UserID)
	}
}

func TestCreateConversationDuplicatePair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.CreateConversation(ctx, "alice", "bob", now)
	require.NoError(t, err)

	_, err = s.CreateConversation(ctx, "alice", "bob", now.Add(time.Second))
	assert.ErrorIs(t, err, ErrDuplicatePair)
}

func TestFindConversationByPairMissing(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.FindConversationByPair(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestGetParticipantNonMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alice", "bob", time.Now().UTC())
	require.NoError(t, err)

	p, err := s.GetParticipant(ctx, conv.ID, "mallory")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMarkRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv, err := s.CreateConversation(ctx, "alice", "bob", now)
	require.NoError(t, err)

	ok, err := s.MarkRead(ctx, conv.ID, "alice", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkRead(ctx, conv.ID, "mallory", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkReadNeverMovesBackwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv, err := s.CreateConversation(ctx, "alice", "bob", now)
	require.NoError(t, err)

	// Bob sends; alice reads past it, then a stale read-mark arrives
	msg := newTestMessage(conv.ID, "bob", "hi", now.Add(time.Second))
	require.NoError(t, s.InsertMessage(ctx, msg))

	_, err = s.MarkRead(ctx, conv.ID, "alice", now.Add(2*time.Second))
	require.NoError(t, err)

	_, err = s.MarkRead(ctx, conv.ID, "alice", now.Add(-time.Hour))
	require.NoError(t, err)

	count, err := s.UnreadCount(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestListMessagesSinceOrderAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv, err := s.CreateConversation(ctx, "alice", "bob", now)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		msg := newTestMessage(conv.ID, "alice", "msg", now.Add(time.Duration(i+1)*time.Second))
		require.NoError(t, s.InsertMessage(ctx, msg))
		ids = append(ids, msg.ID)
	}

	msgs, err := s.ListMessagesSince(ctx, conv.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		assert.Equal(t, ids[i], msg.ID)
	}

	// Page strictly after the second message
	msgs, err = s.ListMessagesSince(ctx, conv.ID, ids[1], 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, ids[2], msgs[0].ID)

	// Limit truncates
	msgs, err = s.ListMessagesSince(ctx, conv.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[0], msgs[0].ID)
	assert.Equal(t, ids[1], msgs[1].ID)
}

func TestSoftDeleteMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv, err := s.CreateConversation(ctx, "alice", "bob", now)
	require.NoError(t, err)

	msg := newTestMessage(conv.ID, "alice", "oops", now.Add(time.Second))
	require.NoError(t, s.InsertMessage(ctx, msg))

	ok, err := s.SoftDeleteMessage(ctx, msg.ID, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	// Second delete is a no-op
	ok, err = s.SoftDeleteMessage(ctx, msg.ID, now.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	// Hidden from listings, still fetchable by ID
	msgs, err := s.ListMessagesSince(ctx, conv.ID, "", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotNil(t, got.DeletedAt)
}

func TestUnreadCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv, err := s.CreateConversation(ctx, "alice", "bob", now)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msg := newTestMessage(conv.ID, "bob", "hey", now.Add(time.Duration(i+1)*time.Second))
		require.NoError(t, s.InsertMessage(ctx, msg))
	}
	// Alice's own message never counts against her
	own := newTestMessage(conv.ID, "alice", "reply", now.Add(4*time.Second))
	require.NoError(t, s.InsertMessage(ctx, own))

	count, err := s.UnreadCount(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = s.UnreadCount(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = s.MarkRead(ctx, conv.ID, "alice", now.Add(10*time.Second))
	require.NoError(t, err)

	count, err = s.UnreadCount(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestListConversationSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c1, err := s.CreateConversation(ctx, "alice", "bob", now)
	require.NoError(t, err)
	c2, err := s.CreateConversation(ctx, "alice", "carol", now.Add(time.Second))
	require.NoError(t, err)

	// Bob messages alice; that conversation becomes the most recent
	msg := newTestMessage(c1.ID, "bob", "hello", now.Add(2*time.Second))
	require.NoError(t, s.InsertMessage(ctx, msg))
	require.NoError(t, s.TouchConversation(ctx, c1.ID, msg.CreatedAt))

	summaries, err := s.ListConversationSummaries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, c1.ID, summaries[0].Conversation.ID)
	assert.Equal(t, "bob", summaries[0].OtherUserID)
	require.NotNil(t, summaries[0].LastMessage)
	assert.Equal(t, msg.ID, summaries[0].LastMessage.ID)
	assert.Equal(t, int64(1), summaries[0].UnreadCount)

	assert.Equal(t, c2.ID, summaries[1].Conversation.ID)
	assert.Equal(t, "carol", summaries[1].OtherUserID)
	assert.Nil(t, summaries[1].LastMessage)
	assert.Equal(t, int64(0), summaries[1].UnreadCount)

	// Soft-deleted messages drop out of both preview and unread count
	ok, err := s.SoftDeleteMessage(ctx, msg.ID, now.Add(3*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	summaries, err = s.ListConversationSummaries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Nil(t, summaries[0].LastMessage)
	assert.Equal(t, int64(0), summaries[0].UnreadCount)

	// Users without conversations get an empty inbox
	summaries, err = s.ListConversationSummaries(ctx, "mallory")
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestStatsAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	count, err := s.CountConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	last, err := s.GetMostRecentActivity(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	conv, err := s.CreateConversation(ctx, "alice", "bob", now)
	require.NoError(t, err)
	msg := newTestMessage(conv.ID, "alice", "hi", now.Add(time.Second))
	require.NoError(t, s.InsertMessage(ctx, msg))

	count, err = s.CountConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = s.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	last, err = s.GetMostRecentActivity(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
}
