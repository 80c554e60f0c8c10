package chat

import (
	"context"

	"github.com/google/uuid"

	"github.com/duplex-chat/duplex/internal/store"
)

// Unread computes per-participant unread counts on demand. The count is
// never maintained incrementally, so it cannot drift under concurrent
// deletes and read-marks; the Redis cache in front is invalidated on every
// event touching the pair and expires on its own as a backstop.
type Unread struct {
	store store.DataStore
	cache *store.RedisStore
}

// NewUnread creates an unread tracker. cache may be nil.
func NewUnread(ds store.DataStore, cache *store.RedisStore) *Unread {
	return &Unread{store: ds, cache: cache}
}

// Count returns the number of messages in the conversation that the user has
// not read: sent by the counterpart, not soft-deleted, newer than the user's
// watermark. The store computes watermark and message filter in a single
// statement, so the result is a consistent snapshot.
func (u *Unread) Count(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	p, err := u.store.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, ErrNotParticipant
	}

	if count, ok := u.cache.GetUnread(ctx, conversationID, userID); ok {
		return count, nil
	}

	count, err := u.store.UnreadCount(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	u.cache.SetUnread(ctx, conversationID, userID, count)
	return count, nil
}
