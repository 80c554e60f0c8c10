package chat

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/duplex-chat/duplex/internal/metrics"
	"github.com/duplex-chat/duplex/internal/models"
	"github.com/duplex-chat/duplex/internal/store"
)

const (
	// DefaultListLimit bounds a listing when the caller passes none.
	DefaultListLimit = 50
	// MaxListLimit is the hard cap on a single listing.
	MaxListLimit = 200

	appendStripes = 64

	// A stripe's last-timestamp map is pruned once it grows past
	// stripePruneLen: entries idle longer than stripeRetention are dropped.
	// Dropping is safe because a future append in that conversation reads a
	// wall clock already past any entry that old, so created_at still
	// strictly increases.
	stripePruneLen  = 1024
	stripeRetention = time.Minute
)

// Publisher receives successful appends and conversation activity for
// fan-out to live sessions. Delivery is best-effort; implementations must
// not block.
type Publisher interface {
	PublishMessage(msg *models.Message)
	PublishTouch(conversationID uuid.UUID, updatedAt time.Time, userIDs []string)
}

// NopPublisher discards events. Used when no bus is wired, e.g. in tests.
type NopPublisher struct{}

func (NopPublisher) PublishMessage(*models.Message)              {}
func (NopPublisher) PublishTouch(uuid.UUID, time.Time, []string) {}

// appendStripe serializes appends for the conversations hashing into it and
// remembers the last assigned timestamp per conversation so created_at is
// strictly increasing even when the wall clock stalls.
type appendStripe struct {
	mu   sync.Mutex
	last map[uuid.UUID]time.Time
}

// prune drops entries idle longer than stripeRetention. Caller holds mu.
func (st *appendStripe) prune(now time.Time) {
	cutoff := now.Add(-stripeRetention)
	for id, last := range st.last {
		if last.Before(cutoff) {
			delete(st.last, id)
		}
	}
}

// Log is the append-only per-conversation message sequence. It is the
// durability channel: the bus only accelerates delivery to connected
// sessions, reconnecting clients reconcile through ListSince.
type Log struct {
	store   store.DataStore
	cache   *store.RedisStore
	bus     Publisher
	logger  zerolog.Logger
	now     func() time.Time
	stripes [appendStripes]appendStripe
}

// NewLog creates a message log. cache may be nil; bus may be nil to disable
// live delivery.
func NewLog(ds store.DataStore, cache *store.RedisStore, bus Publisher, logger zerolog.Logger) *Log {
	if bus == nil {
		bus = NopPublisher{}
	}
	l := &Log{
		store:  ds,
		cache:  cache,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
	for i := range l.stripes {
		l.stripes[i].last = make(map[uuid.UUID]time.Time)
	}
	return l
}

func (l *Log) stripe(conversationID uuid.UUID) *appendStripe {
	h := fnv.New32a()
	h.Write(conversationID[:])
	return &l.stripes[h.Sum32()%appendStripes]
}

// Append validates and stores a message, bumps the conversation, invalidates
// the recipient's unread cache and publishes to live sessions. A failed
// validation produces no side effects at all.
func (l *Log) Append(ctx context.Context, conversationID uuid.UUID, senderID, content string) (*models.Message, error) {
	conv, err := l.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	if !conv.Has(senderID) {
		return nil, ErrNotParticipant
	}

	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > models.MaxContentLength {
		return nil, ErrInvalidContent
	}

	msg := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}

	// Serialize appends per conversation: created_at must be strictly
	// increasing within a conversation, and rows must become visible in
	// assignment order so afterID paging never skips a message.
	st := l.stripe(conversationID)
	st.mu.Lock()
	ts := l.now().UTC()
	if last, ok := st.last[conversationID]; ok && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	msg.CreatedAt = ts
	msg.ID = ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String()

	err = l.store.InsertMessage(ctx, msg)
	if err == nil {
		st.last[conversationID] = ts
		if len(st.last) > stripePruneLen {
			st.prune(ts)
		}
	}
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := l.store.TouchConversation(ctx, conversationID, ts); err != nil {
		// The message is durable; a missed bump only delays list reordering.
		l.logger.Warn().Err(err).
			Str("conversation_id", conversationID.String()).
			Msg("conversation touch failed")
	}

	l.cache.InvalidateUnread(ctx, conversationID, conv.Other(senderID))

	l.bus.PublishMessage(msg)
	l.bus.PublishTouch(conversationID, ts, []string{conv.UserA, conv.UserB})

	metrics.MessagesSent.Inc()
	return msg, nil
}

// ListSince returns the visible messages of a conversation in ascending
// (created_at, id) order, strictly after afterID when it is non-empty.
// Membership is checked on every read, not just writes.
func (l *Log) ListSince(ctx context.Context, conversationID uuid.UUID, userID, afterID string, limit int) ([]models.Message, error) {
	conv, err := l.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	if !conv.Has(userID) {
		return nil, ErrNotParticipant
	}

	if afterID != "" {
		after, err := l.store.GetMessage(ctx, afterID)
		if err != nil {
			return nil, err
		}
		if after == nil || after.ConversationID != conversationID {
			return nil, ErrNotFound
		}
	}

	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	return l.store.ListMessagesSince(ctx, conversationID, afterID, limit)
}

// SoftDelete hides a message everywhere. Only the sender may delete their
// message; deleting an already-deleted message is a no-op.
func (l *Log) SoftDelete(ctx context.Context, messageID, requesterID string) error {
	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrNotFound
	}
	if msg.SenderID != requesterID {
		return ErrForbidden
	}

	if _, err := l.store.SoftDeleteMessage(ctx, messageID, l.now().UTC()); err != nil {
		return err
	}

	// The hidden message may have been unread for the counterpart.
	if conv, err := l.store.GetConversation(ctx, msg.ConversationID); err == nil && conv != nil {
		l.cache.InvalidateUnread(ctx, msg.ConversationID, conv.Other(requesterID))
	}
	return nil
}

// MarkRead advances the caller's read watermark to at.
func (l *Log) MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) error {
	ok, err := l.store.MarkRead(ctx, conversationID, userID, at.UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	l.cache.InvalidateUnread(ctx, conversationID, userID)
	return nil
}
