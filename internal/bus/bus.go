// Package bus fans newly appended messages out to connected sessions.
// Delivery is best-effort and at-most-once per live session: the message log
// is the durability channel, the bus only saves connected clients a poll.
package bus

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/duplex-chat/duplex/internal/metrics"
	"github.com/duplex-chat/duplex/internal/models"
)

// Event types pushed over the subscription channel.
const (
	EventTypeMessage = "message"
	EventTypeTouch   = "conversation-touched"
	EventTypeError   = "error"
)

// Event is the wire envelope for pushed events.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// TouchPayload signals that a conversation saw activity, so conversation
// lists can reorder without refetching message bodies.
type TouchPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Bus tracks which session is subscribed to what and fans events out.
// Every attached session is implicitly subscribed to its own user's
// conversation index; conversation feeds are joined explicitly after the
// handler has verified membership.
type Bus struct {
	mu            sync.RWMutex
	logger        zerolog.Logger
	sessions      map[string]*Connection               // sessionID -> connection
	userIndex     map[string]map[string]*Connection    // userID -> sessionID -> connection
	conversations map[uuid.UUID]map[string]*Connection // conversationID -> sessionID -> connection
	sessionSubs   map[string]map[uuid.UUID]struct{}    // sessionID -> joined conversations
}

// New constructs an initialized Bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:        logger,
		sessions:      make(map[string]*Connection),
		userIndex:     make(map[string]map[string]*Connection),
		conversations: make(map[uuid.UUID]map[string]*Connection),
		sessionSubs:   make(map[string]map[uuid.UUID]struct{}),
	}
}

// Attach registers a session, subscribes it to its user's conversation
// index and starts its write loop.
func (b *Bus) Attach(conn *Connection) {
	b.mu.Lock()
	b.sessions[conn.ID] = conn
	idx := b.userIndex[conn.UserID]
	if idx == nil {
		idx = make(map[string]*Connection)
		b.userIndex[conn.UserID] = idx
	}
	idx[conn.ID] = conn
	b.sessionSubs[conn.ID] = make(map[uuid.UUID]struct{})
	b.mu.Unlock()

	conn.Start()
	metrics.SessionsActive.Inc()
}

// Detach removes a session and every subscription it holds. It is the
// exit-path guarantee: whatever way a session ends, calling Detach leaves no
// trace of it in the registry.
func (b *Bus) Detach(conn *Connection) {
	b.mu.Lock()
	_, tracked := b.sessions[conn.ID]
	if tracked {
		b.detachLocked(conn.ID)
	}
	b.mu.Unlock()

	if tracked {
		metrics.SessionsActive.Dec()
	}
}

// SubscribeConversation joins the session to a conversation feed. The caller
// must have verified that the session's user is a participant.
func (b *Bus) SubscribeConversation(conn *Connection, conversationID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sessions[conn.ID]; !ok {
		return
	}

	feed := b.conversations[conversationID]
	if feed == nil {
		feed = make(map[string]*Connection)
		b.conversations[conversationID] = feed
	}
	feed[conn.ID] = conn
	b.sessionSubs[conn.ID][conversationID] = struct{}{}
}

// UnsubscribeConversation removes the session from a conversation feed.
func (b *Bus) UnsubscribeConversation(conn *Connection, conversationID uuid.UUID) {
	b.mu.Lock()
	b.leaveLocked(conversationID, conn.ID)
	b.mu.Unlock()
}

// PublishMessage delivers a message event to every session subscribed to
// its conversation. Failures are counted and logged, never escalated.
func (b *Bus) PublishMessage(msg *models.Message) {
	payload, err := json.Marshal(Event{Type: EventTypeMessage, Payload: msg})
	if err != nil {
		b.logger.Error().Err(err).Msg("marshal message event")
		return
	}

	b.mu.RLock()
	conns := make([]*Connection, 0, len(b.conversations[msg.ConversationID]))
	for _, conn := range b.conversations[msg.ConversationID] {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		b.deliver(conn, payload, EventTypeMessage)
	}
}

// PublishTouch delivers a conversation-touched event to every session on
// the participants' conversation indexes.
func (b *Bus) PublishTouch(conversationID uuid.UUID, updatedAt time.Time, userIDs []string) {
	payload, err := json.Marshal(Event{
		Type:    EventTypeTouch,
		Payload: TouchPayload{ConversationID: conversationID, UpdatedAt: updatedAt},
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("marshal touch event")
		return
	}

	b.mu.RLock()
	var conns []*Connection
	for _, userID := range userIDs {
		for _, conn := range b.userIndex[userID] {
			conns = append(conns, conn)
		}
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		b.deliver(conn, payload, EventTypeTouch)
	}
}

// deliver pushes one payload to one session. Per-session buffers decouple
// the fan-out: a slow session is closed, never waited on.
func (b *Bus) deliver(conn *Connection, payload []byte, eventType string) {
	if err := conn.Send(payload); err != nil {
		metrics.EventsDropped.Inc()
		b.logger.Debug().
			Str("session_id", conn.ID).
			Str("user_id", conn.UserID).
			Err(err).
			Msg("push not delivered")
		if errors.Is(err, ErrSessionBacklogged) {
			b.Detach(conn)
		}
		return
	}
	metrics.EventsDelivered.WithLabelValues(eventType).Inc()
}

// SessionCount returns the number of attached sessions.
func (b *Bus) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Close terminates all tracked sessions and clears the registry.
func (b *Bus) Close() {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.sessions))
	for _, conn := range b.sessions {
		conns = append(conns, conn)
	}
	b.sessions = make(map[string]*Connection)
	b.userIndex = make(map[string]map[string]*Connection)
	b.conversations = make(map[uuid.UUID]map[string]*Connection)
	b.sessionSubs = make(map[string]map[uuid.UUID]struct{})
	b.mu.Unlock()

	for _, conn := range conns {
		conn.Close(1001, "server shutting down")
		metrics.SessionsActive.Dec()
	}
}

func (b *Bus) detachLocked(sessionID string) {
	conn, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	delete(b.sessions, sessionID)

	if idx := b.userIndex[conn.UserID]; idx != nil {
		delete(idx, sessionID)
		if len(idx) == 0 {
			delete(b.userIndex, conn.UserID)
		}
	}

	for convID := range b.sessionSubs[sessionID] {
		b.leaveLocked(convID, sessionID)
	}
	delete(b.sessionSubs, sessionID)
}

func (b *Bus) leaveLocked(conversationID uuid.UUID, sessionID string) {
	feed := b.conversations[conversationID]
	if feed == nil {
		return
	}
	delete(feed, sessionID)
	if len(feed) == 0 {
		delete(b.conversations, conversationID)
	}
	if subs, ok := b.sessionSubs[sessionID]; ok {
		delete(subs, conversationID)
	}
}
